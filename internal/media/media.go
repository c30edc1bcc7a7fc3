// Package media implements the media abstraction boundary from spec §6: a
// descriptor naming either a block device or a RAM span, with a partition
// offset/length, exposing read/write/erase/sync by byte range. Offsets are
// auto-shifted by the partition offset; out-of-partition accesses fail with
// EIO. The block device itself is an external collaborator (spec §1) --
// here modeled as the BlockDevice interface, which both a RAM-backed test
// double and a real file-backed device can implement.
//
// Optional throughput shaping adapts gcsfuse's ratelimit package (a
// token bucket keyed off wall-clock arrivals) onto golang.org/x/time/rate,
// the maintained equivalent, so a device can be wrapped with a byte/sec cap
// without the FAT driver or block cache knowing about it.
package media

import (
	"context"
	"sync"

	"github.com/badger-os/vfscore/internal/errno"
	"golang.org/x/time/rate"
)

// BlockDevice is the boundary the block-device driver layer exposes.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Erase(off, length int64) error
	Sync() error
	Size() int64
}

// Kind discriminates the two media descriptor shapes from spec §6.
type Kind int

const (
	// None means no backing media (RAMFS / devtmpfs).
	None Kind = iota
	BlockDeviceKind
	RamKind
)

// Media is the descriptor passed to a driver's mount operation.
type Media struct {
	Kind               Kind
	PartitionOffset    int64
	PartitionLength    int64
	Device             BlockDevice // valid when Kind == BlockDeviceKind
	Ram                []byte      // valid when Kind == RamKind
	mu                 sync.Mutex  // guards Ram-kind resize-in-place callers (none today; kept for parity with Device locking)
}

// NewBlockDeviceMedia wraps a BlockDevice as a partitioned media descriptor.
func NewBlockDeviceMedia(dev BlockDevice, partitionOffset, partitionLength int64) *Media {
	return &Media{
		Kind:            BlockDeviceKind,
		PartitionOffset: partitionOffset,
		PartitionLength: partitionLength,
		Device:          dev,
	}
}

// NewRamMedia wraps a byte slice as a RAM-span media descriptor spanning the
// whole slice.
func NewRamMedia(buf []byte) *Media {
	return &Media{
		Kind:            RamKind,
		PartitionOffset: 0,
		PartitionLength: int64(len(buf)),
		Ram:             buf,
	}
}

func (m *Media) bounds(off, length int64) error {
	if off < 0 || length < 0 || off+length > m.PartitionLength {
		return errno.EIO
	}
	return nil
}

// ReadAt reads length bytes at partition-relative offset off.
func (m *Media) ReadAt(p []byte, off int64) (int, error) {
	if err := m.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	switch m.Kind {
	case BlockDeviceKind:
		return m.Device.ReadAt(p, m.PartitionOffset+off)
	case RamKind:
		m.mu.Lock()
		defer m.mu.Unlock()
		n := copy(p, m.Ram[m.PartitionOffset+off:])
		return n, nil
	default:
		return 0, errno.EIO
	}
}

// WriteAt writes p at partition-relative offset off.
func (m *Media) WriteAt(p []byte, off int64) (int, error) {
	if err := m.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	switch m.Kind {
	case BlockDeviceKind:
		return m.Device.WriteAt(p, m.PartitionOffset+off)
	case RamKind:
		m.mu.Lock()
		defer m.mu.Unlock()
		n := copy(m.Ram[m.PartitionOffset+off:], p)
		return n, nil
	default:
		return 0, errno.EIO
	}
}

// Erase zeroes (or TRIMs, for a real device) the given byte range.
func (m *Media) Erase(off, length int64) error {
	if err := m.bounds(off, length); err != nil {
		return err
	}
	switch m.Kind {
	case BlockDeviceKind:
		return m.Device.Erase(m.PartitionOffset+off, length)
	case RamKind:
		m.mu.Lock()
		defer m.mu.Unlock()
		clear(m.Ram[m.PartitionOffset+off : m.PartitionOffset+off+length])
		return nil
	default:
		return errno.EIO
	}
}

// Sync flushes the underlying block device; RAM media has nothing to flush.
// The block cache calls it after writing back its dirty blocks.
func (m *Media) Sync() error {
	if m.Kind == BlockDeviceKind {
		return m.Device.Sync()
	}
	return nil
}

// ThrottledDevice wraps a BlockDevice with a token-bucket throughput cap,
// the modern equivalent of gcsfuse's ratelimit.SystemTimeTokenBucket.
type ThrottledDevice struct {
	BlockDevice
	limiter *rate.Limiter
}

// NewThrottledDevice caps dev to bytesPerSecond sustained throughput with a
// burst of the same size.
func NewThrottledDevice(dev BlockDevice, bytesPerSecond int) *ThrottledDevice {
	return &ThrottledDevice{
		BlockDevice: dev,
		limiter:     rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
	}
}

func (t *ThrottledDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := t.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, errno.EIO
	}
	return t.BlockDevice.ReadAt(p, off)
}

func (t *ThrottledDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := t.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, errno.EIO
	}
	return t.BlockDevice.WriteAt(p, off)
}

// RamDevice is an in-memory BlockDevice, primarily for tests and for
// mounting FAT images without a real disk.
type RamDevice struct {
	mu  sync.Mutex
	buf []byte
}

// NewRamDevice allocates a zeroed RAM-backed block device of size bytes.
func NewRamDevice(size int64) *RamDevice {
	return &RamDevice{buf: make([]byte, size)}
}

func (d *RamDevice) Size() int64 { return int64(len(d.buf)) }

func (d *RamDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off > int64(len(d.buf)) {
		return 0, errno.EIO
	}
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *RamDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, errno.EIO
	}
	n := copy(d.buf[off:], p)
	return n, nil
}

func (d *RamDevice) Erase(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+length > int64(len(d.buf)) {
		return errno.EIO
	}
	clear(d.buf[off : off+length])
	return nil
}

func (d *RamDevice) Sync() error { return nil }
