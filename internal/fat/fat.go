// Package fat implements the FAT12/16/32 driver from spec §4.5: BPB
// parsing and validation, FAT entry translation and cluster allocation,
// 8.3 name mangling, directory record scanning, and the file
// open/read/write/resize/unlink contract.
//
// Grounded on two reference implementations (soypat's fat.go and
// dargueta/disko's drivers/fat/common.go) for the BPB field layout, FAT12
// nibble-packing arithmetic, and 8.3
// mangling conventions; the surrounding structure -- a driver that opens
// onto internal/media.Media through internal/blockcache.Cache, returning
// fsdriver.Mount -- follows internal/ramfs, this module's other driver,
// rather than either reference implementation's own plumbing.
package fat

import (
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/badger-os/vfscore/internal/blockcache"
	"github.com/badger-os/vfscore/internal/errno"
	"github.com/badger-os/vfscore/internal/fsdriver"
)

const (
	dirRecordSize = 32
	freeMarker    = 0x00
	tombstone     = 0xE5
	tombstoneNew  = 0xE9 // per spec §4.5, unlink writes this rather than 0xE5
)

// Attr bits within a directory record's attribute byte.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
)

// NTRes bits repurposed to carry case information for 8.3 names, the
// well-known "NT byte" trick: bit 0x08 means the base is lowercase, bit
// 0x10 means the extension is lowercase. A name whose base or extension
// is genuinely mixed-case cannot be represented this way; we store it
// uppercased rather than attempt long-filename records, which spec §4.5
// explicitly puts out of scope.
const (
	caseLowerBase = 0x08
	caseLowerExt  = 0x10
)

// Type identifies which FAT width a mounted volume uses.
type Type int

const (
	FAT12 Type = iota
	FAT16
	FAT32
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// bpb is the parsed BIOS Parameter Block plus the FAT32 extended fields,
// when present.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16
	totalSectors      uint32
	fatSize           uint32
	rootCluster       uint32 // FAT32 only
}

func parseBPB(sector []byte) (*bpb, error) {
	if len(sector) < 512 {
		return nil, errno.EIO
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, errno.EIO
	}

	b := &bpb{
		bytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		sectorsPerCluster: sector[13],
		reservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		numFATs:           sector[16],
		rootEntryCount:    binary.LittleEndian.Uint16(sector[17:19]),
	}

	if !isValidSectorSize(b.bytesPerSector) {
		return nil, errno.EIO
	}
	if b.sectorsPerCluster == 0 || b.numFATs == 0 {
		return nil, errno.EIO
	}

	if total16 := binary.LittleEndian.Uint16(sector[19:21]); total16 != 0 {
		b.totalSectors = uint32(total16)
	} else {
		b.totalSectors = binary.LittleEndian.Uint32(sector[32:36])
	}

	if fatSize16 := binary.LittleEndian.Uint16(sector[22:24]); fatSize16 != 0 {
		b.fatSize = uint32(fatSize16)
	} else {
		b.fatSize = binary.LittleEndian.Uint32(sector[36:40])
		b.rootCluster = binary.LittleEndian.Uint32(sector[44:48])
	}

	return b, nil
}

func isValidSectorSize(n uint16) bool {
	switch n {
	case 512, 1024, 2048, 4096:
		return true
	default:
		return false
	}
}

func (b *bpb) rootDirSectors() uint32 {
	return (uint32(b.rootEntryCount)*dirRecordSize + uint32(b.bytesPerSector) - 1) / uint32(b.bytesPerSector)
}

func (b *bpb) firstDataSector() uint32 {
	return uint32(b.reservedSectors) + uint32(b.numFATs)*b.fatSize + b.rootDirSectors()
}

func (b *bpb) clusterCount() uint32 {
	dataSectors := b.totalSectors - b.firstDataSector()
	return dataSectors / uint32(b.sectorsPerCluster)
}

func classify(clusters uint32) Type {
	switch {
	case clusters < 4085:
		return FAT12
	case clusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}

// IsEOF reports whether a translated 32-bit FAT entry marks a chain end.
func IsEOF(v uint32) bool { return v&0x0FFFFFF8 == 0x0FFFFFF8 }

// IsFree reports whether a translated FAT entry marks a free cluster.
func IsFree(v uint32) bool { return v == 0 }

// IsAllocated reports whether a translated FAT entry points at a real
// next cluster.
func IsAllocated(v uint32) bool { return v >= 2 && v <= 0x0FFFFFF6 }

// Driver implements fsdriver.Driver for FAT12/16/32.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "fat" }

func (d *Driver) SupportsDeviceFiles() bool { return false }

func (d *Driver) Detect(media fsdriver.MediaReader) (int, error) {
	sector := make([]byte, 512)
	if _, err := media.ReadAt(sector, 0); err != nil {
		return -1, err
	}
	if _, err := parseBPB(sector); err != nil {
		return 0, nil
	}
	return 1, nil
}

func (d *Driver) Mount(media fsdriver.MediaReader, readOnly bool) (fsdriver.Mount, error) {
	sector := make([]byte, 512)
	if _, err := media.ReadAt(sector, 0); err != nil {
		return nil, err
	}
	b, err := parseBPB(sector)
	if err != nil {
		return nil, err
	}

	m := &mount{
		bpb:         b,
		fatType:     classify(b.clusterCount()),
		device:      media,
		readOnly:    readOnly,
		openCount:   make(map[fsdriver.InodeNum]int32),
		pendingFree: make(map[fsdriver.InodeNum][]uint32),
	}
	m.cache = blockcache.New(media, int(b.bytesPerSector), blockcache.Options{})
	m.clusterBytes = int64(b.sectorsPerCluster) * int64(b.bytesPerSector)
	m.fatStartByte = int64(b.reservedSectors) * int64(b.bytesPerSector)

	if m.fatType != FAT32 {
		m.rootDirStartByte = int64(b.reservedSectors+uint16(b.numFATs)*uint16(b.fatSize)) * int64(b.bytesPerSector)
		m.rootDirCapacity = int(b.rootEntryCount)
	}

	if err := m.buildFreeBitmap(); err != nil {
		return nil, err
	}
	if err := m.reconcileOrphanedClusters(); err != nil {
		return nil, err
	}

	return m, nil
}

type mount struct {
	bpb     *bpb
	fatType Type

	device   fsdriver.MediaReader
	cache    *blockcache.Cache
	readOnly bool

	clusterBytes int64
	fatStartByte int64

	rootDirStartByte int64 // FAT12/16 only
	rootDirCapacity  int   // FAT12/16 only, in records

	bitmap    bitset
	freeCount atomic.Int64

	dirMu sync.Mutex // serializes directory structural changes (allocate-slot / extend)

	// openMu guards openCount and pendingFree, the "frees when zero and not
	// open" bookkeeping from spec §4.5: Unlink tombstones the dirent and
	// clears the name immediately, but only frees the cluster chain once
	// nothing still has it open.
	openMu      sync.Mutex
	openCount   map[fsdriver.InodeNum]int32
	pendingFree map[fsdriver.InodeNum][]uint32
}

// bitset is the free-cluster bitmap from spec §4.5: bit i set means
// cluster i+2 is free.
type bitset struct {
	words []atomic.Uint64
}

func newBitset(n int) *bitset {
	return &bitset{words: make([]atomic.Uint64, (n+63)/64)}
}

func (bs *bitset) setFree(i int)     { bs.words[i/64].Or(1 << uint(i%64)) }
func (bs *bitset) clearFree(i int) bool {
	word := &bs.words[i/64]
	bit := uint64(1) << uint(i%64)
	for {
		old := word.Load()
		if old&bit == 0 {
			return false
		}
		if word.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// findAndClearFree scans for any set bit and clears it via CAS, retrying
// on contention. Per spec §4.5 a miss here (racing with another
// allocator on the same word) is expected under load, not an error.
func (bs *bitset) findAndClearFree() (int, bool) {
	for wi := range bs.words {
		for {
			w := bs.words[wi].Load()
			if w == 0 {
				break
			}
			bit := lowestSetBit(w)
			if bs.words[wi].CompareAndSwap(w, w&^bit) {
				return wi*64 + trailingZeros(bit), true
			}
			slog.Warn("fat: bitmap CAS raced, retrying", "word", wi)
		}
	}
	return 0, false
}

func lowestSetBit(w uint64) uint64 { return w & (-w) }

func trailingZeros(w uint64) int {
	n := 0
	for w&1 == 0 {
		w >>= 1
		n++
	}
	return n
}

func (m *mount) buildFreeBitmap() error {
	n := int(m.bpb.clusterCount())
	m.bitmap = *newBitset(n)
	free := 0
	for c := 2; c < n+2; c++ {
		v, err := m.getFATEntry(uint32(c))
		if err != nil {
			return err
		}
		if IsFree(v) {
			m.bitmap.setFree(c - 2)
			free++
		}
	}
	m.freeCount.Store(int64(free))
	return nil
}

func (m *mount) allocateCluster() (uint32, error) {
	if m.freeCount.Add(-1) < 0 {
		m.freeCount.Add(1)
		return 0, errno.ENOSPC
	}
	idx, ok := m.bitmap.findAndClearFree()
	if !ok {
		m.freeCount.Add(1)
		return 0, errno.EIO
	}
	cluster := uint32(idx) + 2
	if err := m.setFATEntry(cluster, 0x0FFFFFFF); err != nil {
		return 0, err
	}
	return cluster, nil
}

func (m *mount) freeCluster(cluster uint32) error {
	if err := m.setFATEntry(cluster, 0); err != nil {
		return err
	}
	m.bitmap.setFree(int(cluster - 2))
	m.freeCount.Add(1)
	return nil
}

// FAT entry translation, spec §4.5.

func (m *mount) fatEntryByteOffset(cluster uint32) (int64, int) {
	switch m.fatType {
	case FAT12:
		return m.fatStartByte + int64(cluster)+int64(cluster)/2, 12
	case FAT16:
		return m.fatStartByte + int64(cluster)*2, 16
	default:
		return m.fatStartByte + int64(cluster)*4, 32
	}
}

func (m *mount) getFATEntry(cluster uint32) (uint32, error) {
	off, width := m.fatEntryByteOffset(cluster)
	switch width {
	case 12:
		buf := make([]byte, 2)
		if _, err := m.cache.Read(buf, off); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(buf)
		e := uint32(v >> 4)
		if cluster%2 == 0 {
			e = uint32(v & 0x0FFF)
		}
		if e >= 0xFF8 {
			return 0x0FFFFFFF, nil
		}
		return e, nil
	case 16:
		buf := make([]byte, 2)
		if _, err := m.cache.Read(buf, off); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(buf)
		if v >= 0xFFF8 {
			return 0x0FFFFFFF, nil
		}
		return uint32(v), nil
	default:
		buf := make([]byte, 4)
		if _, err := m.cache.Read(buf, off); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF, nil
	}
}

func (m *mount) setFATEntry(cluster, value uint32) error {
	off, width := m.fatEntryByteOffset(cluster)
	switch width {
	case 12:
		buf := make([]byte, 2)
		if _, err := m.cache.Read(buf, off); err != nil {
			return err
		}
		existing := binary.LittleEndian.Uint16(buf)
		var merged uint16
		if cluster%2 == 0 {
			merged = (existing & 0xF000) | uint16(value&0x0FFF)
		} else {
			merged = (existing & 0x000F) | (uint16(value&0x0FFF) << 4)
		}
		binary.LittleEndian.PutUint16(buf, merged)
		_, err := m.cache.Write(buf, off)
		return err
	case 16:
		buf := make([]byte, 2)
		v := uint16(value)
		if IsEOF(value) {
			v = 0xFFFF
		}
		binary.LittleEndian.PutUint16(buf, v)
		_, err := m.cache.Write(buf, off)
		return err
	default:
		buf := make([]byte, 4)
		existing := make([]byte, 4)
		if _, err := m.cache.Read(existing, off); err != nil {
			return err
		}
		top := binary.LittleEndian.Uint32(existing) & 0xF0000000
		binary.LittleEndian.PutUint32(buf, top|(value&0x0FFFFFFF))
		_, err := m.cache.Write(buf, off)
		return err
	}
}

// followChain returns every cluster number in the chain starting at
// first, spec §4.5's "cluster chain read". A cycle (a cluster revisited
// before EOF) is reported as EIO rather than looping forever.
func (m *mount) followChain(first uint32) ([]uint32, error) {
	if first == 0 {
		return nil, nil
	}

	seen := make(map[uint32]bool)
	var chain []uint32
	cluster := first
	for {
		if seen[cluster] {
			return nil, errno.EIO
		}
		seen[cluster] = true
		chain = append(chain, cluster)

		next, err := m.getFATEntry(cluster)
		if err != nil {
			return nil, err
		}
		if IsEOF(next) {
			return chain, nil
		}
		if !IsAllocated(next) {
			return nil, errno.EIO
		}
		cluster = next
	}
}

// freeChain erases the data region of, and frees, every cluster in chain.
func (m *mount) freeChain(chain []uint32) error {
	zero := make([]byte, m.clusterBytes)
	for _, c := range chain {
		if _, err := m.cache.Write(zero, m.clusterToByteOffset(c)); err != nil {
			return err
		}
		if err := m.freeCluster(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *mount) clusterToByteOffset(cluster uint32) int64 {
	sector := m.bpb.firstDataSector() + (cluster-2)*uint32(m.bpb.sectorsPerCluster)
	return int64(sector) * int64(m.bpb.bytesPerSector)
}

// --- 8.3 name mangling, spec §4.5 ---

const invalidNameChars = "\"*+,/:;<=>?[\\]|"

type rec83 struct {
	base     [8]byte
	ext      [3]byte
	caseBits byte
}

func mangleName(name string, allowShorten bool) (rec83, error) {
	if name == "" || name == "." || name == ".." {
		return rec83{}, errno.EINVAL
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e || strings.ContainsRune(invalidNameChars, r) {
			return rec83{}, errno.EINVAL
		}
	}

	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}

	var r rec83
	for i := range r.base {
		r.base[i] = ' '
	}
	for i := range r.ext {
		r.ext[i] = ' '
	}

	baseCase, baseMixed := uniformCase(base)
	extCase, extMixed := uniformCase(ext)

	truncated := len(base) > 8 || len(ext) > 3
	if truncated && !allowShorten {
		return rec83{}, errno.ENAMETOOLONG
	}

	upperBase := strings.ToUpper(base)
	if len(upperBase) > 8 {
		upperBase = upperBase[:6] + "~1"
	}
	copy(r.base[:], upperBase)

	upperExt := strings.ToUpper(ext)
	if len(upperExt) > 3 {
		upperExt = upperExt[:3]
	}
	copy(r.ext[:], upperExt)

	if !baseMixed && baseCase == caseLower && !truncated {
		r.caseBits |= caseLowerBase
	}
	if !extMixed && extCase == caseLower {
		r.caseBits |= caseLowerExt
	}

	return r, nil
}

type letterCase int

const (
	caseNone letterCase = iota
	caseLower
	caseUpper
)

func uniformCase(s string) (letterCase, bool) {
	seen := caseNone
	for _, r := range s {
		var c letterCase
		switch {
		case r >= 'a' && r <= 'z':
			c = caseLower
		case r >= 'A' && r <= 'Z':
			c = caseUpper
		default:
			continue
		}
		if seen == caseNone {
			seen = c
		} else if seen != c {
			return seen, true
		}
	}
	return seen, false
}

func demangleName(r rec83) string {
	base := strings.TrimRight(string(r.base[:]), " ")
	ext := strings.TrimRight(string(r.ext[:]), " ")
	if r.caseBits&caseLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if r.caseBits&caseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// --- directory records ---

type dirent struct {
	rec83
	attr           byte
	firstClusterHi uint16
	firstClusterLo uint16
	fileSize       uint32
}

func (d dirent) isDir() bool  { return d.attr&attrDirectory != 0 }
func (d dirent) isFree() bool { return d.base[0] == freeMarker || d.base[0] == tombstone || d.base[0] == tombstoneNew }
func (d dirent) isEnd() bool  { return d.base[0] == freeMarker }
func (d dirent) firstCluster() uint32 {
	return uint32(d.firstClusterHi)<<16 | uint32(d.firstClusterLo)
}

func decodeDirent(buf []byte) dirent {
	var d dirent
	copy(d.base[:], buf[0:8])
	copy(d.ext[:], buf[8:11])
	d.attr = buf[11]
	d.caseBits = buf[12]
	d.firstClusterHi = binary.LittleEndian.Uint16(buf[20:22])
	d.firstClusterLo = binary.LittleEndian.Uint16(buf[26:28])
	d.fileSize = binary.LittleEndian.Uint32(buf[28:32])
	return d
}

func encodeDirent(d dirent) []byte {
	buf := make([]byte, dirRecordSize)
	copy(buf[0:8], d.base[:])
	copy(buf[8:11], d.ext[:])
	buf[11] = d.attr
	buf[12] = d.caseBits
	binary.LittleEndian.PutUint16(buf[20:22], d.firstClusterHi)
	binary.LittleEndian.PutUint16(buf[26:28], d.firstClusterLo)
	binary.LittleEndian.PutUint32(buf[28:32], d.fileSize)
	return buf
}

// dirLoc identifies where a directory's records live: either the
// FAT12/16 fixed-size root region, or a cluster chain (any subdirectory,
// and the FAT32 root).
type dirLoc struct {
	fixedRoot bool
	cluster   uint32
}

func (m *mount) rootLoc() dirLoc {
	if m.fatType == FAT32 {
		return dirLoc{cluster: m.bpb.rootCluster}
	}
	return dirLoc{fixedRoot: true}
}

// recordOffset returns the absolute byte offset of record index within
// loc, extending the backing cluster chain if needed and allowed.
func (m *mount) recordOffset(loc dirLoc, index int, extend bool) (int64, error) {
	if loc.fixedRoot {
		if index >= m.rootDirCapacity {
			return 0, errno.ENOSPC
		}
		return m.rootDirStartByte + int64(index)*dirRecordSize, nil
	}

	recordsPerCluster := int(m.clusterBytes / dirRecordSize)
	clusterIdx := index / recordsPerCluster
	within := index % recordsPerCluster

	chain, err := m.followChain(loc.cluster)
	if err != nil {
		return 0, err
	}
	for len(chain) <= clusterIdx {
		if !extend {
			return 0, errno.EIO
		}
		next, err := m.allocateCluster()
		if err != nil {
			return 0, err
		}
		if err := m.linkClusterAtEnd(loc.cluster, chain, next); err != nil {
			return 0, err
		}
		zero := make([]byte, m.clusterBytes)
		if _, err := m.cache.Write(zero, m.clusterToByteOffset(next)); err != nil {
			return 0, err
		}
		chain = append(chain, next)
	}

	return m.clusterToByteOffset(chain[clusterIdx]) + int64(within)*dirRecordSize, nil
}

func (m *mount) linkClusterAtEnd(head uint32, chain []uint32, next uint32) error {
	last := head
	if len(chain) > 0 {
		last = chain[len(chain)-1]
	}
	return m.setFATEntry(last, next)
}

func (m *mount) readDirentAt(loc dirLoc, index int) (dirent, error) {
	off, err := m.recordOffset(loc, index, false)
	if err != nil {
		return dirent{}, err
	}
	buf := make([]byte, dirRecordSize)
	if _, err := m.cache.Read(buf, off); err != nil {
		return dirent{}, err
	}
	return decodeDirent(buf), nil
}

func (m *mount) writeDirentAt(loc dirLoc, index int, d dirent) error {
	off, err := m.recordOffset(loc, index, true)
	if err != nil {
		return err
	}
	_, err = m.cache.Write(encodeDirent(d), off)
	return err
}

// findEnt scans loc sequentially, spec §4.5's "searching scans
// sequentially", stopping at the 0x00 terminator.
func (m *mount) findEnt(loc dirLoc, name string) (dirent, int, bool, error) {
	want, err := mangleName(name, true)
	if err != nil {
		return dirent{}, 0, false, err
	}

	for i := 0; ; i++ {
		d, err := m.readDirentAt(loc, i)
		if err != nil {
			return dirent{}, 0, false, err
		}
		if d.isEnd() {
			return dirent{}, 0, false, nil
		}
		if d.isFree() {
			continue
		}
		if d.base == want.base && d.ext == want.ext {
			return d, i, true, nil
		}
	}
}

// allocSlot finds a free or terminating slot to write a new record into,
// extending the directory if every existing slot is occupied. The fixed
// FAT12/16 root cannot be extended and returns ENOSPC instead.
func (m *mount) allocSlot(loc dirLoc) (int, error) {
	for i := 0; ; i++ {
		d, err := m.readDirentAt(loc, i)
		if err == errno.EIO && !loc.fixedRoot {
			// past the end of the current chain: extend by writing here.
			return i, nil
		}
		if err != nil {
			return 0, err
		}
		if d.isFree() {
			return i, nil
		}
	}
}

func listDirectory(m *mount, loc dirLoc) ([]fsdriver.Dirent, []int, error) {
	var out []fsdriver.Dirent
	var indices []int
	for i := 0; ; i++ {
		d, err := m.readDirentAt(loc, i)
		if err != nil {
			if err == errno.EIO && !loc.fixedRoot {
				break
			}
			return nil, nil, err
		}
		if d.isEnd() {
			break
		}
		if d.isFree() || d.attr&attrVolumeID != 0 {
			continue
		}
		out = append(out, fsdriver.Dirent{
			Inode: encodeInode(loc, i),
			IsDir: d.isDir(),
			Name:  demangleName(d.rec83),
		})
		indices = append(indices, i)
	}
	return out, indices, nil
}

// --- inode encoding ---
//
// An inode identifies a dirent by its location: the directory containing
// it (a cluster number, or 0 for the fixed root) and its record index
// within that directory, per spec §4.5's "dirent index is inode
// identity". The mount root itself is not a dirent and gets the reserved
// number -1.

const rootInodeNum fsdriver.InodeNum = -1

func encodeInode(loc dirLoc, index int) fsdriver.InodeNum {
	cluster := uint32(0)
	if !loc.fixedRoot {
		cluster = loc.cluster
	}
	return fsdriver.InodeNum(int64(cluster)<<32 | int64(uint32(index)))
}

func decodeInode(num fsdriver.InodeNum) (loc dirLoc, index int) {
	cluster := uint32(int64(num) >> 32)
	index = int(uint32(int64(num)))
	if cluster == 0 {
		return dirLoc{fixedRoot: true}, index
	}
	return dirLoc{cluster: cluster}, index
}

// locate resolves an inode to its own dirent record and the directory it
// lives in, or reports it as the root.
func (m *mount) locate(num fsdriver.InodeNum) (parent dirLoc, index int, d dirent, isRoot bool, err error) {
	if num == rootInodeNum {
		return dirLoc{}, 0, dirent{}, true, nil
	}
	parent, index = decodeInode(num)
	d, err = m.readDirentAt(parent, index)
	return parent, index, d, false, err
}

// selfLoc returns the dirLoc for num's own contents (its children, if a
// directory; irrelevant for files).
func (m *mount) selfLoc(num fsdriver.InodeNum) (dirLoc, error) {
	if num == rootInodeNum {
		return m.rootLoc(), nil
	}
	_, _, d, _, err := m.locate(num)
	if err != nil {
		return dirLoc{}, err
	}
	return dirLoc{cluster: d.firstCluster()}, nil
}

// --- fsdriver.Mount ---

func (m *mount) RootInode() fsdriver.InodeNum { return rootInodeNum }

func (m *mount) Unmount() error { return m.cache.Sync(blockcache.Range{Offset: 0, Length: m.bpb.totalSectorBytes(m.bpb)}, true) }

func (b *bpb) totalSectorBytes(_ *bpb) int64 { return int64(b.totalSectors) * int64(b.bytesPerSector) }

func (m *mount) CreateFile(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	return m.createEntry(dirNum, name, 0, attrArchive)
}

func (m *mount) CreateDir(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	m.dirMu.Lock()
	cluster, err := m.allocateCluster()
	m.dirMu.Unlock()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, m.clusterBytes)
	if _, err := m.cache.Write(zero, m.clusterToByteOffset(cluster)); err != nil {
		return 0, err
	}

	selfLoc, err := m.selfLoc(dirNum)
	if err != nil {
		return 0, err
	}
	newLoc := dirLoc{cluster: cluster}
	if err := m.writeDotEntries(newLoc, cluster, selfClusterOf(selfLoc)); err != nil {
		return 0, err
	}

	return m.createEntryInLoc(selfLoc, dirNum, name, cluster, attrDirectory)
}

func selfClusterOf(loc dirLoc) uint32 {
	if loc.fixedRoot {
		return 0
	}
	return loc.cluster
}

func (m *mount) writeDotEntries(loc dirLoc, selfCluster, parentCluster uint32) error {
	dot := dirent{attr: attrDirectory}
	dot.base = [8]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dot.firstClusterHi, dot.firstClusterLo = uint16(selfCluster>>16), uint16(selfCluster)
	if err := m.writeDirentAt(loc, 0, dot); err != nil {
		return err
	}

	dotdot := dirent{attr: attrDirectory}
	dotdot.base = [8]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' '}
	dotdot.firstClusterHi, dotdot.firstClusterLo = uint16(parentCluster>>16), uint16(parentCluster)
	if err := m.writeDirentAt(loc, 1, dotdot); err != nil {
		return err
	}

	return m.writeDirentAt(loc, 2, dirent{})
}

func (m *mount) createEntry(dirNum fsdriver.InodeNum, name string, cluster uint32, attr byte) (fsdriver.InodeNum, error) {
	loc, err := m.selfLoc(dirNum)
	if err != nil {
		return 0, err
	}
	return m.createEntryInLoc(loc, dirNum, name, cluster, attr)
}

func (m *mount) createEntryInLoc(loc dirLoc, dirNum fsdriver.InodeNum, name string, cluster uint32, attr byte) (fsdriver.InodeNum, error) {
	if m.readOnly {
		return 0, errno.EACCES
	}
	if _, _, exists, err := m.findEnt(loc, name); err != nil {
		return 0, err
	} else if exists {
		return 0, errno.EEXIST
	}

	rec, err := mangleName(name, false)
	if err != nil {
		return 0, err
	}

	m.dirMu.Lock()
	idx, err := m.allocSlot(loc)
	m.dirMu.Unlock()
	if err != nil {
		return 0, err
	}

	d := dirent{rec83: rec, attr: attr}
	d.firstClusterHi, d.firstClusterLo = uint16(cluster>>16), uint16(cluster)
	if err := m.writeDirentAt(loc, idx, d); err != nil {
		return 0, err
	}
	if idx > 0 {
		if next, err := m.readDirentAt(loc, idx+1); err == nil && !next.isEnd() && next.base[0] != freeMarker {
			// slot reused mid-stream, no terminator maintenance needed
		} else {
			_ = m.writeDirentAt(loc, idx+1, dirent{})
		}
	}

	return encodeInode(loc, idx), nil
}

func (m *mount) Unlink(dirNum fsdriver.InodeNum, name string) error {
	if m.readOnly {
		return errno.EACCES
	}
	if name == "." || name == ".." {
		return errno.EINVAL
	}
	loc, err := m.selfLoc(dirNum)
	if err != nil {
		return err
	}
	d, idx, exists, err := m.findEnt(loc, name)
	if err != nil {
		return err
	}
	if !exists {
		return errno.ENOENT
	}

	if d.isDir() {
		empty, err := m.dirIsEmpty(dirLoc{cluster: d.firstCluster()})
		if err != nil {
			return err
		}
		if !empty {
			return errno.ENOTEMPTY
		}
	}

	d.base[0] = tombstoneNew
	if err := m.writeDirentAt(loc, idx, d); err != nil {
		return err
	}

	if cluster := d.firstCluster(); cluster != 0 {
		chain, err := m.followChain(cluster)
		if err != nil {
			return err
		}

		num := encodeInode(loc, idx)
		m.openMu.Lock()
		if m.openCount[num] > 0 {
			// Still open through an earlier FileOpen cookie: defer freeing
			// the chain until FileClose drops the last reference, so that
			// cookie's reads/writes keep seeing its own data instead of
			// racing a reused cluster.
			m.pendingFree[num] = chain
			m.openMu.Unlock()
			return nil
		}
		m.openMu.Unlock()
		return m.freeChain(chain)
	}
	return nil
}

// dirIsEmpty scans loc ignoring "." and "..", spec §4.5's unlink
// precondition for directories.
func (m *mount) dirIsEmpty(loc dirLoc) (bool, error) {
	for i := 2; ; i++ {
		d, err := m.readDirentAt(loc, i)
		if err != nil {
			if err == errno.EIO {
				return true, nil
			}
			return false, err
		}
		if d.isEnd() {
			return true, nil
		}
		if !d.isFree() {
			return false, nil
		}
	}
}

func (m *mount) Link(dirNum fsdriver.InodeNum, name string, target fsdriver.InodeNum) error {
	return errno.ENOTSUP // FAT has no hard links outside its root/self entries
}

func (m *mount) Symlink(dirNum fsdriver.InodeNum, name, target string) (fsdriver.InodeNum, error) {
	return 0, errno.ENOTSUP
}

func (m *mount) Mkfifo(dirNum fsdriver.InodeNum, name string, mode uint32) (fsdriver.InodeNum, error) {
	return 0, errno.ENOTSUP
}

func (m *mount) ReadSymlink(inode fsdriver.InodeNum) (string, error) { return "", errno.ENOTSUP }

func (m *mount) DirRead(num fsdriver.InodeNum) ([]fsdriver.Dirent, error) {
	loc, err := m.selfLoc(num)
	if err != nil {
		return nil, err
	}
	out, _, err := listDirectory(m, loc)
	return out, err
}

func (m *mount) DirFindEnt(dirNum fsdriver.InodeNum, name string) (fsdriver.Dirent, bool, error) {
	loc, err := m.selfLoc(dirNum)
	if err != nil {
		return fsdriver.Dirent{}, false, err
	}
	d, idx, exists, err := m.findEnt(loc, name)
	if err != nil || !exists {
		return fsdriver.Dirent{}, false, err
	}
	return fsdriver.Dirent{Inode: encodeInode(loc, idx), IsDir: d.isDir(), Name: demangleName(d.rec83)}, true, nil
}

func (m *mount) Stat(num fsdriver.InodeNum) (fsdriver.Stat, error) {
	if num == rootInodeNum {
		return fsdriver.Stat{Inode: num, Type: fsdriver.TypeDirectory, LinkCount: 2}, nil
	}
	_, _, d, _, err := m.locate(num)
	if err != nil {
		return fsdriver.Stat{}, err
	}
	t := fsdriver.TypeRegular
	if d.isDir() {
		t = fsdriver.TypeDirectory
	}
	return fsdriver.Stat{Inode: num, Type: t, Size: int64(d.fileSize), LinkCount: 1, Mode: 0666}, nil
}

// cookie is the driver-private per-open-file state from spec §4.5: the
// directory the entry lives in, its record index, and the eagerly-read
// cluster chain.
type cookie struct {
	loc   dirLoc
	index int
	chain []uint32
}

func (m *mount) RootOpen() (fsdriver.Cookie, error) {
	return &cookie{loc: m.rootLoc(), index: -1}, nil
}

func (m *mount) FileOpen(dirNum fsdriver.InodeNum, name string) (fsdriver.InodeNum, fsdriver.Cookie, error) {
	loc, err := m.selfLoc(dirNum)
	if err != nil {
		return 0, nil, err
	}
	d, idx, exists, err := m.findEnt(loc, name)
	if err != nil {
		return 0, nil, err
	}
	if !exists {
		return 0, nil, errno.ENOENT
	}

	chain, err := m.followChain(d.firstCluster())
	if err != nil {
		return 0, nil, err
	}

	num := encodeInode(loc, idx)
	m.openMu.Lock()
	m.openCount[num]++
	m.openMu.Unlock()
	return num, &cookie{loc: loc, index: idx, chain: chain}, nil
}

// FileClose drops inode's open-reference; if Unlink already tombstoned its
// dirent while this was the last open cookie, this is what finally frees
// the cluster chain.
func (m *mount) FileClose(inode fsdriver.InodeNum, c fsdriver.Cookie) error {
	m.openMu.Lock()
	m.openCount[inode]--
	var chain []uint32
	if m.openCount[inode] <= 0 {
		delete(m.openCount, inode)
		if pending, ok := m.pendingFree[inode]; ok {
			chain = pending
			delete(m.pendingFree, inode)
		}
	}
	m.openMu.Unlock()

	if chain != nil {
		return m.freeChain(chain)
	}
	return nil
}

func (m *mount) FileRead(c fsdriver.Cookie, buf []byte, offset int64) (int, error) {
	ck := c.(*cookie)
	d, err := m.readDirentAt(ck.loc, ck.index)
	if err != nil {
		return 0, err
	}
	if offset >= int64(d.fileSize) {
		return 0, nil
	}
	if remaining := int64(d.fileSize) - offset; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	total := 0
	for total < len(buf) {
		clusterIdx := int((offset + int64(total)) / m.clusterBytes)
		sub := (offset + int64(total)) % m.clusterBytes
		if clusterIdx >= len(ck.chain) {
			break
		}
		want := m.clusterBytes - sub
		if remaining := int64(len(buf) - total); want > remaining {
			want = remaining
		}
		n, err := m.cache.Read(buf[total:int64(total)+want], m.clusterToByteOffset(ck.chain[clusterIdx])+sub)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *mount) FileWrite(c fsdriver.Cookie, buf []byte, offset int64) (int, error) {
	if m.readOnly {
		return 0, errno.EACCES
	}
	ck := c.(*cookie)
	end := offset + int64(len(buf))
	if err := m.ensureSize(ck, end); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		clusterIdx := int((offset + int64(total)) / m.clusterBytes)
		sub := (offset + int64(total)) % m.clusterBytes
		want := m.clusterBytes - sub
		if remaining := int64(len(buf) - total); want > remaining {
			want = remaining
		}
		n, err := m.cache.Write(buf[total:int64(total)+want], m.clusterToByteOffset(ck.chain[clusterIdx])+sub)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ensureSize grows (never shrinks) ck's chain and the dirent's size field
// to cover byte offset newEnd, per the write-path half of spec §4.5's
// resize semantics.
func (m *mount) ensureSize(ck *cookie, newEnd int64) error {
	d, err := m.readDirentAt(ck.loc, ck.index)
	if err != nil {
		return err
	}
	if newEnd <= int64(d.fileSize) {
		return nil
	}
	return m.resize(ck, newEnd, &d)
}

func (m *mount) FileResize(c fsdriver.Cookie, newSize int64) error {
	if m.readOnly {
		return errno.EACCES
	}
	ck := c.(*cookie)
	d, err := m.readDirentAt(ck.loc, ck.index)
	if err != nil {
		return err
	}
	return m.resize(ck, newSize, &d)
}

// resize implements spec §4.5's grow/shrink: grow allocates and links
// clusters then zero-fills the newly visible range; shrink truncates the
// chain and frees the excess, then updates size and the first-cluster
// field if the chain transitioned empty<->non-empty.
func (m *mount) resize(ck *cookie, newSize int64, d *dirent) error {
	neededClusters := 0
	if newSize > 0 {
		neededClusters = int((newSize-1)/m.clusterBytes) + 1
	}

	switch {
	case neededClusters > len(ck.chain):
		wasEmpty := len(ck.chain) == 0
		for len(ck.chain) < neededClusters {
			next, err := m.allocateCluster()
			if err != nil {
				return err
			}
			if len(ck.chain) > 0 {
				if err := m.setFATEntry(ck.chain[len(ck.chain)-1], next); err != nil {
					return err
				}
			}
			zero := make([]byte, m.clusterBytes)
			if _, err := m.cache.Write(zero, m.clusterToByteOffset(next)); err != nil {
				return err
			}
			ck.chain = append(ck.chain, next)
		}
		if wasEmpty {
			first := ck.chain[0]
			d.firstClusterHi, d.firstClusterLo = uint16(first>>16), uint16(first)
		}

	case neededClusters < len(ck.chain):
		freed := ck.chain[neededClusters:]
		ck.chain = ck.chain[:neededClusters]
		if len(ck.chain) > 0 {
			if err := m.setFATEntry(ck.chain[len(ck.chain)-1], 0x0FFFFFFF); err != nil {
				return err
			}
		}
		if err := m.freeChain(freed); err != nil {
			return err
		}
		if len(ck.chain) == 0 {
			d.firstClusterHi, d.firstClusterLo = 0, 0
		}
	}

	d.fileSize = uint32(newSize)
	return m.writeDirentAt(ck.loc, ck.index, *d)
}

func (m *mount) Flush() error {
	return m.cache.Sync(blockcache.Range{Offset: 0, Length: m.bpb.totalSectorBytes(m.bpb)}, false)
}
