package vfs

import (
	"bytes"
	"sync"

	"github.com/badger-os/vfscore/internal/errno"
)

// fifoState implements the state machine from spec §4.6.5: unopened ->
// open{R?,W?} -> closed_by_reader | closed_by_writer -> drained. It backs
// both named FIFOs (opened by path, one fobj shared by every opener) and
// anonymous pipes (one fobj per pipe, shared by exactly its two ends).
type fifoState struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer

	readers int
	writers int
}

func newFifoState() *fifoState {
	f := &fifoState{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// openDirection registers a new opener in direction read/write, spec
// §4.6.5's "open with a direction bumps its counter". Non-blocking opens
// with the opposite side absent fail with EAGAIN; blocking opens wait for
// at least one party of the opposite side.
func (f *fifoState) openDirection(read bool, nonblock bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if read {
		f.readers++
	} else {
		f.writers++
	}
	f.cond.Broadcast()

	opposite := func() int {
		if read {
			return f.writers
		}
		return f.readers
	}
	for opposite() == 0 {
		if nonblock {
			if read {
				f.readers--
			} else {
				f.writers--
			}
			return errno.EAGAIN
		}
		f.cond.Wait()
	}
	return nil
}

// closeDirection decrements a direction's counter and wakes waiters so
// they can observe pipe-closed/EOF transitions.
func (f *fifoState) closeDirection(read bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if read {
		f.readers--
	} else {
		f.writers--
	}
	f.cond.Broadcast()
}

func (f *fifoState) read(buf []byte, nonblock bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.buf.Len() == 0 {
		if f.writers == 0 {
			return 0, nil // drained: EOF, spec P5
		}
		if nonblock {
			return 0, errno.EAGAIN
		}
		f.cond.Wait()
	}
	n, _ := f.buf.Read(buf)
	f.cond.Broadcast()
	return n, nil
}

func (f *fifoState) write(p []byte, nonblock bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readers == 0 {
		return 0, errno.EPIPE
	}
	if nonblock {
		n, _ := f.buf.Write(p)
		f.cond.Broadcast()
		return n, nil
	}

	total := 0
	for total < len(p) {
		if f.readers == 0 {
			return total, errno.EPIPE
		}
		n, _ := f.buf.Write(p[total:])
		total += n
		f.cond.Broadcast()
		if total < len(p) {
			f.cond.Wait()
		}
	}
	return total, nil
}
