package logger

import (
	"fmt"
	"io"
	"os"
)

// asyncLogger decouples log writes from disk I/O latency: Write enqueues
// onto a bounded channel and returns immediately, a single goroutine drains
// it into the wrapped writer (normally a *lumberjack.Logger). When the
// channel is full, the write is dropped rather than blocking the caller,
// with a one-line warning to stderr (grounded on gcsfuse's
// async_logger_test.go naming, "asynclogger: log buffer is full, dropping
// message.").
type asyncLogger struct {
	w       io.Writer
	entries chan []byte
	done    chan struct{}
}

// NewAsyncLogger wraps w with a bounded queue of bufferSize pending writes.
func NewAsyncLogger(w io.Writer, bufferSize int) io.WriteCloser {
	a := &asyncLogger{
		w:       w,
		entries: make(chan []byte, bufferSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *asyncLogger) run() {
	defer close(a.done)
	for b := range a.entries {
		a.w.Write(b)
	}
}

// Write copies p (slog/lumberjack reuse their buffers) and enqueues it.
func (a *asyncLogger) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)

	select {
	case a.entries <- b:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains queued entries to the underlying writer before returning,
// then closes it if it supports io.Closer.
func (a *asyncLogger) Close() error {
	close(a.entries)
	<-a.done
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
