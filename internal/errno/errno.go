// Package errno defines the POSIX-like error space that the VFS core and its
// drivers surface to callers (spec §7). Every sentinel wraps the numeric
// value a real syscall boundary would return, via golang.org/x/sys/unix, so
// that a caller needing the raw errno (the syscall marshaling layer, out of
// scope here) can recover it with Code while Go code keeps using errors.Is.
package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX-like error carrying its numeric code.
type Errno struct {
	name string
	code unix.Errno
}

func (e *Errno) Error() string { return e.name }

// Is lets errors.Is(err, ENOENT) work even through fmt.Errorf("%w", ...)
// wrapping, since every Errno value is a process-wide singleton pointer.
func (e *Errno) Is(target error) bool {
	other, ok := target.(*Errno)
	return ok && other == e
}

func define(name string, code unix.Errno) *Errno {
	return &Errno{name: name, code: code}
}

var (
	EINVAL       = define("EINVAL", unix.EINVAL)
	ENAMETOOLONG = define("ENAMETOOLONG", unix.ENAMETOOLONG)
	ENOENT       = define("ENOENT", unix.ENOENT)
	EEXIST       = define("EEXIST", unix.EEXIST)
	ENOTDIR      = define("ENOTDIR", unix.ENOTDIR)
	EISDIR       = define("EISDIR", unix.EISDIR)
	ENOTEMPTY    = define("ENOTEMPTY", unix.ENOTEMPTY)
	EBADF        = define("EBADF", unix.EBADF)
	ELOOP        = define("ELOOP", unix.ELOOP)
	ENOMEM       = define("ENOMEM", unix.ENOMEM)
	ENOSPC       = define("ENOSPC", unix.ENOSPC)
	EMFILE       = define("EMFILE", unix.EMFILE)
	ENFILE       = define("ENFILE", unix.ENFILE)
	ENOTSUP      = define("ENOTSUP", unix.ENOTSUP)
	EACCES       = define("EACCES", unix.EACCES)
	EPERM        = define("EPERM", unix.EPERM)
	EIO          = define("EIO", unix.EIO)
	EAGAIN       = define("EAGAIN", unix.EAGAIN)
	EPIPE        = define("EPIPE", unix.EPIPE)
	ESPIPE       = define("ESPIPE", unix.ESPIPE)
)

// Code returns the numeric errno value carried by err, or 0 if err does not
// wrap one of the sentinels above.
func Code(err error) int {
	var e *Errno
	if errors.As(err, &e) {
		return int(e.code)
	}
	return 0
}

// Wrap annotates err with context while preserving errors.Is matching
// against the Errno sentinels it wraps.
func Wrap(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
