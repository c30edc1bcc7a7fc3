package vfs

import "github.com/badger-os/vfscore/internal/errno"

// OpenFlag is the open(2)-style bit set accepted by State.Open. Unrecognized
// bits are rejected with EINVAL by ValidateFlags rather than silently
// ignored.
type OpenFlag uint32

const (
	FlagRead OpenFlag = 1 << iota
	FlagWrite
	FlagAppend
	FlagTruncate
	FlagCreate
	FlagExclusive
	FlagCloexec
	FlagDirectory
	FlagNonblock
)

// Named aliases for the common read/write/read-write combinations.
const (
	ReadOnly  = FlagRead
	WriteOnly = FlagWrite
	ReadWrite = FlagRead | FlagWrite
)

const allFlags = FlagRead | FlagWrite | FlagAppend | FlagTruncate | FlagCreate |
	FlagExclusive | FlagCloexec | FlagDirectory | FlagNonblock

// directoryCompanions are the only flags DIRECTORY may combine with.
const directoryCompanions = FlagDirectory | FlagCreate | FlagExclusive | FlagRead | FlagCloexec

// ValidateFlags normalizes a flag combination per spec §6/§4.6.4.
func ValidateFlags(flags OpenFlag) error {
	if flags&^allFlags != 0 {
		return errno.EINVAL
	}
	if flags&(FlagRead|FlagWrite) == 0 {
		return errno.EINVAL
	}
	if flags&FlagExclusive != 0 && flags&FlagCreate == 0 {
		return errno.EINVAL
	}
	if flags&FlagDirectory != 0 && flags&^directoryCompanions != 0 {
		return errno.EINVAL
	}
	return nil
}
