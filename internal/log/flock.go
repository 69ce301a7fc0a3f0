//go:build unix

package log

import (
	"golang.org/x/sys/unix"
)

// Two disjoint byte ranges in the index file serve as advisory lock
// regions, per the locking discipline in the design doc: one for append,
// one for whole-file operations (clear/deprecate/overwrite/decode). They
// never overlap, so a compaction holding the complete lock never blocks a
// concurrent Extend holding only the append lock, and vice versa.
//
// The complete lock covers the first 4 bytes of the index (the dummy
// entry's length field, always zero) and is simply a well-known byte
// range reserved for this purpose — advisory locks don't interfere with
// ordinary reads/writes of the bytes they cover.
//
// The append lock covers [size-4, ∞) at lock time — the last 4 bytes of
// the final entry (its counter field) through to the end of the file.
// fcntl permits l_len == 0 to mean "lock to the largest possible offset,"
// so a lock taken over that tail before an Extend also covers every byte
// the Extend itself appends, keeping the lock "following" a growing file
// without needing to requery its size mid-hold. Because it starts 4
// bytes (not a full entWidth) before the prior end-of-file, it never
// reaches back into the complete lock's [0,4) range once the index holds
// more than the dummy entry's 12 bytes.
const (
	completeLockOffset = 0
	completeLockLen    = 4
)

type fileLock struct {
	start int64
	len   int64
}

type lockableFile interface {
	Fd() uintptr
}

func lockRegion(f lockableFile, start, length int64, lockType int16) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: 0, // SEEK_SET
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}

func unlockRegion(f lockableFile, start, length int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}

// lockAppend acquires the append-region advisory lock covering the
// current tail of the index file through to end-of-file.
func lockAppend(f lockableFile, currentSize int64) (*fileLock, error) {
	start := currentSize - int64(counterWidth)
	if start < completeLockLen {
		start = completeLockLen
	}
	if err := lockRegion(f, start, 0, unix.F_WRLCK); err != nil {
		return nil, err
	}
	return &fileLock{start: start, len: 0}, nil
}

func lockComplete(f lockableFile) (*fileLock, error) {
	if err := lockRegion(f, completeLockOffset, completeLockLen, unix.F_WRLCK); err != nil {
		return nil, err
	}
	return &fileLock{start: completeLockOffset, len: completeLockLen}, nil
}

func (l *fileLock) release(f lockableFile) error {
	return unlockRegion(f, l.start, l.len)
}
