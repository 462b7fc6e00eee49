//go:build !windows

package audit

import (
	"errors"

	"golang.org/x/sys/unix"
)

// tryLock takes a non-blocking exclusive flock.
func tryLock(fd uintptr) error {
	err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errDirLocked
	}
	return err
}

func unlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
