//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockDir takes a non-blocking exclusive flock on the directory's LOCK file.
func lockDir(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockDir(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
