// Package dirlock implements the data directory's advisory exclusive
// lock: a single empty file, flock'd for the lifetime of the process.
package dirlock

import (
	"os"

	"golang.org/x/sys/unix"

	"chanbroker/internal/brokererr"
)

// Lock wraps the open file descriptor holding the advisory lock on
// ~lock. It is released only on process exit or an explicit Release.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) path and takes a non-blocking
// exclusive flock on it. Fails EEXCL if another process already holds
// the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.EIO, err, "open lock file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, brokererr.New(brokererr.EEXCL, "data directory already locked: %s", path)
		}
		return nil, brokererr.Wrap(brokererr.EIO, err, "flock data directory")
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. Safe to call during
// graceful shutdown; a process exit releases the lock either way.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
