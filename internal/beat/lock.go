package beat

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// LeaderLock gates schedule firing so that at most one beat instance
// enqueues per host, no matter how many worker processes run.
type LeaderLock interface {
	// TryAcquire returns true when this instance holds the lock.
	// false without error means another instance is the leader.
	TryAcquire() (bool, error)
	Release() error
}

// FileLock is a flock-based LeaderLock. The lock file carries the
// holder's PID for operator inspection.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryAcquire() (bool, error) {
	if fl.file != nil {
		return true, nil
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}

	if err := f.Truncate(0); err == nil {
		if _, err := f.Seek(0, 0); err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Sync()
		}
	}

	fl.file = f
	return true, nil
}

func (fl *FileLock) Release() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// AlwaysLeader is the lock used by single-process deployments where
// leader election is pointless.
type AlwaysLeader struct{}

func (AlwaysLeader) TryAcquire() (bool, error) { return true, nil }
func (AlwaysLeader) Release() error            { return nil }
