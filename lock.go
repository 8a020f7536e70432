package models

import (
	"context"
	"fmt"
	"os"
	"time"
)

// LockFileName is the name of the advisory lock file under the storage root.
const LockFileName = "model_index.lock"

// Locker provides cross-process mutual exclusion for index mutations.
type Locker interface {
	// Lock acquires the exclusive lock.
	// Blocks until the lock is acquired, timeout expires (ErrIndexLocked)
	// or ctx is done (ctx.Err()). A zero timeout means a single attempt.
	Lock(ctx context.Context, timeout time.Duration) error

	// Unlock releases the lock.
	// Safe to call multiple times.
	Unlock() error
}

// fileLock implements Locker with an OS-level lock on a zero-byte file.
// The platform primitive lives in lock_unix.go / lock_windows.go.
type fileLock struct {
	// path is the lock file location.
	path string

	// file is the lock file handle while the lock is held.
	file *os.File
}

// Ensure fileLock implements Locker.
var _ Locker = (*fileLock)(nil)

// newFileLock returns an unlocked lock for path. The file is created on
// the first Lock call.
func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// Lock acquires the lock, polling with backoff between non-blocking attempts.
func (l *fileLock) Lock(ctx context.Context, timeout time.Duration) error {
	if l.file != nil {
		return nil // Already locked
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", ErrStorageUnavailable, err)
	}

	deadline := time.Now().Add(timeout)
	sleepDuration := 10 * time.Millisecond

	for {
		acquired, err := tryLockFile(file)
		if err != nil {
			file.Close()
			return fmt.Errorf("%w: lock %s: %v", ErrStorageUnavailable, l.path, err)
		}
		if acquired {
			l.file = file
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			file.Close()
			return wrapf(ErrIndexLocked, "timeout after %v", timeout)
		}
		if sleepDuration > remaining {
			sleepDuration = remaining
		}

		select {
		case <-ctx.Done():
			file.Close()
			return ctx.Err()
		case <-time.After(sleepDuration):
		}
		if sleepDuration < 100*time.Millisecond {
			sleepDuration *= 2
		}
	}
}

// Unlock releases the lock and closes the file handle.
func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
