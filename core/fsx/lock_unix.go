//go:build unix

package fsx

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// flock locks are per open file description, so two goroutines of one
// process opening the lock file separately would still exclude each other;
// the in-process mutex keeps waiting goroutines off the retry loop.
var processLocks sync.Map

func withFileLock(lockPath string, fn func() error) error {
	value, _ := processLocks.LoadOrStore(lockPath, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// #nosec G304 -- lock path is derived from a validated caller path.
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() {
		_ = lockFile.Close()
	}()

	start := time.Now()
	for {
		err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			return fmt.Errorf("acquire file lock: %w", err)
		}
		if time.Since(start) >= lockTimeout {
			return ErrLockTimeout
		}
		time.Sleep(lockRetry)
	}
	defer func() {
		_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	}()
	return fn()
}
