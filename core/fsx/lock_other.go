//go:build !unix

package fsx

import (
	"fmt"
	"os"
	"time"
)

const lockStaleAfter = 2 * time.Minute

func withFileLock(lockPath string, fn func() error) error {
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated caller path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !isLockContention(err, lockPath) {
			return fmt.Errorf("acquire file lock: %w", err)
		}
		if shouldRecoverStaleLock(lockPath, time.Now().UTC()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= lockTimeout {
			return ErrLockTimeout
		}
		time.Sleep(lockRetry)
	}
}

func isLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func shouldRecoverStaleLock(lockPath string, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > lockStaleAfter
}
