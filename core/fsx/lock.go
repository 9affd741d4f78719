package fsx

import (
	"errors"
	"time"
)

const (
	lockTimeout = 30 * time.Second
	lockRetry   = 10 * time.Millisecond
)

// ErrLockTimeout is returned when another process holds the lock for
// longer than the lock timeout.
var ErrLockTimeout = errors.New("file lock timeout")

// WithFileLock runs fn while holding an exclusive cross-process lock on
// path+".lock". Goroutines in the same process are serialised too.
func WithFileLock(path string, fn func() error) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	return withFileLock(cleanPath+".lock", fn)
}
