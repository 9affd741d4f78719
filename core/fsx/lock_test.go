package fsx

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWithFileLockSerialisesWriters(t *testing.T) {
	target := filepath.Join(t.TempDir(), "credentials.json")
	var inside atomic.Int32
	var overlaps atomic.Int32
	counter := 0

	var group sync.WaitGroup
	for index := 0; index < 50; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			err := WithFileLock(target, func() error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				counter++
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("with file lock: %v", err)
			}
		}()
	}
	group.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("expected no overlapping critical sections, got %d", overlaps.Load())
	}
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
}

func TestWithFileLockPropagatesError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")
	want := os.ErrInvalid
	if err := WithFileLock(target, func() error { return want }); err != want {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := WithFileLock(target, func() error { return nil }); err != nil {
		t.Fatalf("expected lock to be reusable: %v", err)
	}
}

func TestWithFileLockRejectsTraversal(t *testing.T) {
	if err := WithFileLock(filepath.Join("..", "escape.json"), func() error { return nil }); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}
