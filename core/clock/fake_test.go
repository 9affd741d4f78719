package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)
	ch := c.After(2 * time.Second)

	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatalf("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time: %s", fired)
		}
	default:
		t.Fatalf("expected waiter to fire at deadline")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.PendingCount())
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatalf("expected immediate fire")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(100, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(5 * time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter goroutine did not wake")
	}
	requested := c.Requested()
	if len(requested) != 1 || requested[0] != 5*time.Second {
		t.Fatalf("unexpected requested durations: %v", requested)
	}
}

func TestFakeSet(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	target := time.Unix(3600, 0)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Fatalf("unexpected now: %s", c.Now())
	}
}

func TestOrReal(t *testing.T) {
	if OrReal(nil) == nil {
		t.Fatalf("expected real clock")
	}
	fake := Fake(time.Unix(1, 0))
	if OrReal(fake) != Clock(fake) {
		t.Fatalf("expected provided clock to pass through")
	}
}
