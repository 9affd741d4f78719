// Package clock lets the token manager and the verification poll loop run
// against injected time. Production code uses Real; tests use Fake.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
