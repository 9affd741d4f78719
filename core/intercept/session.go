package intercept

import (
	"context"
	"strings"
	"sync"
)

type sessionKey struct{}

// Session binds calls made under one context to a verification target.
// Empty fields inherit from the enclosing session.
type Session struct {
	Target           string
	DefaultRiskLevel string
}

// SessionState is the mutable record of one session scope. It is safe for
// calls fanned out across goroutines that share the session context.
type SessionState struct {
	target           string
	defaultRiskLevel string
	parent           *SessionState

	mu              sync.Mutex
	ended           bool
	callCount       int
	successCount    int
	failureCount    int
	verificationIDs []string
}

// SessionSnapshot is a point-in-time copy of a session's counters.
type SessionSnapshot struct {
	Target           string   `json:"target,omitempty"`
	DefaultRiskLevel string   `json:"default_risk_level,omitempty"`
	CallCount        int      `json:"call_count"`
	SuccessCount     int      `json:"success_count"`
	FailureCount     int      `json:"failure_count"`
	VerificationIDs  []string `json:"verification_ids"`
	Ended            bool     `json:"ended"`
}

// BeginSession opens a scope nested in whatever session ctx carries. Only
// work running under the returned context observes it.
func BeginSession(ctx context.Context, session Session) (context.Context, *SessionState) {
	parent := SessionFrom(ctx)
	state := &SessionState{
		target:           strings.TrimSpace(session.Target),
		defaultRiskLevel: strings.TrimSpace(session.DefaultRiskLevel),
		parent:           parent,
	}
	if parent != nil {
		if state.target == "" {
			state.target = parent.target
		}
		if state.defaultRiskLevel == "" {
			state.defaultRiskLevel = parent.defaultRiskLevel
		}
	}
	return context.WithValue(ctx, sessionKey{}, state), state
}

// SessionFrom returns the innermost open session carried by ctx, or nil.
// Ended sessions are skipped so their enclosing scope applies again.
func SessionFrom(ctx context.Context) *SessionState {
	if ctx == nil {
		return nil
	}
	state, _ := ctx.Value(sessionKey{}).(*SessionState)
	for state != nil && state.isEnded() {
		state = state.parent
	}
	return state
}

// End closes the scope. Calls made afterwards with the session context
// resolve to the enclosing session.
func (s *SessionState) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *SessionState) Target() string {
	if s == nil {
		return ""
	}
	return s.target
}

func (s *SessionState) DefaultRiskLevel() string {
	if s == nil {
		return ""
	}
	return s.defaultRiskLevel
}

func (s *SessionState) Parent() *SessionState {
	if s == nil {
		return nil
	}
	return s.parent
}

func (s *SessionState) Snapshot() SessionSnapshot {
	if s == nil {
		return SessionSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		Target:           s.target,
		DefaultRiskLevel: s.defaultRiskLevel,
		CallCount:        s.callCount,
		SuccessCount:     s.successCount,
		FailureCount:     s.failureCount,
		VerificationIDs:  append([]string{}, s.verificationIDs...),
		Ended:            s.ended,
	}
}

func (s *SessionState) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// recordCall counts a call and returns its 1-based index in the session.
func (s *SessionState) recordCall() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	return s.callCount
}

func (s *SessionState) recordSuccess() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.successCount++
	s.mu.Unlock()
}

func (s *SessionState) recordFailure() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.failureCount++
	s.mu.Unlock()
}

func (s *SessionState) recordVerification(id string) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	s.verificationIDs = append(s.verificationIDs, id)
	s.mu.Unlock()
}
