// Package intercept retrofits verify-then-execute-then-report onto existing
// callables: inline wrappers, context-scoped sessions, and a transparent
// tool-client proxy.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/verify"
)

const (
	DefaultRiskLevel   = "medium"
	DefaultMaxArgChars = 200
)

// Verifier is the part of *verify.Client the interception layer needs.
type Verifier interface {
	VerifyAction(ctx context.Context, action verify.ActionRequest) (verify.Result, error)
	LogActionResult(ctx context.Context, verificationID string, report verify.ResultReport)
}

// Gateway holds the shared interception settings. A nil Verifier fails
// closed with ErrConfiguration unless Graceful is set.
type Gateway struct {
	Verifier         Verifier
	Graceful         bool
	DefaultRiskLevel string
	// LogDenials reports a failed result for denied verifications.
	LogDenials  bool
	MaxArgChars int
	Logger      *slog.Logger
}

// Action describes what a wrapped callable does. Name defaults to Type and
// Target defaults to the ambient session target.
type Action struct {
	Type      string
	Resource  string
	RiskLevel string
	Name      string
	Target    string
	// RequireTarget refuses the action when neither Target nor a session
	// target resolves. A graceful gateway runs it unverified instead.
	RequireTarget bool
	Context       map[string]any
	Timeout       time.Duration
}

// Wrap returns fn guarded by a verification of action.
func Wrap[T any](gw *Gateway, action Action, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		value, _, err := run(ctx, gw, action, nil, fn)
		return value, err
	}
}

// WrapFunc is Wrap for callables taking one argument. The argument is
// attached to the verification context after sanitising.
func WrapFunc[A, T any](gw *Gateway, action Action, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		value, _, err := run(ctx, gw, action, arg, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		})
		return value, err
	}
}

type verdict int

const (
	verdictVerified verdict = iota
	verdictSkipped
	verdictDenied
	verdictFailed
)

type call struct {
	gateway        *Gateway
	session        *SessionState
	name           string
	verificationID string
}

// run verifies, executes fn when allowed, and reports the outcome. Errors
// and panics from fn reach the caller unchanged.
func run[T any](ctx context.Context, gw *Gateway, action Action, args any, fn func(context.Context) (T, error)) (T, verdict, error) {
	var zero T
	current, outcome, err := gw.begin(ctx, action, args)
	if err != nil {
		return zero, outcome, err
	}
	completed := false
	defer func() {
		if completed {
			return
		}
		if recovered := recover(); recovered != nil {
			current.finish(ctx, fmt.Errorf("panic: %v", recovered))
			panic(recovered)
		}
	}()
	value, runErr := fn(ctx)
	completed = true
	current.finish(ctx, runErr)
	return value, outcome, runErr
}

func (gw *Gateway) begin(ctx context.Context, action Action, args any) (*call, verdict, error) {
	actionType := strings.TrimSpace(action.Type)
	if actionType == "" {
		return nil, verdictFailed, coreerrors.InvalidInput("action_type_missing", "intercepted action requires a type")
	}
	name := strings.TrimSpace(action.Name)
	if name == "" {
		name = actionType
	}
	session := SessionFrom(ctx)
	current := &call{gateway: gw, session: session, name: name}

	if gw == nil || gw.Verifier == nil {
		if gw != nil && gw.Graceful {
			gw.logger().Warn("verification skipped: no verifier configured", "action_type", actionType, "function", name)
			session.recordCall()
			return current, verdictSkipped, nil
		}
		return nil, verdictFailed, coreerrors.Configuration("verifier_missing", "no verifier configured for %s; enable graceful mode to run unverified", actionType)
	}
	if action.RequireTarget && resolveTarget(action, session) == "" {
		if gw.Graceful {
			gw.logger().Warn("verification skipped: no target resolved", "action_type", actionType, "function", name)
			session.recordCall()
			return current, verdictSkipped, nil
		}
		return nil, verdictFailed, coreerrors.Configuration("target_missing", "no verification target for %s; set one explicitly or open a session", actionType)
	}

	index := session.recordCall()
	request := verify.ActionRequest{
		ActionType: actionType,
		Resource:   strings.TrimSpace(action.Resource),
		Context:    gw.actionContext(action, name, args, session, index),
		Timeout:    action.Timeout,
	}
	result, err := gw.Verifier.VerifyAction(ctx, request)
	if err != nil {
		session.recordFailure()
		if errors.Is(err, coreerrors.ErrActionDenied) {
			gw.logDenial(ctx, actionType, err)
			return nil, verdictDenied, err
		}
		return nil, verdictFailed, err
	}
	current.verificationID = result.VerificationID
	session.recordVerification(result.VerificationID)
	gw.logger().Debug("action verified", "action_type", actionType, "verification_id", result.VerificationID, "approved_by", result.ApprovedBy)
	return current, verdictVerified, nil
}

func (gw *Gateway) actionContext(action Action, name string, args any, session *SessionState, index int) map[string]any {
	out := make(map[string]any, len(action.Context)+5)
	for key, value := range action.Context {
		out[key] = value
	}
	out["function"] = name
	out["risk_level"] = gw.riskLevel(action, session)
	if args != nil {
		out["args"] = sanitizeArgs(args, gw.maxArgChars())
	}
	if target := resolveTarget(action, session); target != "" {
		out["target"] = target
	}
	if session != nil {
		out["session_call_index"] = index
	}
	return out
}

func (gw *Gateway) riskLevel(action Action, session *SessionState) string {
	if level := strings.TrimSpace(action.RiskLevel); level != "" {
		return level
	}
	if session != nil && session.defaultRiskLevel != "" {
		return session.defaultRiskLevel
	}
	if level := strings.TrimSpace(gw.DefaultRiskLevel); level != "" {
		return level
	}
	return DefaultRiskLevel
}

func resolveTarget(action Action, session *SessionState) string {
	if target := strings.TrimSpace(action.Target); target != "" {
		return target
	}
	if session != nil {
		return session.target
	}
	return ""
}

func (gw *Gateway) logDenial(ctx context.Context, actionType string, err error) {
	reason, _ := coreerrors.DenialReason(err)
	gw.logger().Info("action denied", "action_type", actionType, "reason", reason)
	if !gw.LogDenials {
		return
	}
	var denied *coreerrors.DeniedError
	if !errors.As(err, &denied) || strings.TrimSpace(denied.VerificationID) == "" {
		return
	}
	gw.Verifier.LogActionResult(ctx, denied.VerificationID, verify.ResultReport{
		Success: false,
		Error:   err.Error(),
	})
}

func (c *call) finish(ctx context.Context, runErr error) {
	if runErr != nil {
		c.session.recordFailure()
	} else {
		c.session.recordSuccess()
	}
	if c.verificationID == "" {
		return
	}
	report := verify.ResultReport{Success: runErr == nil}
	if runErr != nil {
		report.Error = runErr.Error()
	} else {
		report.Summary = c.name + " completed successfully"
	}
	c.gateway.Verifier.LogActionResult(ctx, c.verificationID, report)
}

func (gw *Gateway) maxArgChars() int {
	if gw.MaxArgChars > 0 {
		return gw.MaxArgChars
	}
	return DefaultMaxArgChars
}

func (gw *Gateway) logger() *slog.Logger {
	if gw != nil && gw.Logger != nil {
		return gw.Logger
	}
	return slog.Default()
}
