// Package verify builds signed verification requests, submits them, and
// waits for the backend's decision.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/jcs"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/schema/validate"
	"github.com/davidahmann/agentgate/core/sign"
	"github.com/davidahmann/agentgate/core/transport"
)

const (
	DefaultTimeout      = 300 * time.Second
	InitialPollInterval = 2 * time.Second
	PollMultiplier      = 1.5
	MaxPollInterval     = 10 * time.Second

	verificationsPath = "/verifications"
)

// Identity is the agent on whose behalf requests are signed.
type Identity struct {
	AgentID string
	Signer  *sign.Signer
}

// ActionRequest describes one action the agent intends to perform. An empty
// Resource is sent as null. A zero Timeout means the client's timeout.
type ActionRequest struct {
	ActionType string
	Resource   string
	Context    map[string]any
	Timeout    time.Duration
}

// Result is an approval. Denials and undecided waits are errors.
type Result struct {
	VerificationID string
	ApprovedBy     string
	ExpiresAt      time.Time
	Polls          int
	Waited         time.Duration
}

// Doer sends backend requests. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, path string, body any, out any, opts transport.Options) error
}

type Options struct {
	Transport Doer
	// RetrySubmissions marks the signed submission idempotent so the
	// transport may retry it. Polls are always retried.
	RetrySubmissions bool
	// JournalPath, when set, receives one JSONL decision record per
	// terminal outcome.
	JournalPath string
	// Timeout replaces DefaultTimeout for actions that set none.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

type Client struct {
	identity         Identity
	transport        Doer
	retrySubmissions bool
	journalPath      string
	timeout          time.Duration
	clock            clock.Clock
	logger           *slog.Logger
}

func New(identity Identity, opts Options) (*Client, error) {
	identity.AgentID = strings.TrimSpace(identity.AgentID)
	if identity.AgentID == "" {
		return nil, coreerrors.Configuration("agent_id_missing", "agent id is required")
	}
	if identity.Signer == nil {
		return nil, coreerrors.Configuration("signer_missing", "agent signer is required")
	}
	if opts.Transport == nil {
		return nil, coreerrors.Configuration("transport_missing", "verification client requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		identity:         identity,
		transport:        opts.Transport,
		retrySubmissions: opts.RetrySubmissions,
		journalPath:      strings.TrimSpace(opts.JournalPath),
		timeout:          timeout,
		clock:            clock.OrReal(opts.Clock),
		logger:           logger.With("agent_id", identity.AgentID),
	}, nil
}

func (c *Client) AgentID() string {
	return c.identity.AgentID
}

// BuildRequest signs the canonical form of the request fields and appends
// the signature and public key.
func (c *Client) BuildRequest(action ActionRequest) (verification.SignedRequest, error) {
	actionType := strings.TrimSpace(action.ActionType)
	if actionType == "" {
		return verification.SignedRequest{}, coreerrors.InvalidInput("action_type_missing", "action type is required")
	}
	request := verification.Request{
		AgentID:    c.identity.AgentID,
		ActionType: actionType,
		Context:    action.Context,
		Timestamp:  verification.Timestamp(c.clock.Now()),
	}
	if request.Context == nil {
		request.Context = map[string]any{}
	}
	if resource := strings.TrimSpace(action.Resource); resource != "" {
		request.Resource = &resource
	}
	canonical, err := jcs.CanonicalizeValue(request)
	if err != nil {
		return verification.SignedRequest{}, coreerrors.InvalidInput("context_not_serializable", "verification request: %v", err)
	}
	return verification.SignedRequest{
		Request:   request,
		Signature: encodeSignature(c.identity.Signer.Sign(canonical)),
		PublicKey: c.identity.Signer.PublicKeyBase64(),
	}, nil
}

// VerifyAction blocks until the backend approves, denies, or the timeout
// elapses. Only an approval returns a nil error. Cancelling ctx yields
// ErrVerificationAbandoned, never a denial.
func (c *Client) VerifyAction(ctx context.Context, action ActionRequest) (Result, error) {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := c.clock.Now()
	request, err := c.BuildRequest(action)
	if err != nil {
		return Result{}, err
	}

	var raw json.RawMessage
	err = c.transport.Do(ctx, http.MethodPost, verificationsPath, request, &raw, transport.Options{Idempotent: c.retrySubmissions})
	if err != nil {
		c.journal(request.Request, "", start, err, Result{})
		return Result{}, err
	}
	response, err := decodeResponse(raw)
	if err != nil {
		c.journal(request.Request, "", start, err, Result{})
		return Result{}, err
	}
	c.logger.Debug("verification submitted", "verification_id", response.ID, "action_type", request.ActionType, "status", response.Status)

	result, err := c.resolve(ctx, response, start, start.Add(timeout), timeout)
	c.journal(request.Request, response.ID, start, err, result)
	return result, err
}

func (c *Client) resolve(ctx context.Context, response verification.Response, start, deadline time.Time, timeout time.Duration) (Result, error) {
	switch response.Status {
	case verification.StatusApproved:
		return c.approved(response, start, 0), nil
	case verification.StatusDenied:
		return Result{}, coreerrors.Denied(response.ID, denialReason(response))
	default:
		return c.poll(ctx, response.ID, start, deadline, timeout)
	}
}

// poll sleeps 2s, 3s, 4.5s ... capped at 10s between status queries. The
// last sleep is clipped to the deadline. A failed query does not grow the
// interval.
func (c *Client) poll(ctx context.Context, verificationID string, start, deadline time.Time, timeout time.Duration) (Result, error) {
	interval := InitialPollInterval
	polls := 0
	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return Result{}, coreerrors.Timeout(fmt.Errorf("verification %s undecided after %s", verificationID, timeout))
		}
		wait := min(interval, remaining)
		select {
		case <-ctx.Done():
			return Result{}, coreerrors.Abandoned(fmt.Errorf("verification %s: %w", verificationID, ctx.Err()))
		case <-c.clock.After(wait):
		}

		polls++
		response, err := c.Status(ctx, verificationID)
		if err != nil {
			if isFatalPollError(err) {
				return Result{}, err
			}
			c.logger.Debug("verification poll failed; will retry", "verification_id", verificationID, "poll", polls, "error", err.Error())
			continue
		}
		switch response.Status {
		case verification.StatusApproved:
			if response.ID == "" {
				response.ID = verificationID
			}
			return c.approved(response, start, polls), nil
		case verification.StatusDenied:
			return Result{}, coreerrors.Denied(verificationID, denialReason(response))
		}
		interval = nextPollInterval(interval)
	}
}

// Status queries the current state of one verification.
func (c *Client) Status(ctx context.Context, verificationID string) (verification.Response, error) {
	verificationID = strings.TrimSpace(verificationID)
	if verificationID == "" {
		return verification.Response{}, coreerrors.InvalidInput("verification_id_missing", "verification id is required")
	}
	var raw json.RawMessage
	path := verificationsPath + "/" + url.PathEscape(verificationID)
	if err := c.transport.Do(ctx, http.MethodGet, path, nil, &raw, transport.Options{Idempotent: true}); err != nil {
		return verification.Response{}, err
	}
	return decodeResponse(raw)
}

func (c *Client) approved(response verification.Response, start time.Time, polls int) Result {
	result := Result{
		VerificationID: response.ID,
		ApprovedBy:     response.ApprovedBy,
		Polls:          polls,
		Waited:         c.clock.Now().Sub(start),
	}
	if strings.TrimSpace(response.ExpiresAt) != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, response.ExpiresAt)
		if err != nil {
			c.logger.Debug("approval expiry not parseable", "verification_id", response.ID, "expires_at", response.ExpiresAt)
		} else {
			result.ExpiresAt = expiresAt
		}
	}
	return result
}

func nextPollInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * PollMultiplier)
	if next > MaxPollInterval {
		return MaxPollInterval
	}
	return next
}

// isFatalPollError reports errors that end the wait: bad credentials,
// cancellation, and a malformed verification id.
func isFatalPollError(err error) bool {
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryAuthentication, coreerrors.CategoryVerificationAbandoned, coreerrors.CategoryInvalidInput:
		return true
	}
	return false
}

func decodeResponse(raw json.RawMessage) (verification.Response, error) {
	if err := validate.ValidateJSON(verification.ResponseSchema, raw); err != nil {
		return verification.Response{}, coreerrors.Verification(fmt.Errorf("verification response: %w", err), "protocol_violation", false)
	}
	var response verification.Response
	if err := json.Unmarshal(raw, &response); err != nil {
		return verification.Response{}, coreerrors.Verification(fmt.Errorf("decode verification response: %w", err), "protocol_violation", false)
	}
	return response, nil
}

func denialReason(response verification.Response) string {
	if reason := strings.TrimSpace(response.DenialReason); reason != "" {
		return reason
	}
	return coreerrors.DefaultDenialReason
}
