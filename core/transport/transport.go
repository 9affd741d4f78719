// Package transport is the JSON-over-HTTP client shared by the verification
// client, the token manager and the capability reporter.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/jcs"
)

const (
	DefaultUserAgent = "agentgate-go/0.1"
	DefaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// TokenSource supplies bearer tokens. Invalidate drops a cached token after
// the backend rejected it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout   time.Duration
	Tokens    TokenSource
	Retry     RetryPolicy
	UserAgent string
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	retry      RetryPolicy
	userAgent  string
	clock      clock.Clock
	logger     *slog.Logger
}

type Options struct {
	// Idempotent enables retries on network errors, 429 and 5xx. Signed
	// submissions are not idempotent unless the caller says so.
	Idempotent bool
	// SkipAuth sends no bearer token and never triggers a refresh.
	SkipAuth bool
	Headers  map[string]string
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

func New(cfg Config) (*Client, error) {
	baseURL, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retry := cfg.Retry
	defaults := DefaultRetryPolicy()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaults.MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = defaults.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaults.MaxDelay
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		retry:      retry,
		userAgent:  userAgent,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logger,
	}, nil
}

// NormalizeBaseURL requires an absolute http(s) URL and strips trailing
// slashes.
func NormalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", coreerrors.Configuration("base_url_missing", "backend base url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", coreerrors.Configuration("base_url_invalid", "parse base url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", coreerrors.Configuration("base_url_invalid", "base url must use http or https: %q", raw)
	}
	if parsed.Host == "" {
		return "", coreerrors.Configuration("base_url_invalid", "base url has no host: %q", raw)
	}
	return trimmed, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithTokens returns a copy of c that authenticates with tokens.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	clone := *c
	clone.tokens = tokens
	return &clone
}

// Do sends body as canonical JSON and decodes a 2xx response into out
// (when non-nil). A 401/403 invalidates the token and is retried once.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any, opts Options) error {
	var payload []byte
	if body != nil {
		encoded, err := jcs.CanonicalizeValue(body)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "request_encode_failed", "", false)
		}
		payload = encoded
	}
	attempts := 1
	if opts.Idempotent {
		attempts = c.retry.MaxAttempts
	}
	requestID := uuid.NewString()
	authRetried := false

	for attempt := 1; attempt <= attempts; attempt++ {
		status, header, respBody, err := c.send(ctx, method, path, payload, requestID, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return coreerrors.Abandoned(fmt.Errorf("%s %s: %w", method, path, ctxErr))
			}
			if attempt < attempts {
				c.logger.Debug("request failed; retrying", "method", method, "path", path, "attempt", attempt, "request_id", requestID, "error", err.Error())
				if sleepErr := c.sleep(ctx, c.backoff(attempt, "")); sleepErr != nil {
					return sleepErr
				}
				continue
			}
			return coreerrors.Verification(fmt.Errorf("%s %s: %w", method, path, err), "transport_failed", true)
		}
		c.logger.Debug("backend response", "method", method, "path", path, "status", status, "attempt", attempt, "request_id", requestID)

		if status >= 200 && status < 300 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return coreerrors.Verification(fmt.Errorf("decode %s %s response: %w", method, path, err), "protocol_violation", false)
			}
			return nil
		}

		statusErr := parseStatusError(status, respBody, requestID)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			if c.tokens != nil && !opts.SkipAuth && !authRetried {
				authRetried = true
				c.tokens.Invalidate()
				attempt--
				continue
			}
			return coreerrors.Authentication(statusErr, "http_"+strconv.Itoa(status))
		}
		if shouldRetryStatus(status) && attempt < attempts {
			if sleepErr := c.sleep(ctx, c.backoff(attempt, header.Get("Retry-After"))); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		return coreerrors.Verification(statusErr, "http_"+strconv.Itoa(status), shouldRetryStatus(status))
	}
	return coreerrors.Wrap(errors.New("retry loop exhausted"), coreerrors.CategoryInternalFailure, "unreachable", "", false)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, requestID string, opts Options) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if c.tokens != nil && !opts.SkipAuth {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			c.logger.Warn("access token unavailable; sending request without bearer token", "path", path, "error", err.Error())
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return coreerrors.Abandoned(ctx.Err())
	case <-c.clock.After(d):
		return nil
	}
}

// backoff is base*2^(attempt-1) capped at MaxDelay, with the upper half
// jittered. A numeric Retry-After wins, still capped.
func (c *Client) backoff(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds >= 0 {
		delay := time.Duration(seconds) * time.Second
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
		return delay
	}
	delay := c.retry.BaseDelay << (attempt - 1)
	if delay > c.retry.MaxDelay || delay <= 0 {
		delay = c.retry.MaxDelay
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func parseStatusError(status int, body []byte, requestID string) *StatusError {
	out := &StatusError{StatusCode: status, RequestID: requestID}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.Code, _ = obj["code"].(string)
	if out.Code == "" {
		out.Code, _ = obj["error_code"].(string)
	}
	out.Message, _ = obj["message"].(string)
	if out.Message == "" {
		out.Message, _ = obj["detail"].(string)
	}
	if out.Message == "" {
		out.Message, _ = obj["error"].(string)
	}
	if id, ok := obj["request_id"].(string); ok && id != "" {
		out.RequestID = id
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
