// Package token owns the agent's access token: the cache, the rotating
// refresh protocol, and revocation.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/davidahmann/agentgate/core/clock"
	"github.com/davidahmann/agentgate/core/credstore"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/schema/validate"
	"github.com/davidahmann/agentgate/core/transport"
)

const (
	// ExpiryBuffer is subtracted from the token's expiry to absorb clock
	// skew between the agent and the backend.
	ExpiryBuffer    = 60 * time.Second
	DefaultLifetime = time.Hour

	refreshPath = "/auth/refresh"
	revokePath  = "/auth/revoke"
)

type State string

const (
	StateNoCredentials       State = "no_credentials"
	StateHasRefreshToken     State = "has_refresh_token"
	StateHasValidAccessToken State = "has_valid_access_token"
)

var (
	// ErrTokenUnavailable is returned instead of refresh failures so that
	// callers can choose to degrade.
	ErrTokenUnavailable = errors.New("access token unavailable")
	// ErrRemoteRevokeFailed means local credentials were deleted but the
	// backend was not told.
	ErrRemoteRevokeFailed = errors.New("remote token revoke failed")

	errNoRefreshToken = errors.New("no refresh token stored")
	// errStoredTokenCurrent aborts a store update when another manager
	// sharing the store has already refreshed.
	errStoredTokenCurrent = errors.New("stored access token current")
)

// Store is the durable side of the token state. *credstore.Store
// implements it.
type Store interface {
	Load() (*credstore.Record, error)
	Update(fn func(*credstore.Record) error) (credstore.Record, error)
	Delete() error
}

// Doer sends backend requests. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, path string, body any, out any, opts transport.Options) error
}

type Options struct {
	Store     Store
	Transport Doer
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Manager struct {
	store     Store
	transport Doer
	clock     clock.Clock
	logger    *slog.Logger

	mu           sync.Mutex
	loaded       bool
	refreshToken string
	accessToken  string
	expiry       time.Time
	// discarded is the last access token dropped by Invalidate. A stored
	// copy of it is never adopted again.
	discarded string

	refreshes singleflight.Group
}

// Status is a secret-free view of the manager for display.
type Status struct {
	State             State     `json:"state"`
	RefreshToken      string    `json:"refresh_token_fingerprint"`
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitzero"`
	AccessTokenUsable bool      `json:"access_token_usable"`
	RefreshAfter      time.Time `json:"refresh_after,omitzero"`
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, coreerrors.Configuration("token_store_missing", "token manager requires a credential store")
	}
	if opts.Transport == nil {
		return nil, coreerrors.Configuration("token_transport_missing", "token manager requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     opts.Store,
		transport: opts.Transport,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger,
	}, nil
}

// Enroll stores a refresh token obtained out of band (registration or
// login), replacing any previous credentials.
func (m *Manager) Enroll(record credstore.Record) error {
	if strings.TrimSpace(record.RefreshToken) == "" {
		return coreerrors.InvalidInput("refresh_token_missing", "enrollment requires a refresh token")
	}
	saved, err := m.store.Update(func(current *credstore.Record) error {
		*current = record
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adoptLocked(saved)
	m.loaded = true
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoadedLocked(); err != nil {
		return StateNoCredentials
	}
	return m.stateLocked()
}

// Status reports the cached state. When the credential record cannot be
// read the returned error says why and the status shows no credentials.
func (m *Manager) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loadErr := m.ensureLoadedLocked()
	status := Status{
		State:             m.stateLocked(),
		RefreshToken:      credstore.Fingerprint(m.refreshToken),
		AccessTokenExpiry: m.expiry,
		AccessTokenUsable: m.usableLocked(),
	}
	if !m.expiry.IsZero() {
		status.RefreshAfter = m.expiry.Add(-ExpiryBuffer)
	}
	return status, loadErr
}

// AccessToken returns the cached token while it is outside the expiry
// buffer, otherwise refreshes. Concurrent callers share one refresh. Every
// failure is reported as ErrTokenUnavailable.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if err := m.ensureLoadedLocked(); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	if m.usableLocked() {
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	// The refresh outlives a cancelled caller so a rotation in flight is
	// always persisted.
	flight := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			m.logger.Warn("access token refresh failed", "error", result.Err.Error())
			return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, result.Err)
		}
		return result.Val.(string), nil
	}
}

// Invalidate drops the cached access token; the next AccessToken call
// refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoadedLocked(); err != nil {
		m.logger.Warn("credential record unreadable", "error", err.Error())
	}
	if m.accessToken != "" {
		m.discarded = m.accessToken
	}
	m.accessToken = ""
	m.expiry = time.Time{}
}

// Refresh forces a refresh even when the cached token is still usable.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.Invalidate()
	return m.AccessToken(ctx)
}

// Revoke tells the backend to revoke the refresh token, then deletes local
// credentials whatever the backend said. A backend failure is returned
// wrapped in ErrRemoteRevokeFailed after the local delete.
func (m *Manager) Revoke(ctx context.Context) error {
	m.mu.Lock()
	if err := m.ensureLoadedLocked(); err != nil {
		m.logger.Warn("credential record unreadable; deleting locally without remote revoke", "error", err.Error())
	}
	refreshToken := m.refreshToken
	m.mu.Unlock()

	var remoteErr error
	if refreshToken != "" {
		remoteErr = m.transport.Do(ctx, http.MethodPost, revokePath, verification.RevokeRequest{RefreshToken: refreshToken}, nil, transport.Options{SkipAuth: true})
	}

	deleteErr := m.store.Delete()
	m.mu.Lock()
	m.refreshToken = ""
	m.accessToken = ""
	m.expiry = time.Time{}
	m.loaded = true
	m.mu.Unlock()

	if deleteErr != nil {
		return deleteErr
	}
	if remoteErr != nil {
		m.logger.Warn("remote token revoke failed; local credentials deleted", "error", remoteErr.Error())
		return fmt.Errorf("%w: %w", ErrRemoteRevokeFailed, remoteErr)
	}
	m.logger.Info("credentials revoked", "refresh_token", credstore.Fingerprint(refreshToken))
	return nil
}

// refresh runs inside one store update so the record is re-read, and the
// file lock held, across the backend round trip. A token already refreshed
// by another manager sharing the store is adopted instead of spending the
// refresh token again.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.usableLocked() {
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
	discarded := m.discarded
	m.mu.Unlock()

	var (
		stored   credstore.Record
		sent     string
		response *verification.RefreshResponse
		expiry   time.Time
	)
	_, err := m.store.Update(func(record *credstore.Record) error {
		if strings.TrimSpace(record.RefreshToken) == "" {
			return errNoRefreshToken
		}
		if record.AccessToken != "" && record.AccessToken != discarded && m.storedUsable(*record) {
			stored = *record
			return errStoredTokenCurrent
		}
		sent = record.RefreshToken
		issued, err := m.requestRefresh(ctx, sent)
		if err != nil {
			return err
		}
		response = &issued
		expiry = accessTokenExpiry(issued, m.clock.Now())
		if issued.RefreshToken != "" {
			record.RefreshToken = issued.RefreshToken
		}
		record.AccessToken = issued.AccessToken
		record.AccessTokenExpiry = &expiry
		return nil
	})
	switch {
	case errors.Is(err, errStoredTokenCurrent):
		m.mu.Lock()
		m.adoptLocked(stored)
		m.loaded = true
		token := m.accessToken
		m.mu.Unlock()
		m.logger.Debug("access token adopted from credential store", "refresh_token", credstore.Fingerprint(stored.RefreshToken))
		return token, nil
	case errors.Is(err, errNoRefreshToken):
		m.mu.Lock()
		m.refreshToken = ""
		m.mu.Unlock()
		return "", err
	case err != nil && response == nil:
		return "", err
	}

	next := sent
	rotated := response.RefreshToken != "" && response.RefreshToken != sent
	if rotated {
		next = response.RefreshToken
	}
	if err != nil {
		if rotated {
			return "", fmt.Errorf("persist rotated refresh token: %w", err)
		}
		m.logger.Warn("access token cache not persisted", "error", err.Error())
	}

	m.mu.Lock()
	m.refreshToken = next
	m.accessToken = response.AccessToken
	m.expiry = expiry
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("access token refreshed",
		"rotated", rotated,
		"refresh_token", credstore.Fingerprint(next),
		"expires_at", expiry.UTC().Format(time.RFC3339),
	)
	return response.AccessToken, nil
}

func (m *Manager) requestRefresh(ctx context.Context, refreshToken string) (verification.RefreshResponse, error) {
	var raw json.RawMessage
	if err := m.transport.Do(ctx, http.MethodPost, refreshPath, verification.RefreshRequest{RefreshToken: refreshToken}, &raw, transport.Options{SkipAuth: true}); err != nil {
		return verification.RefreshResponse{}, err
	}
	if err := validate.ValidateJSON(verification.RefreshResponseSchema, raw); err != nil {
		return verification.RefreshResponse{}, coreerrors.Verification(fmt.Errorf("refresh response: %w", err), "protocol_violation", false)
	}
	var response verification.RefreshResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return verification.RefreshResponse{}, coreerrors.Verification(fmt.Errorf("decode refresh response: %w", err), "protocol_violation", false)
	}
	return response, nil
}

// storedUsable applies the expiry buffer to a record read from the store.
func (m *Manager) storedUsable(record credstore.Record) bool {
	var expiry time.Time
	if record.AccessTokenExpiry != nil {
		expiry = *record.AccessTokenExpiry
	} else {
		expiry = accessTokenExpiry(verification.RefreshResponse{AccessToken: record.AccessToken}, time.Time{})
	}
	return !expiry.IsZero() && m.clock.Now().Before(expiry.Add(-ExpiryBuffer))
}

func (m *Manager) ensureLoadedLocked() error {
	if m.loaded {
		return nil
	}
	record, err := m.store.Load()
	if err != nil {
		return err
	}
	m.loaded = true
	if record != nil {
		m.adoptLocked(*record)
	}
	return nil
}

func (m *Manager) adoptLocked(record credstore.Record) {
	m.refreshToken = record.RefreshToken
	m.accessToken = record.AccessToken
	m.expiry = time.Time{}
	if record.AccessTokenExpiry != nil {
		m.expiry = *record.AccessTokenExpiry
	}
	if m.accessToken != "" && m.expiry.IsZero() {
		m.expiry = accessTokenExpiry(verification.RefreshResponse{AccessToken: m.accessToken}, time.Time{})
	}
}

func (m *Manager) usableLocked() bool {
	if m.accessToken == "" || m.expiry.IsZero() {
		return false
	}
	return m.clock.Now().Before(m.expiry.Add(-ExpiryBuffer))
}

func (m *Manager) stateLocked() State {
	switch {
	case m.usableLocked():
		return StateHasValidAccessToken
	case m.refreshToken != "":
		return StateHasRefreshToken
	default:
		return StateNoCredentials
	}
}

// accessTokenExpiry prefers the JWT exp claim, then expires_in, then
// DefaultLifetime. A zero now with no exp claim yields zero (unknown).
func accessTokenExpiry(response verification.RefreshResponse, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(response.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if now.IsZero() {
		return time.Time{}
	}
	if response.ExpiresIn > 0 {
		return now.Add(time.Duration(response.ExpiresIn) * time.Second)
	}
	return now.Add(DefaultLifetime)
}
