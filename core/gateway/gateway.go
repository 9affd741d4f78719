// Package gateway assembles the signer, credential store, token manager,
// verification client, capability reporter and interception settings from
// one configuration.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/agentgate/core/capability"
	"github.com/davidahmann/agentgate/core/clock"
	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/intercept"
	"github.com/davidahmann/agentgate/core/register"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/sign"
	"github.com/davidahmann/agentgate/core/token"
	"github.com/davidahmann/agentgate/core/transport"
	"github.com/davidahmann/agentgate/core/verify"
)

type Options struct {
	// Secrets holds the credential encryption key. Nil means the OS keyring.
	Secrets    credstore.SecretStore
	HTTPClient *http.Client
	// ReportCapabilities sends the configured capabilities in the
	// background once the gateway is open.
	ReportCapabilities bool
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Gateway owns the assembled components. Parts that need an identity are
// absent when the configuration does not provide one; their accessors
// return the configuration error explaining why.
type Gateway struct {
	config      config.Config
	durations   config.Durations
	clock       clock.Clock
	credentials *credstore.Store
	signer      *sign.Signer
	transport   *transport.Client
	tokens      *token.Manager
	registrar   *register.Registrar
	verifier    *verify.Client
	reporter    *capability.Reporter
	interceptor *intercept.Gateway
	httpClient  *http.Client
	ownsHTTP    bool
	identityErr error
	warnings    []string
	logger      *slog.Logger

	background sync.WaitGroup
	closeOnce  sync.Once
}

// Open builds every component cfg allows. Malformed settings fail; a
// missing identity only disables verification.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	durations, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	credentials, err := credstore.New(credstore.Options{
		Path:              cfg.Credentials.Path,
		Service:           cfg.Credentials.KeyringService,
		Secrets:           opts.Secrets,
		DisableEncryption: !cfg.EncryptCredentials(),
		RequireEncryption: cfg.Credentials.RequireEncryption,
		Clock:             opts.Clock,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if err := bootstrap(&cfg, credentials); err != nil {
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		durations:   durations,
		clock:       opts.Clock,
		credentials: credentials,
		logger:      logger,
	}

	g.signer, err = g.loadSigner()
	if err != nil {
		return nil, err
	}

	if cfg.BaseURL != "" {
		g.httpClient = opts.HTTPClient
		if g.httpClient == nil {
			timeout := durations.RequestTimeout
			if timeout <= 0 {
				timeout = transport.DefaultTimeout
			}
			g.httpClient = &http.Client{Timeout: timeout}
			g.ownsHTTP = true
		}
		base, err := transport.New(transport.Config{
			BaseURL:    cfg.BaseURL,
			HTTPClient: g.httpClient,
			Retry: transport.RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   durations.RetryBaseDelay,
				MaxDelay:    durations.RetryMaxDelay,
			},
			Clock:  opts.Clock,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		g.tokens, err = token.New(token.Options{
			Store:     credentials,
			Transport: base,
			Clock:     opts.Clock,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		g.transport = base.WithTokens(g.tokens)
	}

	if g.signer != nil && g.transport != nil {
		g.registrar, err = register.New(g.signer, register.Options{
			Transport: g.transport,
			Clock:     opts.Clock,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	g.interceptor = &intercept.Gateway{
		Graceful:         cfg.Interception.Graceful,
		DefaultRiskLevel: cfg.Interception.DefaultRiskLevel,
		LogDenials:       cfg.Interception.LogDenials,
		MaxArgChars:      cfg.Interception.MaxArgChars,
		Logger:           logger,
	}
	if err := g.bindIdentity(); err != nil {
		return nil, err
	}
	if g.verifier == nil {
		logger.Warn("verification unavailable", "error", g.identityErr.Error(), "graceful", cfg.Interception.Graceful)
	}

	if opts.ReportCapabilities && len(cfg.Capabilities) > 0 && g.reporter != nil {
		g.reportInBackground(ctx, cfg.Capabilities)
	}
	return g, nil
}

// bindIdentity builds the parts that need an agent id: the capability
// reporter, and the verifier when a signing key is loaded too.
func (g *Gateway) bindIdentity() error {
	switch {
	case g.identityErr != nil:
	case g.config.BaseURL == "":
		g.identityErr = coreerrors.Configuration("base_url_missing", "backend base url is not configured")
	case g.config.AgentID == "":
		g.identityErr = coreerrors.Configuration("agent_id_missing", "agent id is not configured")
	}
	var err error
	if g.config.AgentID != "" && g.transport != nil {
		g.reporter, err = capability.New(g.config.AgentID, capability.Options{
			Transport: g.transport,
			Clock:     g.clock,
			Logger:    g.logger,
		})
		if err != nil {
			return err
		}
	}
	if g.identityErr == nil && g.signer != nil {
		g.verifier, err = verify.New(verify.Identity{AgentID: g.config.AgentID, Signer: g.signer}, verify.Options{
			Transport:        g.transport,
			RetrySubmissions: g.config.Retry.RetrySubmissions,
			JournalPath:      g.config.JournalPath,
			Timeout:          g.durations.VerificationTimeout,
			Clock:            g.clock,
			Logger:           g.logger,
		})
		if err != nil {
			return err
		}
		g.interceptor.Verifier = g.verifier
	}
	return nil
}

// Register enrols the agent under its signing key, stores the returned
// refresh token, and binds the new agent id so verification works at once.
// It must not run concurrently with other use of the gateway.
func (g *Gateway) Register(ctx context.Context, request register.Request) (verification.RegistrationResponse, error) {
	if g.registrar == nil {
		if g.transport == nil {
			return verification.RegistrationResponse{}, coreerrors.Configuration("base_url_missing", "backend base url is not configured")
		}
		return verification.RegistrationResponse{}, g.identityErr
	}
	if g.config.AgentID != "" {
		return verification.RegistrationResponse{}, coreerrors.Configuration("agent_already_registered", "agent %s is already configured; revoke its credentials before registering again", g.config.AgentID)
	}
	response, err := g.registrar.Register(ctx, request)
	if err != nil {
		return verification.RegistrationResponse{}, err
	}
	record := credstore.Record{
		AgentID:      response.AgentID,
		BaseURL:      g.config.BaseURL,
		RefreshToken: response.RefreshToken,
		AccessToken:  response.AccessToken,
	}
	if response.AccessToken != "" && response.ExpiresIn > 0 {
		expiry := clock.OrReal(g.clock).Now().Add(time.Duration(response.ExpiresIn) * time.Second)
		record.AccessTokenExpiry = &expiry
	}
	if err := g.tokens.Enroll(record); err != nil {
		return verification.RegistrationResponse{}, err
	}
	g.config.AgentID = response.AgentID
	if coreerrors.CodeOf(g.identityErr) == "agent_id_missing" {
		g.identityErr = nil
	}
	if err := g.bindIdentity(); err != nil {
		return verification.RegistrationResponse{}, err
	}
	return response, nil
}

// RegisterTargets declares the tool servers the registered agent uses.
func (g *Gateway) RegisterTargets(ctx context.Context, request register.TargetRequest) (register.TargetSummary, error) {
	if g.registrar == nil {
		if g.transport == nil {
			return register.TargetSummary{}, coreerrors.Configuration("base_url_missing", "backend base url is not configured")
		}
		return register.TargetSummary{}, g.identityErr
	}
	return g.registrar.RegisterTargets(ctx, g.config.AgentID, request)
}

// bootstrap fills base_url and agent_id from an enrolled credential record
// when the configuration leaves them unset.
func bootstrap(cfg *config.Config, credentials *credstore.Store) error {
	if cfg.BaseURL != "" && cfg.AgentID != "" {
		return nil
	}
	record, err := credentials.Load()
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(record.BaseURL), "/")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = strings.TrimSpace(record.AgentID)
	}
	return nil
}

func (g *Gateway) loadSigner() (*sign.Signer, error) {
	keys := sign.KeyConfig{
		Mode:           sign.KeyMode(g.config.KeyMode),
		PrivateKey:     g.config.PrivateKey,
		PrivateKeyPath: g.config.PrivateKeyPath,
		PrivateKeyEnv:  g.config.PrivateKeyEnv,
		PublicKey:      g.config.PublicKey,
		PublicKeyPath:  g.config.PublicKeyPath,
		PublicKeyEnv:   g.config.PublicKeyEnv,
	}
	if keys.Mode != sign.ModeDev && keys.PrivateKey == "" && keys.PrivateKeyPath == "" && keys.PrivateKeyEnv == "" {
		g.identityErr = coreerrors.Configuration("private_key_missing", "no agent private key configured")
		return nil, nil
	}
	signer, warnings, err := sign.LoadSigner(keys)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		g.logger.Warn(warning)
	}
	g.warnings = append(g.warnings, warnings...)
	return signer, nil
}

func (g *Gateway) reportInBackground(ctx context.Context, capabilities []capability.Capability) {
	results := g.reporter.ReportAsync(ctx, capabilities)
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		<-results
	}()
}

// ReportCapabilities sends capabilities synchronously.
func (g *Gateway) ReportCapabilities(ctx context.Context, capabilities []capability.Capability) (capability.Summary, error) {
	reporter, err := g.Reporter()
	if err != nil {
		return capability.Summary{}, err
	}
	return reporter.Report(ctx, capabilities)
}

func (g *Gateway) Config() config.Config {
	return g.config
}

func (g *Gateway) Credentials() *credstore.Store {
	return g.credentials
}

func (g *Gateway) Signer() (*sign.Signer, error) {
	if g.signer == nil {
		return nil, g.identityErr
	}
	return g.signer, nil
}

func (g *Gateway) Tokens() (*token.Manager, error) {
	if g.tokens == nil {
		return nil, coreerrors.Configuration("base_url_missing", "backend base url is not configured")
	}
	return g.tokens, nil
}

func (g *Gateway) Verifier() (*verify.Client, error) {
	if g.verifier == nil {
		return nil, g.identityErr
	}
	return g.verifier, nil
}

func (g *Gateway) Reporter() (*capability.Reporter, error) {
	if g.reporter == nil {
		if g.identityErr != nil {
			return nil, g.identityErr
		}
		return nil, coreerrors.Configuration("agent_id_missing", "agent id is not configured")
	}
	return g.reporter, nil
}

// Interceptor returns the interception settings bound to the verifier. It
// is never nil; without a verifier it fails closed unless graceful mode is
// configured.
func (g *Gateway) Interceptor() *intercept.Gateway {
	return g.interceptor
}

// Warnings lists non-fatal setup notices such as a dev-mode key.
func (g *Gateway) Warnings() []string {
	return append([]string{}, g.warnings...)
}

// Close waits for background reports and releases idle connections.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.background.Wait()
		if g.ownsHTTP && g.httpClient != nil {
			g.httpClient.CloseIdleConnections()
		}
	})
	return nil
}
