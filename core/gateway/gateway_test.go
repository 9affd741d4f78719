package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/davidahmann/agentgate/core/capability"
	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/intercept"
	"github.com/davidahmann/agentgate/core/register"
	"github.com/davidahmann/agentgate/core/sign"
	"github.com/davidahmann/agentgate/core/verify"
	"github.com/davidahmann/agentgate/internal/testutil"
)

func plaintextConfig(t *testing.T) config.Config {
	t.Helper()
	encrypt := false
	return config.Config{
		Credentials: config.CredentialsConfig{
			Path:    filepath.Join(t.TempDir(), "credentials.json"),
			Encrypt: &encrypt,
		},
	}
}

func privateKeyBase64(t *testing.T) string {
	t.Helper()
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return sign.EncodePrivateKeyBase64(kp.Private)
}

func openGateway(t *testing.T, cfg config.Config, opts Options) *Gateway {
	t.Helper()
	g, err := Open(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestOpenWithoutIdentityFailsClosed(t *testing.T) {
	g := openGateway(t, plaintextConfig(t), Options{})
	if _, err := g.Verifier(); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := g.Tokens(); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := g.ReportCapabilities(context.Background(), []capability.Capability{{Type: "x"}}); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	ran := false
	wrapped := intercept.Wrap(g.Interceptor(), intercept.Action{Type: "read_database"}, func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	if _, err := wrapped(context.Background()); ran || !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected fail-closed configuration error, ran=%t err=%v", ran, err)
	}
}

func TestOpenGracefulRunsUnverified(t *testing.T) {
	cfg := plaintextConfig(t)
	cfg.Interception.Graceful = true
	g := openGateway(t, cfg, Options{})
	wrapped := intercept.Wrap(g.Interceptor(), intercept.Action{Type: "read_database"}, func(context.Context) (string, error) {
		return "rows", nil
	})
	value, err := wrapped(context.Background())
	if err != nil || value != "rows" {
		t.Fatalf("expected graceful execution, got %q %v", value, err)
	}
}

func TestOpenBootstrapsFromCredentialRecord(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetRefreshToken("refresh-1", true)
	cfg := plaintextConfig(t)
	cfg.PrivateKey = privateKeyBase64(t)

	store, err := credstore.New(credstore.Options{Path: cfg.Credentials.Path, DisableEncryption: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(credstore.Record{AgentID: "agt-1", BaseURL: backend.URL(), RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("save record: %v", err)
	}

	g := openGateway(t, cfg, Options{})
	if g.Config().AgentID != "agt-1" || g.Config().BaseURL != backend.URL() {
		t.Fatalf("expected bootstrap from record, got %#v", g.Config())
	}
	verifier, err := g.Verifier()
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	result, err := verifier.VerifyAction(context.Background(), verify.ActionRequest{ActionType: "read_database", Resource: "users_table"})
	if err != nil {
		t.Fatalf("verify action: %v", err)
	}
	if result.VerificationID != "ver-1" {
		t.Fatalf("unexpected result: %#v", result)
	}
	if auth := backend.Authorizations(); len(auth) != 1 || auth[0] != "Bearer access-1" {
		t.Fatalf("expected bearer token on submission, got %v", auth)
	}
	record, err := store.Load()
	if err != nil || record == nil {
		t.Fatalf("load record: %v", err)
	}
	if record.RefreshToken != backend.RefreshToken() || record.RefreshToken == "refresh-1" {
		t.Fatalf("expected rotated refresh token persisted, got %q", record.RefreshToken)
	}
}

func TestRegisterEnrolsAndBindsIdentity(t *testing.T) {
	backend := testutil.NewBackend(t)
	cfg := plaintextConfig(t)
	cfg.BaseURL = backend.URL()
	cfg.PrivateKey = privateKeyBase64(t)
	g := openGateway(t, cfg, Options{})
	if _, err := g.Verifier(); coreerrors.CodeOf(err) != "agent_id_missing" {
		t.Fatalf("expected agent_id_missing before registration, got %v", err)
	}

	response, err := g.Register(context.Background(), register.Request{Name: "billing-agent"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if response.AgentID != "agt-reg-1" || g.Config().AgentID != "agt-reg-1" {
		t.Fatalf("expected agent id bound, got %#v %q", response, g.Config().AgentID)
	}
	record, err := g.Credentials().Load()
	if err != nil || record == nil {
		t.Fatalf("load record: %v", err)
	}
	if record.AgentID != "agt-reg-1" || record.RefreshToken != "refresh-reg-1" || record.BaseURL != backend.URL() {
		t.Fatalf("unexpected stored record: %#v", record)
	}

	wrapped := intercept.Wrap(g.Interceptor(), intercept.Action{Type: "read_database"}, func(context.Context) (int, error) {
		return 1, nil
	})
	if _, err := wrapped(context.Background()); err != nil {
		t.Fatalf("verified call after registration: %v", err)
	}
	if auth := backend.Authorizations(); len(auth) != 1 || auth[0] != "Bearer access-1" {
		t.Fatalf("expected bearer token from the registered refresh token, got %v", auth)
	}

	summary, err := g.RegisterTargets(context.Background(), register.TargetRequest{TargetIDs: []string{"files-server"}})
	if err != nil {
		t.Fatalf("register targets: %v", err)
	}
	if summary.Added != 1 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	targets := backend.TargetRegistrations()
	if len(targets) != 1 || targets[0].AgentID != "agt-reg-1" || targets[0].Authorization != "Bearer access-1" {
		t.Fatalf("unexpected target registrations: %#v", targets)
	}

	if _, err := g.Register(context.Background(), register.Request{Name: "again"}); coreerrors.CodeOf(err) != "agent_already_registered" {
		t.Fatalf("expected agent_already_registered, got %v", err)
	}
	if len(backend.Registrations()) != 1 {
		t.Fatalf("expected a single registration")
	}
}

func TestRegisterWithoutKeyOrBackend(t *testing.T) {
	noBackend := openGateway(t, plaintextConfig(t), Options{})
	if _, err := noBackend.Register(context.Background(), register.Request{Name: "agent"}); coreerrors.CodeOf(err) != "base_url_missing" {
		t.Fatalf("expected base_url_missing, got %v", err)
	}
	cfg := plaintextConfig(t)
	cfg.BaseURL = testutil.NewBackend(t).URL()
	noKey := openGateway(t, cfg, Options{})
	if _, err := noKey.Register(context.Background(), register.Request{Name: "agent"}); coreerrors.CodeOf(err) != "private_key_missing" {
		t.Fatalf("expected private_key_missing, got %v", err)
	}
}

func TestOpenReportsDeclaredCapabilities(t *testing.T) {
	backend := testutil.NewBackend(t)
	cfg := plaintextConfig(t)
	cfg.BaseURL = backend.URL()
	cfg.AgentID = "agt-1"
	cfg.Capabilities = []capability.Capability{{Type: "file:read"}, {Type: "network:http", RiskLevel: "high"}}

	g, err := Open(context.Background(), cfg, Options{ReportCapabilities: true})
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reports := backend.CapabilityReports()
	if len(reports) != 1 || reports[0].AgentID != "agt-1" || len(reports[0].Report.Capabilities) != 2 {
		t.Fatalf("unexpected capability reports: %#v", reports)
	}
	if _, err := g.Verifier(); coreerrors.CodeOf(err) != "private_key_missing" {
		t.Fatalf("expected missing key to disable verification, got %v", err)
	}
}

func TestOpenDevModeWarns(t *testing.T) {
	cfg := plaintextConfig(t)
	cfg.KeyMode = "dev"
	cfg.BaseURL = "https://gate.example.com"
	cfg.AgentID = "agt-1"
	g := openGateway(t, cfg, Options{})
	if !slices.Contains(g.Warnings(), sign.DevKeyWarning) {
		t.Fatalf("expected dev key warning, got %v", g.Warnings())
	}
	if _, err := g.Verifier(); err != nil {
		t.Fatalf("dev mode should produce a verifier: %v", err)
	}
	if _, err := g.Signer(); err != nil {
		t.Fatalf("signer: %v", err)
	}
}

func TestOpenRejectsMalformedSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "base_url", mutate: func(cfg *config.Config) { cfg.BaseURL = "ftp://gate" }},
		{name: "private_key", mutate: func(cfg *config.Config) { cfg.PrivateKey = "not-base64" }},
		{name: "duration", mutate: func(cfg *config.Config) { cfg.VerificationTimeout = "forever" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := plaintextConfig(t)
			tc.mutate(&cfg)
			if _, err := Open(context.Background(), cfg, Options{}); !errors.Is(err, coreerrors.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}
