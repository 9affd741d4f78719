package doctor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/agentgate/core/clock"
	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	"github.com/davidahmann/agentgate/core/sign"
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

func findCheck(t *testing.T, result Result, name string) Check {
	t.Helper()
	for _, check := range result.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("check %s not found in %#v", name, result.Checks)
	return Check{}
}

func TestRunFailsWithoutKey(t *testing.T) {
	result := Run(Options{Config: plaintextConfig(t), Clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))})
	if result.Status != StatusFail {
		t.Fatalf("expected fail status, got %s", result.Status)
	}
	if result.CreatedAt != "2026-03-01T12:00:00Z" || result.SchemaID != SchemaID {
		t.Fatalf("unexpected envelope: %#v", result)
	}
	if check := findCheck(t, result, "key_config"); check.Status != StatusFail || check.FixCommand == "" {
		t.Fatalf("unexpected key check: %#v", check)
	}
	if check := findCheck(t, result, "credentials"); check.Status != StatusWarn {
		t.Fatalf("expected missing credentials warning: %#v", check)
	}
	if len(result.FixCommands) == 0 {
		t.Fatalf("expected fix commands")
	}
}

func TestRunPassesWithCompleteSetup(t *testing.T) {
	cfg := plaintextConfig(t)
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	cfg.PrivateKey = sign.EncodePrivateKeyBase64(kp.Private)
	cfg.BaseURL = "https://gate.example.com/api/v1"
	cfg.AgentID = "agt-1"
	cfg.JournalPath = filepath.Join(t.TempDir(), "decisions.jsonl")
	record := `{"recorded_at":"2026-03-01T12:00:00Z","agent_id":"agt-1","verification_id":"ver-1","action_type":"read_database","resource":"users_table","outcome":"approved","approved_by":"alice","waited_ms":0}` + "\n"
	if err := os.WriteFile(cfg.JournalPath, []byte(record), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	store, err := credstore.New(credstore.Options{Path: cfg.Credentials.Path, DisableEncryption: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(credstore.Record{AgentID: "agt-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	result := Run(Options{Config: cfg})
	if result.Status != StatusPass {
		t.Fatalf("expected pass, got %#v", result)
	}
}

func TestRunFlagsCorruptJournal(t *testing.T) {
	cfg := plaintextConfig(t)
	cfg.JournalPath = filepath.Join(t.TempDir(), "decisions.jsonl")
	if err := os.WriteFile(cfg.JournalPath, []byte("{\"outcome\":\"maybe\"}\n"), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	if check := findCheck(t, Run(Options{Config: cfg}), "journal"); check.Status != StatusFail {
		t.Fatalf("expected journal failure: %#v", check)
	}
}

func TestCheckHelpers(t *testing.T) {
	if check := checkBaseURL(config.Config{BaseURL: "ftp://gate"}); check.Status != StatusFail {
		t.Fatalf("expected invalid base url failure: %#v", check)
	}
	if check := checkAgentID(config.Config{}); check.Status != StatusWarn {
		t.Fatalf("expected agent id warning: %#v", check)
	}
	if check := checkKeyConfig(config.Config{KeyMode: "dev"}); check.Status != StatusWarn {
		t.Fatalf("expected dev key warning: %#v", check)
	}
	if check := checkJournal(""); check.Status != StatusPass {
		t.Fatalf("expected disabled journal to pass: %#v", check)
	}
	if check := checkJournal(filepath.Join(t.TempDir(), "missing", "j.jsonl")); check.Status != StatusWarn {
		t.Fatalf("expected missing directory warning: %#v", check)
	}
	if check := checkJournal(filepath.Join(t.TempDir(), "j.jsonl")); check.Status != StatusPass {
		t.Fatalf("expected creatable journal to pass: %#v", check)
	}
}
