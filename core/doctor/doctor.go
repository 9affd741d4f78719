// Package doctor runs offline health checks over the local agentgate
// setup: configuration, agent key, credential store and decision journal.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/davidahmann/agentgate/core/clock"
	"github.com/davidahmann/agentgate/core/config"
	"github.com/davidahmann/agentgate/core/credstore"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/schema/validate"
	"github.com/davidahmann/agentgate/core/sign"
	"github.com/davidahmann/agentgate/core/transport"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"

	SchemaID      = "agentgate.doctor.result"
	SchemaVersion = "1.0.0"
)

type Options struct {
	Config          config.Config
	ProducerVersion string
	// Secrets overrides the OS keyring when inspecting the credential store.
	Secrets credstore.SecretStore
	Clock   clock.Clock
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
}

func Run(opts Options) Result {
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	cfg := opts.Config
	checks := []Check{
		checkBaseURL(cfg),
		checkAgentID(cfg),
		checkKeyConfig(cfg),
		checkCredentials(cfg, opts.Secrets),
		checkJournal(cfg.JournalPath),
	}

	failed, warned := 0, 0
	fixCommands := make([]string, 0, len(checks))
	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			failed++
		case StatusWarn:
			warned++
		}
		if check.FixCommand != "" && !slices.Contains(fixCommands, check.FixCommand) {
			fixCommands = append(fixCommands, check.FixCommand)
		}
	}
	status := StatusPass
	if failed > 0 {
		status = StatusFail
	} else if warned > 0 {
		status = StatusWarn
	}
	slices.Sort(fixCommands)

	return Result{
		SchemaID:        SchemaID,
		SchemaVersion:   SchemaVersion,
		CreatedAt:       clock.OrReal(opts.Clock).Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		Summary:         fmt.Sprintf("doctor: status=%s failed=%d warned=%d", status, failed, warned),
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

func checkBaseURL(cfg config.Config) Check {
	if cfg.BaseURL == "" {
		return Check{
			Name:       "base_url",
			Status:     StatusWarn,
			Message:    "no backend base url configured; it must come from an enrolled credential record",
			FixCommand: "set base_url in the config file or AGENTGATE_BASE_URL",
		}
	}
	if _, err := transport.NormalizeBaseURL(cfg.BaseURL); err != nil {
		return Check{
			Name:       "base_url",
			Status:     StatusFail,
			Message:    err.Error(),
			FixCommand: "set base_url to an absolute http(s) url",
		}
	}
	return Check{Name: "base_url", Status: StatusPass, Message: cfg.BaseURL}
}

func checkAgentID(cfg config.Config) Check {
	if cfg.AgentID == "" {
		return Check{
			Name:       "agent_id",
			Status:     StatusWarn,
			Message:    "no agent id configured; it must come from an enrolled credential record",
			FixCommand: "set agent_id in the config file or AGENTGATE_AGENT_ID",
		}
	}
	return Check{Name: "agent_id", Status: StatusPass, Message: cfg.AgentID}
}

func checkKeyConfig(cfg config.Config) Check {
	keys := sign.KeyConfig{
		Mode:           sign.KeyMode(cfg.KeyMode),
		PrivateKey:     cfg.PrivateKey,
		PrivateKeyPath: cfg.PrivateKeyPath,
		PrivateKeyEnv:  cfg.PrivateKeyEnv,
		PublicKey:      cfg.PublicKey,
		PublicKeyPath:  cfg.PublicKeyPath,
		PublicKeyEnv:   cfg.PublicKeyEnv,
	}
	signer, warnings, err := sign.LoadSigner(keys)
	if err != nil {
		return Check{
			Name:       "key_config",
			Status:     StatusFail,
			Message:    fmt.Sprintf("agent key: %v", err),
			FixCommand: "agentgate keys init, then set private_key_path",
		}
	}
	if len(warnings) > 0 {
		return Check{
			Name:       "key_config",
			Status:     StatusWarn,
			Message:    strings.Join(warnings, "; "),
			FixCommand: "agentgate keys init, then set private_key_path and key_mode: prod",
		}
	}
	return Check{Name: "key_config", Status: StatusPass, Message: "agent key " + signer.String()}
}

func checkCredentials(cfg config.Config, secrets credstore.SecretStore) Check {
	store, err := credstore.New(credstore.Options{
		Path:              cfg.Credentials.Path,
		Service:           cfg.Credentials.KeyringService,
		Secrets:           secrets,
		DisableEncryption: !cfg.EncryptCredentials(),
		RequireEncryption: cfg.Credentials.RequireEncryption,
	})
	if err != nil {
		return Check{Name: "credentials", Status: StatusFail, Message: err.Error()}
	}
	switch store.Format() {
	case credstore.FormatNone:
		return Check{
			Name:       "credentials",
			Status:     StatusWarn,
			Message:    "no credentials enrolled at " + store.Path(),
			FixCommand: "agentgate token enroll --refresh-token-env <VAR>",
		}
	case credstore.FormatPlaintext:
		if cfg.EncryptCredentials() {
			return Check{
				Name:       "credentials",
				Status:     StatusWarn,
				Message:    "credentials stored in plaintext at " + store.Path(),
				FixCommand: "make the OS keyring available; credentials migrate on next load",
			}
		}
		return Check{Name: "credentials", Status: StatusPass, Message: "plaintext credentials (encryption disabled) at " + store.Path()}
	}
	record, err := store.Load()
	if err != nil {
		return Check{Name: "credentials", Status: StatusFail, Message: err.Error()}
	}
	if record == nil || strings.TrimSpace(record.RefreshToken) == "" {
		return Check{Name: "credentials", Status: StatusWarn, Message: "credential record has no refresh token"}
	}
	return Check{Name: "credentials", Status: StatusPass, Message: "encrypted credentials at " + store.EncryptedPath()}
}

func checkJournal(path string) Check {
	if path == "" {
		return Check{Name: "journal", Status: StatusPass, Message: "decision journal disabled"}
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Check{Name: "journal", Status: StatusFail, Message: err.Error()}
		}
		dir := filepath.Dir(path)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return Check{
				Name:       "journal",
				Status:     StatusWarn,
				Message:    "journal directory does not exist: " + dir,
				FixCommand: "create the journal directory or change journal_path",
			}
		}
		return Check{Name: "journal", Status: StatusPass, Message: "journal will be created at " + path}
	}
	if err := validate.ValidateJSONLFile(verification.DecisionRecordSchema, path); err != nil {
		return Check{
			Name:       "journal",
			Status:     StatusFail,
			Message:    fmt.Sprintf("journal %s: %v", path, err),
			FixCommand: "move the corrupt journal aside",
		}
	}
	return Check{Name: "journal", Status: StatusPass, Message: "journal records valid at " + path}
}
