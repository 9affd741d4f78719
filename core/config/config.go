// Package config loads the agentgate YAML configuration and applies
// AGENTGATE_* environment overrides.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/agentgate/core/capability"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/goccy/go-yaml"
)

const (
	DefaultDir      = ".agentgate"
	DefaultFileName = "config.yaml"
	EnvPrefix       = "AGENTGATE_"
)

type Config struct {
	BaseURL             string                  `yaml:"base_url"`
	AgentID             string                  `yaml:"agent_id"`
	KeyMode             string                  `yaml:"key_mode"`
	PrivateKey          string                  `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv       string                  `yaml:"private_key_env"`
	PrivateKeyPath      string                  `yaml:"private_key_path"`
	PublicKey           string                  `yaml:"public_key"`
	PublicKeyEnv        string                  `yaml:"public_key_env"`
	PublicKeyPath       string                  `yaml:"public_key_path"`
	RequestTimeout      string                  `yaml:"request_timeout"`
	VerificationTimeout string                  `yaml:"verification_timeout"`
	JournalPath         string                  `yaml:"journal_path"`
	Retry               RetryConfig             `yaml:"retry"`
	Credentials         CredentialsConfig       `yaml:"credentials"`
	Interception        InterceptionConfig      `yaml:"interception"`
	Capabilities        []capability.Capability `yaml:"capabilities"`
}

type RetryConfig struct {
	MaxAttempts      int    `yaml:"max_attempts"`
	BaseDelay        string `yaml:"base_delay"`
	MaxDelay         string `yaml:"max_delay"`
	RetrySubmissions bool   `yaml:"retry_submissions"`
}

type CredentialsConfig struct {
	Path string `yaml:"path"`
	// Encrypt defaults to true when unset.
	Encrypt           *bool  `yaml:"encrypt"`
	RequireEncryption bool   `yaml:"require_encryption"`
	KeyringService    string `yaml:"keyring_service"`
}

type InterceptionConfig struct {
	Graceful         bool   `yaml:"graceful"`
	DefaultRiskLevel string `yaml:"default_risk_level"`
	LogDenials       bool   `yaml:"log_denials"`
	MaxArgChars      int    `yaml:"max_arg_chars"`
}

// Durations holds the parsed duration fields. Zero means "use the
// component default".
type Durations struct {
	RequestTimeout      time.Duration
	VerificationTimeout time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
}

// DefaultPath is ~/.agentgate/config.yaml, or a relative path when the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(DefaultDir, DefaultFileName)
	}
	return filepath.Join(home, DefaultDir, DefaultFileName)
}

// Load reads path, applies environment overrides, and validates the result.
// A missing file yields an env-only configuration when allowMissing is set.
func Load(path string, allowMissing bool) (Config, error) {
	return LoadWithEnv(path, allowMissing, os.LookupEnv)
}

func LoadWithEnv(path string, allowMissing bool, lookup func(string) (string, bool)) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, coreerrors.Configuration("config_path_missing", "config path is required")
	}

	var configuration Config
	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && allowMissing:
	case err != nil:
		return Config{}, coreerrors.Configuration("config_unreadable", "read config: %v", err)
	case len(strings.TrimSpace(string(content))) > 0:
		if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.Strict()); err != nil {
			return Config{}, coreerrors.Configuration("config_invalid", "parse config %s: %v", trimmedPath, err)
		}
	}
	if err := configuration.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	configuration.normalize()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func (configuration *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	strs := map[string]*string{
		"BASE_URL":             &configuration.BaseURL,
		"AGENT_ID":             &configuration.AgentID,
		"KEY_MODE":             &configuration.KeyMode,
		"PRIVATE_KEY":          &configuration.PrivateKey,
		"PRIVATE_KEY_PATH":     &configuration.PrivateKeyPath,
		"PUBLIC_KEY":           &configuration.PublicKey,
		"PUBLIC_KEY_PATH":      &configuration.PublicKeyPath,
		"REQUEST_TIMEOUT":      &configuration.RequestTimeout,
		"VERIFICATION_TIMEOUT": &configuration.VerificationTimeout,
		"JOURNAL_PATH":         &configuration.JournalPath,
		"CREDENTIALS_PATH":     &configuration.Credentials.Path,
		"KEYRING_SERVICE":      &configuration.Credentials.KeyringService,
		"DEFAULT_RISK_LEVEL":   &configuration.Interception.DefaultRiskLevel,
	}
	for suffix, target := range strs {
		if value, ok := lookup(EnvPrefix + suffix); ok && strings.TrimSpace(value) != "" {
			*target = value
		}
	}
	bools := map[string]*bool{
		"GRACEFUL":           &configuration.Interception.Graceful,
		"LOG_DENIALS":        &configuration.Interception.LogDenials,
		"REQUIRE_ENCRYPTION": &configuration.Credentials.RequireEncryption,
		"RETRY_SUBMISSIONS":  &configuration.Retry.RetrySubmissions,
	}
	for suffix, target := range bools {
		value, ok := lookup(EnvPrefix + suffix)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return coreerrors.Configuration("config_env_invalid", "%s%s: %v", EnvPrefix, suffix, err)
		}
		*target = parsed
	}
	if value, ok := lookup(EnvPrefix + "ENCRYPT_CREDENTIALS"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return coreerrors.Configuration("config_env_invalid", "%sENCRYPT_CREDENTIALS: %v", EnvPrefix, err)
		}
		configuration.Credentials.Encrypt = &parsed
	}
	return nil
}

func (configuration *Config) normalize() {
	configuration.BaseURL = strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	configuration.AgentID = strings.TrimSpace(configuration.AgentID)
	configuration.KeyMode = strings.ToLower(strings.TrimSpace(configuration.KeyMode))
	configuration.PrivateKey = strings.TrimSpace(configuration.PrivateKey)
	configuration.PrivateKeyEnv = strings.TrimSpace(configuration.PrivateKeyEnv)
	configuration.PrivateKeyPath = strings.TrimSpace(configuration.PrivateKeyPath)
	configuration.PublicKey = strings.TrimSpace(configuration.PublicKey)
	configuration.PublicKeyEnv = strings.TrimSpace(configuration.PublicKeyEnv)
	configuration.PublicKeyPath = strings.TrimSpace(configuration.PublicKeyPath)
	configuration.RequestTimeout = strings.TrimSpace(configuration.RequestTimeout)
	configuration.VerificationTimeout = strings.TrimSpace(configuration.VerificationTimeout)
	configuration.JournalPath = strings.TrimSpace(configuration.JournalPath)
	configuration.Retry.BaseDelay = strings.TrimSpace(configuration.Retry.BaseDelay)
	configuration.Retry.MaxDelay = strings.TrimSpace(configuration.Retry.MaxDelay)
	configuration.Credentials.Path = strings.TrimSpace(configuration.Credentials.Path)
	configuration.Credentials.KeyringService = strings.TrimSpace(configuration.Credentials.KeyringService)
	configuration.Interception.DefaultRiskLevel = strings.ToLower(strings.TrimSpace(configuration.Interception.DefaultRiskLevel))
	for index := range configuration.Capabilities {
		entry := &configuration.Capabilities[index]
		entry.Type = strings.TrimSpace(entry.Type)
		entry.RiskLevel = strings.TrimSpace(entry.RiskLevel)
		entry.DetectedVia = strings.TrimSpace(entry.DetectedVia)
	}
}

// Validate checks values that can be checked without touching the network
// or key material.
func (configuration Config) Validate() error {
	switch configuration.KeyMode {
	case "", "dev", "prod":
	default:
		return coreerrors.Configuration("config_key_mode_invalid", "key_mode must be dev or prod, got %q", configuration.KeyMode)
	}
	if configuration.Retry.MaxAttempts < 0 {
		return coreerrors.Configuration("config_retry_invalid", "retry.max_attempts must be >= 0")
	}
	if configuration.Interception.MaxArgChars < 0 {
		return coreerrors.Configuration("config_interception_invalid", "interception.max_arg_chars must be >= 0")
	}
	if configuration.Credentials.Encrypt != nil && !*configuration.Credentials.Encrypt && configuration.Credentials.RequireEncryption {
		return coreerrors.Configuration("config_credentials_invalid", "credentials.encrypt=false conflicts with credentials.require_encryption")
	}
	_, err := configuration.Durations()
	return err
}

func (configuration Config) Durations() (Durations, error) {
	var out Durations
	var err error
	if out.RequestTimeout, err = parseDuration("request_timeout", configuration.RequestTimeout); err != nil {
		return Durations{}, err
	}
	if out.VerificationTimeout, err = parseDuration("verification_timeout", configuration.VerificationTimeout); err != nil {
		return Durations{}, err
	}
	if out.RetryBaseDelay, err = parseDuration("retry.base_delay", configuration.Retry.BaseDelay); err != nil {
		return Durations{}, err
	}
	if out.RetryMaxDelay, err = parseDuration("retry.max_delay", configuration.Retry.MaxDelay); err != nil {
		return Durations{}, err
	}
	return out, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, coreerrors.Configuration("config_duration_invalid", "%s: %v", name, err)
	}
	if parsed < 0 {
		return 0, coreerrors.Configuration("config_duration_invalid", "%s must not be negative", name)
	}
	return parsed, nil
}

// EncryptCredentials reports whether the credential store should encrypt
// at rest.
func (configuration Config) EncryptCredentials() bool {
	return configuration.Credentials.Encrypt == nil || *configuration.Credentials.Encrypt
}
