package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
)

type KeyMode string

const (
	ModeDev  KeyMode = "dev"
	ModeProd KeyMode = "prod"
)

const DevKeyWarning = "dev mode: ephemeral agent key generated; the backend will not recognise it after restart"

// KeyConfig names where the agent key comes from. Each half may be given
// inline (base64), as a file path, or as an environment variable name, but
// only one source per half.
type KeyConfig struct {
	Mode           KeyMode
	PrivateKey     string
	PrivateKeyPath string
	PrivateKeyEnv  string
	PublicKey      string
	PublicKeyPath  string
	PublicKeyEnv   string
}

// LoadSigner resolves cfg into a Signer. Every failure is a configuration
// error.
func LoadSigner(cfg KeyConfig) (*Signer, []string, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeProd
	}
	switch mode {
	case ModeDev:
		if cfg.hasAnyKeySource() {
			return nil, nil, coreerrors.Configuration("dev_mode_key_source", "dev mode does not accept explicit key sources")
		}
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, nil, coreerrors.Configuration("key_generation", "generate key: %v", err)
		}
		signer, err := NewSignerFromKeyPair(kp)
		if err != nil {
			return nil, nil, err
		}
		return signer, []string{DevKeyWarning}, nil
	case ModeProd:
		if !cfg.hasPrivateSource() {
			return nil, nil, coreerrors.Configuration("private_key_missing", "prod mode requires a private key source")
		}
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, nil, coreerrors.Configuration("private_key_invalid", "%v", err)
		}
		var pub ed25519.PublicKey
		if cfg.hasPublicSource() {
			pub, err = loadPublicKey(cfg)
			if err != nil {
				return nil, nil, coreerrors.Configuration("public_key_invalid", "%v", err)
			}
		}
		signer, err := NewSigner(priv, pub)
		if err != nil {
			return nil, nil, err
		}
		return signer, nil, nil
	default:
		return nil, nil, coreerrors.Configuration("key_mode_unsupported", "unsupported key mode: %q", cfg.Mode)
	}
}

func (cfg KeyConfig) hasPrivateSource() bool {
	return cfg.PrivateKey != "" || cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) hasPublicSource() bool {
	return cfg.PublicKey != "" || cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

func (cfg KeyConfig) hasAnyKeySource() bool {
	return cfg.hasPrivateSource() || cfg.hasPublicSource()
}

func countSources(values ...string) int {
	count := 0
	for _, value := range values {
		if value != "" {
			count++
		}
	}
	return count
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if countSources(cfg.PrivateKey, cfg.PrivateKeyPath, cfg.PrivateKeyEnv) > 1 {
		return nil, fmt.Errorf("private key source: set exactly one of inline, path or env")
	}
	switch {
	case cfg.PrivateKey != "":
		return ParsePrivateKeyBase64(strings.TrimSpace(cfg.PrivateKey))
	case cfg.PrivateKeyPath != "":
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	case cfg.PrivateKeyEnv != "":
		encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
		if !ok {
			return nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
		}
		return ParsePrivateKeyBase64(encoded)
	}
	return nil, fmt.Errorf("private key not configured")
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if countSources(cfg.PublicKey, cfg.PublicKeyPath, cfg.PublicKeyEnv) > 1 {
		return nil, fmt.Errorf("public key source: set exactly one of inline, path or env")
	}
	switch {
	case cfg.PublicKey != "":
		return ParsePublicKeyBase64(strings.TrimSpace(cfg.PublicKey))
	case cfg.PublicKeyPath != "":
		return LoadPublicKeyBase64(cfg.PublicKeyPath)
	case cfg.PublicKeyEnv != "":
		encoded, ok := readEnvValue(cfg.PublicKeyEnv)
		if !ok {
			return nil, fmt.Errorf("public key env not set: %s", cfg.PublicKeyEnv)
		}
		return ParsePublicKeyBase64(encoded)
	}
	return nil, fmt.Errorf("public key not configured")
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false
	}
	return val, true
}
