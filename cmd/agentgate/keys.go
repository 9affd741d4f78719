package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/agentgate/core/config"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/fsx"
	"github.com/davidahmann/agentgate/core/sign"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	KeyID          string `json:"key_id,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	PublicKey      string `json:"public_key,omitempty"`
}

type keysVerifyOutput struct {
	OK        bool     `json:"ok"`
	KeyMode   string   `json:"key_mode"`
	KeyID     string   `json:"key_id,omitempty"`
	PublicKey string   `json:"public_key,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (c *cli) runKeys(arguments []string) int {
	if len(arguments) == 0 || subcommandHelp(arguments) {
		fmt.Fprintln(c.stdout, "Usage: agentgate keys init|verify [flags]")
		if len(arguments) == 0 {
			return exitInvalidInput
		}
		return exitOK
	}
	switch arguments[0] {
	case "init":
		return c.runKeysInit(arguments[1:])
	case "verify":
		return c.runKeysVerify(arguments[1:])
	default:
		fmt.Fprintf(c.stderr, "unknown keys command %q\n", arguments[0])
		return exitInvalidInput
	}
}

func (c *cli) runKeysInit(arguments []string) int {
	var common commonFlags
	var outDir, prefix string
	var force bool
	flags := newFlagSet("keys init", &common)
	flags.StringVar(&outDir, "out-dir", filepath.Join(config.DefaultDir, "keys"), "directory for the key files")
	flags.StringVar(&prefix, "prefix", "agent", "file name prefix")
	flags.BoolVar(&force, "force", false, "overwrite existing key files")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate keys init [--out-dir <dir>] [--prefix <name>] [--force] [--json]"); done {
		return code
	}

	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.ContainsAny(prefix, `/\`) {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("key_prefix_invalid", "--prefix must be a plain file name"))
	}
	privatePath := filepath.Join(outDir, prefix+".key")
	publicPath := filepath.Join(outDir, prefix+".pub")
	if !force {
		for _, path := range []string{privatePath, publicPath} {
			if _, err := os.Stat(path); err == nil {
				return c.writeError(common.jsonOutput, coreerrors.InvalidInput("key_exists", "%s already exists (use --force to overwrite)", path))
			}
		}
	}

	keyPair, err := sign.GenerateKeyPair()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	if err := fsx.EnsurePrivateDir(outDir); err != nil {
		return c.writeError(common.jsonOutput, coreerrors.IO(err, "key_dir_create"))
	}
	if err := fsx.WriteFileAtomic(privatePath, []byte(sign.EncodePrivateKeyBase64(keyPair.Private)+"\n"), 0o600); err != nil {
		return c.writeError(common.jsonOutput, coreerrors.IO(err, "key_write"))
	}
	if err := fsx.WriteFileAtomic(publicPath, []byte(sign.EncodePublicKeyBase64(keyPair.Public)+"\n"), 0o644); err != nil {
		return c.writeError(common.jsonOutput, coreerrors.IO(err, "key_write"))
	}

	output := keysInitOutput{
		OK:             true,
		KeyID:          sign.KeyID(keyPair.Public),
		PrivateKeyPath: privatePath,
		PublicKeyPath:  publicPath,
		PublicKey:      sign.EncodePublicKeyBase64(keyPair.Public),
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "keys written: %s %s\n", privatePath, publicPath)
		fmt.Fprintf(c.stdout, "key_id: %s\n", output.KeyID)
		fmt.Fprintf(c.stdout, "public_key: %s\n", output.PublicKey)
	}, exitOK)
}

func (c *cli) runKeysVerify(arguments []string) int {
	var common commonFlags
	var privatePath, publicPath, privateEnv string
	flags := newFlagSet("keys verify", &common)
	flags.StringVar(&privatePath, "private-key", "", "private key file (overrides config)")
	flags.StringVar(&privateEnv, "private-key-env", "", "environment variable holding the private key (overrides config)")
	flags.StringVar(&publicPath, "public-key", "", "public key file to check against the private key")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate keys verify [--private-key <path>|--private-key-env <VAR>] [--public-key <path>] [--json]"); done {
		return code
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	keys := sign.KeyConfig{
		Mode:           sign.KeyMode(cfg.KeyMode),
		PrivateKey:     cfg.PrivateKey,
		PrivateKeyPath: cfg.PrivateKeyPath,
		PrivateKeyEnv:  cfg.PrivateKeyEnv,
		PublicKey:      cfg.PublicKey,
		PublicKeyPath:  cfg.PublicKeyPath,
		PublicKeyEnv:   cfg.PublicKeyEnv,
	}
	if privatePath != "" || privateEnv != "" {
		keys.Mode = sign.ModeProd
		keys.PrivateKey, keys.PrivateKeyPath, keys.PrivateKeyEnv = "", privatePath, privateEnv
	}
	if publicPath != "" {
		keys.PublicKey, keys.PublicKeyPath, keys.PublicKeyEnv = "", publicPath, ""
	}
	signer, warnings, err := sign.LoadSigner(keys)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	mode := keys.Mode
	if mode == "" {
		mode = sign.ModeProd
	}
	output := keysVerifyOutput{
		OK:        true,
		KeyMode:   string(mode),
		KeyID:     signer.KeyID(),
		PublicKey: signer.PublicKeyBase64(),
		Warnings:  warnings,
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "key ok (%s)\n", output.KeyMode)
		fmt.Fprintf(c.stdout, "key_id: %s\n", output.KeyID)
		for _, warning := range warnings {
			fmt.Fprintln(c.stderr, "warning:", warning)
		}
	}, exitOK)
}
