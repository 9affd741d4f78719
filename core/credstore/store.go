// Package credstore persists the agent credential record. The record is
// age-encrypted with an X25519 identity held in the platform secret store;
// when that store is unreachable it falls back to an owner-only plaintext
// file and says so.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/fsx"
)

const (
	DefaultService   = "agentgate"
	EncryptionKeyRef = "encryption-key"
	encryptedSuffix  = ".age"
	fileMode         = 0o600
)

type Format string

const (
	FormatNone      Format = "none"
	FormatEncrypted Format = "encrypted"
	FormatPlaintext Format = "plaintext"
)

var errEncryptionDisabled = errors.New("encryption disabled")

type Options struct {
	// Path of the plaintext record. The encrypted record lives at
	// Path+".age". Empty means DefaultPath().
	Path    string
	Service string
	// Secrets defaults to the OS keyring.
	Secrets SecretStore
	// DisableEncryption stores plaintext only. RequireEncryption refuses
	// the plaintext fallback. Setting both is a configuration error.
	DisableEncryption bool
	RequireEncryption bool
	Clock             clock.Clock
	Logger            *slog.Logger
}

type Store struct {
	path              string
	encryptedPath     string
	service           string
	secrets           SecretStore
	disableEncryption bool
	requireEncryption bool
	clock             clock.Clock
	logger            *slog.Logger
}

// DefaultPath is ~/.agentgate/credentials.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", coreerrors.Configuration("home_dir_unavailable", "resolve home directory: %v", err)
	}
	return filepath.Join(home, ".agentgate", "credentials.json"), nil
}

func New(opts Options) (*Store, error) {
	if opts.DisableEncryption && opts.RequireEncryption {
		return nil, coreerrors.Configuration("credential_encryption_conflict", "credential encryption cannot be both disabled and required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	path = filepath.Clean(path)
	if strings.HasSuffix(path, encryptedSuffix) {
		path = strings.TrimSuffix(path, encryptedSuffix)
	}
	service := strings.TrimSpace(opts.Service)
	if service == "" {
		service = DefaultService
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = KeyringStore{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:              path,
		encryptedPath:     path + encryptedSuffix,
		service:           service,
		secrets:           secrets,
		disableEncryption: opts.DisableEncryption,
		requireEncryption: opts.RequireEncryption,
		clock:             clock.OrReal(opts.Clock),
		logger:            logger,
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) EncryptedPath() string {
	return s.encryptedPath
}

// Save replaces the stored record. Whichever format is not written is
// removed so a later Load can never see a stale copy.
func (s *Store) Save(record Record) error {
	if strings.TrimSpace(record.RefreshToken) == "" {
		return coreerrors.InvalidInput("refresh_token_missing", "credential record requires a refresh token")
	}
	return s.withLock(func() error {
		_, err := s.saveLocked(record)
		return err
	})
}

// Load returns nil, nil when no record exists. The encrypted record is
// tried first. A plaintext record found while encryption is available is
// migrated to the encrypted format.
func (s *Store) Load() (*Record, error) {
	var loaded *Record
	err := s.withLock(func() error {
		record, err := s.loadLocked()
		loaded = record
		return err
	})
	return loaded, err
}

// Update runs fn on the current record and saves the result, holding the
// store lock across the read and the write so concurrent rotations cannot
// lose an update.
func (s *Store) Update(fn func(*Record) error) (Record, error) {
	var updated Record
	err := s.withLock(func() error {
		current, err := s.loadLocked()
		if err != nil {
			return err
		}
		if current == nil {
			current = &Record{}
		}
		if err := fn(current); err != nil {
			return err
		}
		if strings.TrimSpace(current.RefreshToken) == "" {
			return coreerrors.InvalidInput("refresh_token_missing", "credential record requires a refresh token")
		}
		saved, err := s.saveLocked(*current)
		if err != nil {
			return err
		}
		updated = saved
		return nil
	})
	return updated, err
}

// Delete removes both formats. A missing record is not an error.
func (s *Store) Delete() error {
	return s.withLock(func() error {
		var errs []error
		for _, path := range []string{s.encryptedPath, s.path} {
			if err := fsx.RemoveIfExists(path); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return coreerrors.IO(fmt.Errorf("delete credentials: %w", err), "credential_delete_failed")
		}
		return nil
	})
}

func (s *Store) Exists() bool {
	return s.Format() != FormatNone
}

// Format reports which file currently holds the record.
func (s *Store) Format() Format {
	if fileExists(s.encryptedPath) {
		return FormatEncrypted
	}
	if fileExists(s.path) {
		return FormatPlaintext
	}
	return FormatNone
}

func (s *Store) withLock(fn func() error) error {
	if err := fsx.EnsurePrivateDir(filepath.Dir(s.path)); err != nil {
		return coreerrors.IO(err, "credential_dir_failed")
	}
	if err := fsx.WithFileLock(s.path, fn); err != nil {
		if errors.Is(err, fsx.ErrLockTimeout) {
			return coreerrors.Wrap(err, coreerrors.CategoryStateContention, "credential_lock_timeout", "another process is holding the credential store", true)
		}
		return err
	}
	return nil
}

// saveLocked stamps UpdatedAt and returns the record as written.
func (s *Store) saveLocked(record Record) (Record, error) {
	record.UpdatedAt = s.clock.Now().UTC()
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Record{}, coreerrors.Wrap(fmt.Errorf("encode credentials: %w", err), coreerrors.CategoryInternalFailure, "credential_encode_failed", "", false)
	}
	payload = append(payload, '\n')

	identity, err := s.identity(true)
	if err == nil {
		ciphertext, err := encrypt(payload, identity.Recipient())
		if err != nil {
			return Record{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "credential_encrypt_failed", "", false)
		}
		if err := fsx.WriteFileAtomic(s.encryptedPath, ciphertext, fileMode); err != nil {
			return Record{}, coreerrors.IO(err, "credential_write_failed")
		}
		if err := fsx.RemoveIfExists(s.path); err != nil {
			return Record{}, coreerrors.IO(err, "credential_plaintext_cleanup_failed")
		}
		return record, nil
	}
	if s.requireEncryption {
		return Record{}, coreerrors.Configuration("credential_encryption_unavailable", "encrypted credential storage unavailable: %v", err)
	}
	if !errors.Is(err, errEncryptionDisabled) {
		s.logger.Warn("credential store using plaintext fallback",
			"path", s.path,
			"reason", err.Error(),
		)
	}
	if err := fsx.WriteFileAtomic(s.path, payload, fileMode); err != nil {
		return Record{}, coreerrors.IO(err, "credential_write_failed")
	}
	if err := fsx.RemoveIfExists(s.encryptedPath); err != nil {
		return Record{}, coreerrors.IO(err, "credential_encrypted_cleanup_failed")
	}
	return record, nil
}

func (s *Store) loadLocked() (*Record, error) {
	if fileExists(s.encryptedPath) {
		identity, err := s.identity(false)
		if err != nil {
			return nil, coreerrors.Configuration("credential_key_unavailable", "encrypted credentials present but the encryption key is unavailable: %v", err)
		}
		// #nosec G304 -- path is the configured credential location.
		ciphertext, err := os.ReadFile(s.encryptedPath)
		if err != nil {
			return nil, coreerrors.IO(fmt.Errorf("read encrypted credentials: %w", err), "credential_read_failed")
		}
		payload, err := decrypt(ciphertext, identity)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "credential_decrypt_failed", "the encryption key changed or the file is corrupted; re-register the agent", false)
		}
		return decodeRecord(payload)
	}
	if !fileExists(s.path) {
		return nil, nil
	}
	// #nosec G304 -- path is the configured credential location.
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return nil, coreerrors.IO(fmt.Errorf("read credentials: %w", err), "credential_read_failed")
	}
	record, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	if s.disableEncryption {
		return record, nil
	}
	if _, err := s.identity(true); err != nil {
		return record, nil
	}
	migrated, err := s.saveLocked(*record)
	if err != nil {
		s.logger.Warn("credential migration to encrypted storage failed", "path", s.path, "error", err.Error())
		return record, nil
	}
	s.logger.Info("credentials migrated to encrypted storage", "path", s.encryptedPath)
	return &migrated, nil
}

// identity fetches the age identity from the secret store, generating and
// storing one when create is set and none exists yet.
func (s *Store) identity(create bool) (*age.X25519Identity, error) {
	if s.disableEncryption {
		return nil, errEncryptionDisabled
	}
	value, err := s.secrets.Get(s.service, EncryptionKeyRef)
	switch {
	case err == nil:
		identity, parseErr := age.ParseX25519Identity(strings.TrimSpace(value))
		if parseErr != nil {
			return nil, fmt.Errorf("parse stored encryption key: %w", parseErr)
		}
		return identity, nil
	case errors.Is(err, ErrSecretNotFound) && create:
		identity, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, fmt.Errorf("generate encryption key: %w", genErr)
		}
		if setErr := s.secrets.Set(s.service, EncryptionKeyRef, identity.String()); setErr != nil {
			return nil, fmt.Errorf("store encryption key: %w", setErr)
		}
		s.logger.Info("generated credential encryption key", "service", s.service)
		return identity, nil
	default:
		return nil, fmt.Errorf("secret store: %w", err)
	}
}

func encrypt(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func decrypt(ciphertext []byte, identity age.Identity) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credentials: %w", err)
	}
	return plaintext, nil
}

func decodeRecord(payload []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("decode credentials: %w", err), coreerrors.CategoryConfiguration, "credential_decode_failed", "the credential file is corrupted; re-register the agent", false)
	}
	return &record, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
