package credstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
)

type memorySecrets struct {
	mu      sync.Mutex
	values  map[string]string
	failGet error
	failSet error
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{values: map[string]string{}}
}

func (m *memorySecrets) Get(service, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return "", m.failGet
	}
	value, ok := m.values[service+"/"+key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (m *memorySecrets) Set(service, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.values[service+"/"+key] = value
	return nil
}

func (m *memorySecrets) Delete(service, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, service+"/"+key)
	return nil
}

func newTestStore(t *testing.T, path string, secrets SecretStore, logger *slog.Logger) *Store {
	t.Helper()
	store, err := New(Options{
		Path:    path,
		Secrets: secrets,
		Clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleRecord() Record {
	return Record{
		AgentID:      "agt-1",
		User:         "ops@example.com",
		BaseURL:      "https://gate.example.com",
		RefreshToken: "refresh-token-one",
	}
}

func TestSaveLoadEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgate", "credentials.json")
	store := newTestStore(t, path, newMemorySecrets(), nil)

	if store.Exists() {
		t.Fatalf("expected no record before save")
	}
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.Format() != FormatEncrypted {
		t.Fatalf("expected encrypted format, got %s", store.Format())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no plaintext file, stat err=%v", err)
	}
	ciphertext, err := os.ReadFile(store.EncryptedPath())
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("refresh-token-one")) {
		t.Fatalf("refresh token visible in ciphertext")
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(store.EncryptedPath())
		if err != nil {
			t.Fatalf("stat ciphertext: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600, got %#o", info.Mode().Perm())
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.RefreshToken != "refresh-token-one" || loaded.AgentID != "agt-1" {
		t.Fatalf("unexpected record: %#v", loaded)
	}
	if !loaded.UpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at %s", loaded.UpdatedAt)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "credentials.json"), newMemorySecrets(), nil)
	record, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record, got %#v", record)
	}
}

func TestSaveFallsBackToPlaintextWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	secrets := newMemorySecrets()
	secrets.failGet = errors.New("dbus unavailable")
	var logs bytes.Buffer
	store := newTestStore(t, path, secrets, slog.New(slog.NewTextHandler(&logs, nil)))

	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.Format() != FormatPlaintext {
		t.Fatalf("expected plaintext format, got %s", store.Format())
	}
	if !strings.Contains(logs.String(), "credential store using plaintext fallback") {
		t.Fatalf("expected fallback warning, got %q", logs.String())
	}
	if strings.Contains(logs.String(), "refresh-token-one") {
		t.Fatalf("refresh token leaked into logs")
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat plaintext: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600, got %#o", info.Mode().Perm())
		}
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.RefreshToken != "refresh-token-one" {
		t.Fatalf("unexpected record: %#v", loaded)
	}
}

func TestRequireEncryptionRefusesFallback(t *testing.T) {
	secrets := newMemorySecrets()
	secrets.failGet = errors.New("no keyring")
	store, err := New(Options{
		Path:              filepath.Join(t.TempDir(), "credentials.json"),
		Secrets:           secrets,
		RequireEncryption: true,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(sampleRecord()); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if store.Exists() {
		t.Fatalf("expected nothing written")
	}
}

func TestNewRejectsConflictingEncryptionOptions(t *testing.T) {
	_, err := New(Options{Path: "credentials.json", DisableEncryption: true, RequireEncryption: true})
	if !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadMigratesPlaintextToEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	plain, err := New(Options{Path: path, DisableEncryption: true})
	if err != nil {
		t.Fatalf("new plaintext store: %v", err)
	}
	if err := plain.Save(sampleRecord()); err != nil {
		t.Fatalf("save plaintext: %v", err)
	}
	if plain.Format() != FormatPlaintext {
		t.Fatalf("expected plaintext, got %s", plain.Format())
	}

	store := newTestStore(t, path, newMemorySecrets(), nil)
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.RefreshToken != "refresh-token-one" {
		t.Fatalf("unexpected record: %#v", loaded)
	}
	if store.Format() != FormatEncrypted {
		t.Fatalf("expected migration to encrypted, got %s", store.Format())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected plaintext removed after migration, stat err=%v", err)
	}
}

func TestFallbackSaveRemovesStaleEncryptedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	secrets := newMemorySecrets()
	store := newTestStore(t, path, secrets, nil)
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save encrypted: %v", err)
	}

	secrets.failGet = errors.New("keyring locked")
	rotated := sampleRecord()
	rotated.RefreshToken = "refresh-token-two"
	if err := store.Save(rotated); err != nil {
		t.Fatalf("save fallback: %v", err)
	}
	if _, err := os.Stat(store.EncryptedPath()); !os.IsNotExist(err) {
		t.Fatalf("expected stale encrypted record removed, stat err=%v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RefreshToken != "refresh-token-two" {
		t.Fatalf("expected rotated token, got %q", loaded.RefreshToken)
	}
}

func TestLoadEncryptedWithoutKeyIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	secrets := newMemorySecrets()
	store := newTestStore(t, path, secrets, nil)
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	other := newTestStore(t, path, newMemorySecrets(), nil)
	if _, err := other.Load(); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestUpdateRotatesRefreshToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := newTestStore(t, path, newMemorySecrets(), nil)
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated, err := store.Update(func(record *Record) error {
		record.RefreshToken = "refresh-token-two"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.RefreshToken != "refresh-token-two" || updated.AgentID != "agt-1" {
		t.Fatalf("unexpected updated record: %#v", updated)
	}
	ciphertext, err := os.ReadFile(store.EncryptedPath())
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("refresh-token")) {
		t.Fatalf("token visible in ciphertext")
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RefreshToken != "refresh-token-two" {
		t.Fatalf("expected only the new token, got %q", loaded.RefreshToken)
	}
}

func TestUpdateCallbackErrorLeavesRecord(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "credentials.json"), newMemorySecrets(), nil)
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	boom := errors.New("boom")
	if _, err := store.Update(func(record *Record) error {
		record.RefreshToken = "never-written"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RefreshToken != "refresh-token-one" {
		t.Fatalf("expected original token, got %q", loaded.RefreshToken)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	secrets := newMemorySecrets()
	seed := sampleRecord()
	seed.User = "0"
	if err := newTestStore(t, path, secrets, nil).Save(seed); err != nil {
		t.Fatalf("save: %v", err)
	}

	const writers = 20
	var group sync.WaitGroup
	for index := 0; index < writers; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			store, err := New(Options{Path: path, Secrets: secrets})
			if err != nil {
				t.Errorf("new store: %v", err)
				return
			}
			if _, err := store.Update(func(record *Record) error {
				count, err := strconv.Atoi(record.User)
				if err != nil {
					return err
				}
				record.User = strconv.Itoa(count + 1)
				return nil
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	group.Wait()

	loaded, err := newTestStore(t, path, secrets, nil).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.User != fmt.Sprint(writers) {
		t.Fatalf("expected %d updates, got %s", writers, loaded.User)
	}
}

func TestDeleteRemovesBothFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := newTestStore(t, path, newMemorySecrets(), nil)
	if err := store.Delete(); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"refresh_token":"stale"}`), 0o600); err != nil {
		t.Fatalf("write stale plaintext: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Exists() {
		t.Fatalf("expected no record after delete")
	}
}

func TestSaveRejectsEmptyRefreshToken(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "credentials.json"), newMemorySecrets(), nil)
	err := store.Save(Record{AgentID: "agt-1"})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestKeyringStoreBacksEncryption(t *testing.T) {
	keyring.MockInit()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := New(Options{Path: path, Service: "agentgate-test"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.Format() != FormatEncrypted {
		t.Fatalf("expected encrypted format, got %s", store.Format())
	}
	stored, err := keyring.Get("agentgate-test", EncryptionKeyRef)
	if err != nil {
		t.Fatalf("keyring get: %v", err)
	}
	if !strings.HasPrefix(stored, "AGE-SECRET-KEY-1") {
		t.Fatalf("unexpected stored key format")
	}
	if _, err := (KeyringStore{}).Get("agentgate-test", "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestKeyringUnavailableFallsBack(t *testing.T) {
	keyring.MockInitWithError(errors.New("secret service not running"))
	t.Cleanup(keyring.MockInit)
	store, err := New(Options{Path: filepath.Join(t.TempDir(), "credentials.json")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(sampleRecord()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if store.Format() != FormatPlaintext {
		t.Fatalf("expected plaintext fallback, got %s", store.Format())
	}
}

func TestRecordLogValueHidesTokens(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	record := sampleRecord()
	record.AccessToken = "access-secret"
	logger.Info("record", "credentials", record)
	if strings.Contains(logs.String(), "refresh-token-one") || strings.Contains(logs.String(), "access-secret") {
		t.Fatalf("token leaked: %s", logs.String())
	}
	if !strings.Contains(logs.String(), Fingerprint("refresh-token-one")) {
		t.Fatalf("expected fingerprint in %s", logs.String())
	}
	if Fingerprint("") != "none" {
		t.Fatalf("unexpected empty fingerprint")
	}
}
