package credstore

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned by a SecretStore when the entry is absent.
// Any other error means the store itself is unavailable.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is the platform secret service holding the encryption key.
type SecretStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// KeyringStore is the OS keyring (Keychain, Secret Service, Credential
// Manager).
type KeyringStore struct{}

func (KeyringStore) Get(service, key string) (string, error) {
	value, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return value, err
}

func (KeyringStore) Set(service, key, value string) error {
	return keyring.Set(service, key, value)
}

func (KeyringStore) Delete(service, key string) error {
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrSecretNotFound
	}
	return err
}
