package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/mediaswarm/internal/store"
)

// RefPrefix marks a config value that names a vault secret.
const RefPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore persists sealed secrets. Lookups return nil, nil when absent.
type SecretStore interface {
	SaveSecret(sec *store.Secret) error
	GetSecretByName(name string) (*store.Secret, error)
	ListSecrets() ([]store.Secret, error)
	DeleteSecret(id string) error
}

// Secrets manages named secrets sealed by a Vault.
type Secrets struct {
	vault *Vault
	store SecretStore
}

func NewSecrets(v *Vault, s SecretStore) *Secrets {
	return &Secrets{vault: v, store: s}
}

// Put seals value and stores it under name, replacing any previous value.
func (s *Secrets) Put(name, description string, value []byte) error {
	if name == "" {
		return errors.New("secret name is required")
	}
	ciphertext, nonce, err := s.vault.Encrypt(value)
	if err != nil {
		return err
	}
	return s.store.SaveSecret(&store.Secret{
		ID:          name,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

func (s *Secrets) Get(name string) ([]byte, error) {
	sec, err := s.store.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return s.vault.Decrypt(sec.Value, sec.Nonce)
}

// List returns secret metadata without values.
func (s *Secrets) List() ([]store.Secret, error) {
	return s.store.ListSecrets()
}

func (s *Secrets) Delete(name string) error {
	sec, err := s.store.GetSecretByName(name)
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return s.store.DeleteSecret(sec.ID)
}

// Resolve returns value unchanged unless it is a secret:<name> reference,
// in which case it returns the decrypted secret.
func (s *Secrets) Resolve(value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("resolve %s: %w", value, ErrNoPassphrase)
	}
	plaintext, err := s.Get(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	return string(plaintext), nil
}
