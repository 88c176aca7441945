package config

import (
	"errors"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/researchops/gatekeeper/internal/gkerrors"
)

const (
	defaultKeyringService = "gatekeeper"
	defaultKeyringAccount = "master-passphrase"
	defaultPassphraseEnv  = "GATEKEEPER_MASTER_PASSPHRASE"
)

// MasterPassphrase resolves the master passphrase: OS keyring first,
// then the environment variable. Failure here aborts startup; the core
// never runs without its key.
func (c *Config) MasterPassphrase() ([]byte, error) {
	src := PassphraseSource{}
	if c.Definition != nil {
		src = c.Definition.MasterPassphrase
	}
	if src.KeyringService == "" {
		src.KeyringService = defaultKeyringService
	}
	if src.KeyringAccount == "" {
		src.KeyringAccount = defaultKeyringAccount
	}
	if src.Env == "" {
		src.Env = defaultPassphraseEnv
	}

	secret, err := keyring.Get(src.KeyringService, src.KeyringAccount)
	if err == nil && secret != "" {
		return []byte(secret), nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// Keyring backend unavailable (headless box, no Secret
		// Service). Fall through to the environment variable.
		if c.Logger != nil {
			c.Logger.Debug("keyring unavailable: %v", err)
		}
	}

	if v := os.Getenv(src.Env); v != "" {
		return []byte(v), nil
	}

	return nil, gkerrors.ConfigError{
		Field:      "master_passphrase",
		Message:    "master passphrase not found in keyring or environment",
		Suggestion: "Store it with 'gatekeeper doctor --set-passphrase', or export " + src.Env,
	}
}

// StoreMasterPassphrase writes the passphrase to the OS keyring.
func (c *Config) StoreMasterPassphrase(passphrase string) error {
	src := PassphraseSource{}
	if c.Definition != nil {
		src = c.Definition.MasterPassphrase
	}
	if src.KeyringService == "" {
		src.KeyringService = defaultKeyringService
	}
	if src.KeyringAccount == "" {
		src.KeyringAccount = defaultKeyringAccount
	}
	if err := keyring.Set(src.KeyringService, src.KeyringAccount, passphrase); err != nil {
		return gkerrors.ConfigError{
			Field:      "master_passphrase",
			Message:    "failed to store passphrase in OS keyring",
			Suggestion: "On headless machines export " + defaultPassphraseEnv + " instead",
		}
	}
	return nil
}
