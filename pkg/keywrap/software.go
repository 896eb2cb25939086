package keywrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/pkg/crypto"
)

const (
	keyFileSuffix = ".key"
	keyFileMode   = 0600
	keyDirMode    = 0700
)

// SoftwareConfig configures a SoftwareWrapper.
type SoftwareConfig struct {
	// Dir holds one key file per alias.
	Dir string

	// CurrentAlias is used for every new wrap.
	CurrentAlias string

	// LegacyAliases lists aliases from earlier releases. Only these are
	// ever deleted during migration.
	LegacyAliases []string

	Logger *zerolog.Logger
}

// Validate checks the configuration.
func (c *SoftwareConfig) Validate() error {
	if c == nil {
		return errors.New("keywrap: config is nil")
	}
	if c.Dir == "" {
		return errors.New("keywrap: key directory is required")
	}
	if err := ValidateAlias(c.CurrentAlias); err != nil {
		return fmt.Errorf("%w: current alias %q", err, c.CurrentAlias)
	}
	for _, alias := range c.LegacyAliases {
		if err := ValidateAlias(alias); err != nil {
			return fmt.Errorf("%w: legacy alias %q", err, alias)
		}
		if alias == c.CurrentAlias {
			return fmt.Errorf("keywrap: alias %q cannot be both current and legacy", alias)
		}
	}
	return nil
}

// SoftwareWrapper keeps random AES-256 wrapping keys in files and wraps with
// AES-256-GCM. A missing key file or one of the wrong length is reported as
// ErrKeyInvalidated, mirroring how a platform keystore reports a revoked key.
// A tag failure under a present key is ErrCorruptCiphertext.
type SoftwareWrapper struct {
	dir     string
	current string
	legacy  []string
	mu      sync.Mutex
	log     zerolog.Logger
}

// NewSoftwareWrapper creates the key directory if needed.
func NewSoftwareWrapper(cfg SoftwareConfig) (*SoftwareWrapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, keyDirMode); err != nil {
		return nil, fmt.Errorf("keywrap: failed to create key directory: %w", err)
	}

	w := &SoftwareWrapper{
		dir:     cfg.Dir,
		current: cfg.CurrentAlias,
		legacy:  slices.Clone(cfg.LegacyAliases),
		log:     zerolog.Nop(),
	}
	if cfg.Logger != nil {
		w.log = *cfg.Logger
	}
	return w, nil
}

// Wrap encrypts plaintext under alias, generating the key on first use.
func (w *SoftwareWrapper) Wrap(ctx context.Context, plaintext []byte, alias string) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := ValidateAlias(alias); err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key, err := w.loadKey(alias)
	if errors.Is(err, os.ErrNotExist) {
		key, err = w.createKey(alias)
	}
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(key)

	ciphertext, iv, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("keywrap: wrap under %q: %w", alias, err)
	}
	return ciphertext, iv, nil
}

// Unwrap decrypts ciphertext wrapped under alias.
func (w *SoftwareWrapper) Unwrap(ctx context.Context, ciphertext, iv []byte, alias string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateAlias(alias); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key, err := w.loadKey(alias)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no key for alias %q", ErrKeyInvalidated, alias)
	}
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	plaintext, err := crypto.Decrypt(key, ciphertext, iv)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) || errors.Is(err, crypto.ErrCiphertextTooShort) {
			return nil, fmt.Errorf("%w: under key %q", ErrCorruptCiphertext, alias)
		}
		return nil, fmt.Errorf("keywrap: unwrap under %q: %w", alias, err)
	}
	return plaintext, nil
}

// CurrentAlias returns the alias new envelopes use.
func (w *SoftwareWrapper) CurrentAlias() string {
	return w.current
}

// IsCurrentAlias reports whether alias is the current alias.
func (w *SoftwareWrapper) IsCurrentAlias(alias string) bool {
	return alias == w.current
}

// IsLegacyAlias reports whether alias is a configured legacy alias.
func (w *SoftwareWrapper) IsLegacyAlias(alias string) bool {
	return slices.Contains(w.legacy, alias)
}

// DeleteKey removes the key file for alias. Deleting a missing key is not an error.
func (w *SoftwareWrapper) DeleteKey(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAlias(alias); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.Remove(w.keyPath(alias)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keywrap: failed to delete key %q: %w", alias, err)
	}
	w.log.Info().Str("alias", alias).Msg("wrapping key deleted")
	return nil
}

// HasKey reports whether a key file exists for alias.
func (w *SoftwareWrapper) HasKey(alias string) bool {
	if ValidateAlias(alias) != nil {
		return false
	}
	_, err := os.Stat(w.keyPath(alias))
	return err == nil
}

func (w *SoftwareWrapper) keyPath(alias string) string {
	return filepath.Join(w.dir, alias+keyFileSuffix)
}

func (w *SoftwareWrapper) loadKey(alias string) ([]byte, error) {
	key, err := os.ReadFile(w.keyPath(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("keywrap: failed to read key %q: %w", alias, err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("%w: key %q has wrong length", ErrKeyInvalidated, alias)
	}
	return key, nil
}

func (w *SoftwareWrapper) createKey(alias string) ([]byte, error) {
	key, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("keywrap: failed to generate key %q: %w", alias, err)
	}

	// O_EXCL so a concurrent process cannot silently replace a key.
	f, err := os.OpenFile(w.keyPath(alias), os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
	if err != nil {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("keywrap: failed to create key %q: %w", alias, err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(w.keyPath(alias))
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("keywrap: failed to write key %q: %w", alias, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(w.keyPath(alias))
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("keywrap: failed to close key %q: %w", alias, err)
	}

	w.log.Info().Str("alias", alias).Msg("wrapping key created")
	return key, nil
}
