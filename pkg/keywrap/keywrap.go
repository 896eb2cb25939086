// Package keywrap defines the key-wrapping capability the envelope store
// relies on, and a software implementation for hosts without a hardware
// keystore.
//
// A wrapping key is addressed by alias and is only ever used to encrypt or
// decrypt another key. Implementations backed by an OS keystore, secure
// enclave or HSM satisfy the same Wrapper interface.
package keywrap

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrKeyInvalidated means the wrapping key is gone or unusable. Secrets
	// wrapped under it are unrecoverable.
	ErrKeyInvalidated = errors.New("keywrap: wrapping key invalidated")

	// ErrCorruptCiphertext means the key is present but the ciphertext failed
	// authentication under it.
	ErrCorruptCiphertext = errors.New("keywrap: ciphertext failed authentication")

	// ErrInvalidAlias is returned for empty aliases or aliases containing
	// characters that would break the envelope encoding or escape the key
	// directory.
	ErrInvalidAlias = errors.New("keywrap: invalid key alias")
)

// Wrapper wraps and unwraps secrets under named keys.
type Wrapper interface {
	// Wrap encrypts plaintext under alias, creating the key if needed.
	Wrap(ctx context.Context, plaintext []byte, alias string) (ciphertext, iv []byte, err error)

	// Unwrap decrypts ciphertext. It returns ErrKeyInvalidated (possibly
	// wrapped) only when the key can no longer be used, and
	// ErrCorruptCiphertext when a usable key rejects the ciphertext.
	Unwrap(ctx context.Context, ciphertext, iv []byte, alias string) ([]byte, error)

	// CurrentAlias is the alias new envelopes are wrapped under.
	CurrentAlias() string

	IsCurrentAlias(alias string) bool

	// IsLegacyAlias reports whether alias is known to belong to an older
	// release and is safe to delete once migrated.
	IsLegacyAlias(alias string) bool

	DeleteKey(ctx context.Context, alias string) error
}

// ValidateAlias rejects aliases that cannot be stored safely.
func ValidateAlias(alias string) error {
	if alias == "" || len(alias) > 128 {
		return ErrInvalidAlias
	}
	if strings.ContainsAny(alias, ":/\\") || strings.HasPrefix(alias, ".") {
		return ErrInvalidAlias
	}
	return nil
}
