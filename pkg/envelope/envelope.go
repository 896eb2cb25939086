// Package envelope keeps custody of the vault's random master passphrase.
//
// The passphrase is never stored in the clear. It is wrapped under a named
// wrapping key (see package keywrap) and the resulting envelope is persisted
// as a single record in the preference store. The Store generates the
// passphrase on first use, migrates envelopes off legacy wrapping keys, and
// recovers from platform key invalidation by regenerating the passphrase and
// raising a one-time recovery notice.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// PassphraseLength is the size in bytes of the vault passphrase.
const PassphraseLength = 32

const fieldSeparator = ":"

var (
	// ErrStorageUnavailable is returned while the preference store is locked.
	// The caller should ask the user to unlock the device first.
	ErrStorageUnavailable = errors.New("envelope: storage unavailable")

	// ErrMalformedEnvelope is returned when the persisted envelope cannot be
	// decoded or does not hold a passphrase of the expected size. The caller
	// may recover with Store.Reset.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

	// ErrNoEnvelope is returned by Rotate when nothing has been stored yet.
	ErrNoEnvelope = errors.New("envelope: no envelope stored")
)

// Envelope is a passphrase encrypted under the wrapping key named by KeyAlias.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	KeyAlias   string
}

// Encode serializes e as base64(ciphertext):base64(iv):alias.
func Encode(e Envelope) string {
	return base64.StdEncoding.EncodeToString(e.Ciphertext) + fieldSeparator +
		base64.StdEncoding.EncodeToString(e.IV) + fieldSeparator +
		e.KeyAlias
}

// Decode parses the output of Encode. Input that does not split into exactly
// three fields, has invalid base64, or names no alias fails with
// ErrMalformedEnvelope.
func Decode(s string) (Envelope, error) {
	parts := strings.Split(s, fieldSeparator)
	if len(parts) != 3 {
		return Envelope{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedEnvelope, len(parts))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	if parts[2] == "" {
		return Envelope{}, fmt.Errorf("%w: empty key alias", ErrMalformedEnvelope)
	}

	return Envelope{Ciphertext: ciphertext, IV: iv, KeyAlias: parts[2]}, nil
}
