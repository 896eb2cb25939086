// Package crypto provides the cryptographic primitives used by vaultlock.
//
// It wraps AES-256-GCM for sealing small secrets (wrapped passphrases, the
// open-check canary) and Argon2id for turning a user credential into key
// material. Argon2id cost is never hard-coded here: callers pass the
// parameters chosen by the kdf advisor.
//
// # Example Usage
//
//	params := kdf.NewAdvisor(kdf.Options{}).Params()
//	key := crypto.DeriveKeyWithParams(credential, salt,
//		uint32(params.TimeCost), uint32(params.MemoryCostKiB), uint8(params.Parallelism))
//	defer crypto.SecureWipe(key)
//
//	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
//	plaintext, err := crypto.Decrypt(key, ciphertext, nonce)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyLength is the length of encryption keys and vault passphrases in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the recommended Argon2id salt length in bytes.
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// DeriveKeyWithParams derives a 256-bit key from secret and salt using
// Argon2id with the given cost. Validation of the cost belongs to the caller
// (see kdf.Validate).
func DeriveKeyWithParams(secret, salt []byte, timeCost, memoryKiB uint32, threads uint8) []byte {
	return argon2.IDKey(secret, salt, timeCost, memoryKiB, threads, KeyLength)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A fresh 12-byte nonce is drawn from crypto/rand for every call and the
// authentication tag is appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
//
// Returns ErrInvalidKeyLength, ErrInvalidNonceLength, ErrCiphertextTooShort
// or ErrDecryptionFailed. Tag failures are never distinguished further.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// b must stay live until after the loop or the stores may be elided.
	runtime.KeepAlive(b)
}
