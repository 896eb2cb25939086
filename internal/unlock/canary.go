package unlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/vaultlock/pkg/crypto"
)

var (
	// ErrNoCanary is returned by CanaryOpener.Open before the first
	// Reconstitute.
	ErrNoCanary = errors.New("unlock: vault canary not found")

	// ErrWrongPassphrase is returned when the passphrase does not open the
	// vault.
	ErrWrongPassphrase = errors.New("unlock: passphrase does not open the vault")
)

var canaryPlaintext = []byte("vaultlock-canary-v1")

// CanaryOpener stands in for the encrypted database: it keeps a known block
// sealed under the passphrase and opens by decrypting it.
type CanaryOpener struct {
	path string
}

func NewCanaryOpener(path string) *CanaryOpener {
	return &CanaryOpener{path: path}
}

type canaryFile struct {
	Version    int    `json:"v"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// Open checks that passphrase decrypts the canary.
func (c *CanaryOpener) Open(ctx context.Context, passphrase []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoCanary
	}
	if err != nil {
		return fmt.Errorf("unlock: read canary: %w", err)
	}

	var f canaryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unlock: corrupted canary: %w", err)
	}
	pt, err := crypto.Decrypt(passphrase, f.Ciphertext, f.Nonce)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return ErrWrongPassphrase
		}
		return fmt.Errorf("unlock: open canary: %w", err)
	}
	defer crypto.SecureWipe(pt)
	if string(pt) != string(canaryPlaintext) {
		return ErrWrongPassphrase
	}
	return nil
}

// Reconstitute replaces the canary with one sealed under passphrase.
func (c *CanaryOpener) Reconstitute(ctx context.Context, passphrase []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ct, nonce, err := crypto.Encrypt(passphrase, canaryPlaintext)
	if err != nil {
		return fmt.Errorf("unlock: seal canary: %w", err)
	}
	data, err := json.Marshal(canaryFile{Version: 1, Nonce: nonce, Ciphertext: ct})
	if err != nil {
		return fmt.Errorf("unlock: encode canary: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("unlock: create canary directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("unlock: write canary: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("unlock: write canary: %w", err)
	}
	return nil
}
