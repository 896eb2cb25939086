package unlock

import (
	"encoding/hex"
	"fmt"

	"github.com/forest6511/vaultlock/pkg/crypto"
	"github.com/forest6511/vaultlock/pkg/prefs"
)

const (
	credentialPrefix = "vault.credential."
	prefAuditKey     = "audit.hmac_key"
)

// CredentialStore keeps one PHC hash per vault ID in the preference store.
type CredentialStore struct {
	prefs prefs.Preferences
}

func NewCredentialStore(p prefs.Preferences) *CredentialStore {
	return &CredentialStore{prefs: p}
}

// Get returns the stored hash for vaultID.
func (c *CredentialStore) Get(vaultID string) (string, bool, error) {
	v, ok, err := c.prefs.GetString(credentialPrefix + vaultID)
	if err != nil {
		return "", false, fmt.Errorf("unlock: read credential: %w", err)
	}
	return v, ok, nil
}

func (c *CredentialStore) Put(vaultID, encoded string) error {
	if err := c.prefs.PutString(credentialPrefix+vaultID, encoded); err != nil {
		return fmt.Errorf("unlock: store credential: %w", err)
	}
	return nil
}

func (c *CredentialStore) Delete(vaultID string) error {
	if err := c.prefs.Remove(credentialPrefix + vaultID); err != nil {
		return fmt.Errorf("unlock: remove credential: %w", err)
	}
	return nil
}

// AuditKey returns the installation's audit chain secret, creating it on
// first use.
func AuditKey(p prefs.Preferences) ([]byte, error) {
	v, ok, err := p.GetString(prefAuditKey)
	if err != nil {
		return nil, fmt.Errorf("unlock: read audit key: %w", err)
	}
	if ok {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != crypto.KeyLength {
			return nil, fmt.Errorf("unlock: stored audit key is corrupted")
		}
		return key, nil
	}

	key, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return nil, err
	}
	if err := p.PutString(prefAuditKey, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("unlock: store audit key: %w", err)
	}
	return key, nil
}
