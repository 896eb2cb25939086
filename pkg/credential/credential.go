// Package credential hashes and verifies the user credential that gates an
// unlock. Hashes are Argon2id PHC strings whose cost comes from kdf.Params.
package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultlock/pkg/crypto"
	"github.com/forest6511/vaultlock/pkg/kdf"
)

const (
	MinLength = 8
	MaxLength = 128

	algorithmID = "argon2id"
	hashLength  = 32
)

var (
	// ErrInvalidHash is returned for strings that are not argon2id PHC hashes.
	ErrInvalidHash = errors.New("credential: invalid hash format")

	// ErrIncompatibleVersion is returned for hashes from another Argon2 version.
	ErrIncompatibleVersion = errors.New("credential: incompatible argon2 version")

	// ErrTooShort and ErrTooLong are returned by Hash for out-of-range input.
	ErrTooShort = fmt.Errorf("credential: must be at least %d characters", MinLength)
	ErrTooLong  = fmt.Errorf("credential: must be at most %d characters", MaxLength)
)

// Hasher produces PHC strings at a fixed cost.
type Hasher struct {
	params kdf.Params
}

// NewHasher validates p and returns a Hasher using it.
func NewHasher(p kdf.Params) *Hasher {
	return &Hasher{params: kdf.Validate(p)}
}

// Params returns the cost new hashes are produced with.
func (h *Hasher) Params() kdf.Params {
	return h.params
}

// Hash returns the PHC string for the NFKC form of secret.
func (h *Hasher) Hash(secret string) (string, error) {
	secret = normalize(secret)
	switch n := len([]rune(secret)); {
	case n < MinLength:
		return "", ErrTooShort
	case n > MaxLength:
		return "", ErrTooLong
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return "", err
	}
	key := derive(secret, salt, h.params, hashLength)
	defer crypto.SecureWipe(key)

	return fmt.Sprintf("$%s$v=%d$%s$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.String(),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches encoded. The cost stored in encoded
// is used, not the hasher's, and must lie within the kdf bounds.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	ph, err := parse(encoded)
	if err != nil {
		return false, err
	}
	key := derive(normalize(secret), ph.salt, ph.params, uint32(len(ph.hash)))
	defer crypto.SecureWipe(key)
	return subtle.ConstantTimeCompare(key, ph.hash) == 1, nil
}

// NeedsRehash reports whether encoded was produced at a lower cost than the
// hasher's current parameters.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	ph, err := parse(encoded)
	if err != nil {
		return false, err
	}
	return kdf.Weaker(ph.params, h.params) || len(ph.hash) != hashLength, nil
}

// ParamsOf returns the cost recorded in encoded.
func ParamsOf(encoded string) (kdf.Params, error) {
	ph, err := parse(encoded)
	if err != nil {
		return kdf.Params{}, err
	}
	return ph.params, nil
}

func normalize(s string) string {
	return norm.NFKC.String(s)
}

func derive(secret string, salt []byte, p kdf.Params, keyLen uint32) []byte {
	return argon2.IDKey([]byte(secret), salt,
		uint32(p.TimeCost), uint32(p.MemoryCostKiB), uint8(p.Parallelism), keyLen)
}

type phc struct {
	params kdf.Params
	salt   []byte
	hash   []byte
}

func parse(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return phc{}, ErrInvalidHash
	}

	version, ok := strings.CutPrefix(parts[2], "v=")
	if !ok {
		return phc{}, ErrInvalidHash
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	if v != argon2.Version {
		return phc{}, ErrIncompatibleVersion
	}

	var p phc
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.params.MemoryCostKiB, &p.params.TimeCost, &p.params.Parallelism); err != nil {
		return phc{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	// Stored cost outside the kdf bounds is never run.
	if kdf.Validate(p.params) != p.params {
		return phc{}, fmt.Errorf("%w: cost %s outside allowed bounds", ErrInvalidHash, p.params)
	}

	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < crypto.SaltLength {
		return phc{}, ErrInvalidHash
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.hash) == 0 {
		return phc{}, ErrInvalidHash
	}
	return p, nil
}

// Strength is a coarse estimate of credential strength.
type Strength int

const (
	Weak Strength = iota
	Fair
	Good
	Strong
)

func (s Strength) String() string {
	switch s {
	case Weak:
		return "weak"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Valid    bool
	Strength Strength
	Warnings []string // suggestions, not errors
}

var (
	upperRE   = regexp.MustCompile(`\p{Lu}`)
	lowerRE   = regexp.MustCompile(`\p{Ll}`)
	digitRE   = regexp.MustCompile(`\p{Nd}`)
	specialRE = regexp.MustCompile(`[^\p{L}\p{Nd}\s]`)
)

// Validate checks the length bounds and estimates strength. Complexity only
// produces warnings.
func Validate(secret string) ValidationResult {
	secret = normalize(secret)
	n := len([]rune(secret))
	res := ValidationResult{Valid: true, Strength: Fair}

	if n < MinLength {
		return ValidationResult{Strength: Weak, Warnings: []string{ErrTooShort.Error()}}
	}
	if n > MaxLength {
		return ValidationResult{Strength: Weak, Warnings: []string{ErrTooLong.Error()}}
	}

	complexity := 0
	for _, re := range []*regexp.Regexp{upperRE, lowerRE, digitRE, specialRE} {
		if re.MatchString(secret) {
			complexity++
		}
	}

	if complexity < 2 {
		res.Warnings = append(res.Warnings, "Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if n < 12 {
		res.Warnings = append(res.Warnings, "Longer credentials (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && n >= 16:
		res.Strength = Strong
	case complexity >= 2 && n >= 12:
		res.Strength = Good
	case complexity >= 2 || n >= 12:
		res.Strength = Fair
	default:
		res.Strength = Weak
	}
	return res
}
