package credential

import (
	"errors"
	"strings"
	"testing"

	"github.com/forest6511/vaultlock/pkg/kdf"
)

func testHasher() *Hasher {
	return NewHasher(kdf.TestParams())
}

func TestHashVerify(t *testing.T) {
	h := testHasher()
	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=32768,t=2,p=1$") {
		t.Errorf("Hash() = %q, unexpected prefix", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Errorf("Verify(correct) = %v, %v; want true, nil", ok, err)
	}
	ok, err = h.Verify("wrong horse battery", encoded)
	if err != nil || ok {
		t.Errorf("Verify(wrong) = %v, %v; want false, nil", ok, err)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := testHasher()
	a, err := h.Hash("same credential")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := h.Hash("same credential")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a == b {
		t.Error("two hashes of the same credential are identical")
	}
}

func TestVerifyNormalizesNFKC(t *testing.T) {
	h := testHasher()
	// U+FB01 LATIN SMALL LIGATURE FI folds to "fi" under NFKC.
	encoded, err := h.Hash("passﬁxword")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	ok, err := h.Verify("passfixword", encoded)
	if err != nil || !ok {
		t.Errorf("Verify(NFKC equivalent) = %v, %v; want true, nil", ok, err)
	}
}

func TestHashLengthBounds(t *testing.T) {
	h := testHasher()
	if _, err := h.Hash("short"); !errors.Is(err, ErrTooShort) {
		t.Errorf("Hash(short) error = %v, want %v", err, ErrTooShort)
	}
	if _, err := h.Hash(strings.Repeat("a", MaxLength+1)); !errors.Is(err, ErrTooLong) {
		t.Errorf("Hash(long) error = %v, want %v", err, ErrTooLong)
	}
}

func TestVerifyInvalidHash(t *testing.T) {
	h := testHasher()
	tests := []struct {
		name    string
		encoded string
		want    error
	}{
		{"empty", "", ErrInvalidHash},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuv", ErrInvalidHash},
		{"wrong algorithm", "$argon2i$v=19$m=32768,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"old version", "$argon2id$v=16$m=32768,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrIncompatibleVersion},
		{"bad params", "$argon2id$v=19$m=x,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"zero memory", "$argon2id$v=19$m=0,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"cost below floor", "$argon2id$v=19$m=8,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"memory above ceiling", "$argon2id$v=19$m=2147483647,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"parallelism above ceiling", "$argon2id$v=19$m=32768,t=2,p=255$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", ErrInvalidHash},
		{"short salt", "$argon2id$v=19$m=32768,t=2,p=1$c2FsdA$aGFzaA", ErrInvalidHash},
		{"bad hash encoding", "$argon2id$v=19$m=32768,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$!!!", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Verify("whatever credential", tt.encoded); !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := testHasher()
	encoded, err := weak.Hash("credential value")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	if got, err := weak.NeedsRehash(encoded); err != nil || got {
		t.Errorf("NeedsRehash(same params) = %v, %v; want false, nil", got, err)
	}

	stronger := NewHasher(kdf.Params{TimeCost: 3, MemoryCostKiB: 64 * 1024, Parallelism: 2})
	if got, err := stronger.NeedsRehash(encoded); err != nil || !got {
		t.Errorf("NeedsRehash(stronger params) = %v, %v; want true, nil", got, err)
	}

	// A stronger hasher still verifies hashes made at the old cost.
	if ok, err := stronger.Verify("credential value", encoded); err != nil || !ok {
		t.Errorf("Verify(old cost) = %v, %v; want true, nil", ok, err)
	}
}

func TestParamsOf(t *testing.T) {
	encoded, err := testHasher().Hash("credential value")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	p, err := ParamsOf(encoded)
	if err != nil {
		t.Fatalf("ParamsOf() error = %v", err)
	}
	want := kdf.Validate(kdf.TestParams())
	if p.TimeCost != want.TimeCost || p.MemoryCostKiB != want.MemoryCostKiB || p.Parallelism != want.Parallelism {
		t.Errorf("ParamsOf() = %v, want %v", p, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		secret       string
		wantValid    bool
		wantStrength Strength
	}{
		{"too short", "Ab1!", false, Weak},
		{"too long", strings.Repeat("a", MaxLength+1), false, Weak},
		{"lowercase only", "abcdefgh", true, Weak},
		{"two classes", "abcdefg1", true, Fair},
		{"long one class", "abcdefghijklmn", true, Fair},
		{"good", "abcdefghijK1", true, Good},
		{"strong", "Abcdefghijklmn1!", true, Strong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.secret)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.Strength != tt.wantStrength {
				t.Errorf("Strength = %v, want %v", got.Strength, tt.wantStrength)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	if got := Validate("abcdefgh"); len(got.Warnings) != 2 {
		t.Errorf("Validate(abcdefgh) warnings = %v, want 2", got.Warnings)
	}
	if got := Validate("Abcdefghijklmn1!"); len(got.Warnings) != 0 {
		t.Errorf("Validate(strong) warnings = %v, want none", got.Warnings)
	}
}
