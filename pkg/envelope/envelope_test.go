package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Envelope{
		{Ciphertext: []byte("ciphertext-bytes"), IV: []byte("123456789012"), KeyAlias: "vaultlock-master-v2"},
		{Ciphertext: bytes.Repeat([]byte{0xff}, 48), IV: []byte{0, 1, 2}, KeyAlias: "a"},
		{Ciphertext: []byte{}, IV: []byte{}, KeyAlias: "empty-payload"},
	}

	for _, e := range tests {
		t.Run(e.KeyAlias, func(t *testing.T) {
			got, err := Decode(Encode(e))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(got.Ciphertext, e.Ciphertext) || !bytes.Equal(got.IV, e.IV) || got.KeyAlias != e.KeyAlias {
				t.Errorf("Decode(Encode(e)) = %+v, want %+v", got, e)
			}
		})
	}
}

func TestEncodeFormat(t *testing.T) {
	got := Encode(Envelope{Ciphertext: []byte("hi"), IV: []byte("iv"), KeyAlias: "k1"})
	if want := "aGk=:aXY=:k1"; got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"one field", "aGk="},
		{"two fields", "aGk=:aXY="},
		{"four fields", "aGk=:aXY=:k1:extra"},
		{"bad ciphertext", "!!!:aXY=:k1"},
		{"bad iv", "aGk=:***:k1"},
		{"empty alias", "aGk=:aXY=:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.input); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Decode(%q) error = %v, want %v", tt.input, err, ErrMalformedEnvelope)
			}
		})
	}
}

func TestDecodeFieldCountProperty(t *testing.T) {
	for n := 0; n <= 8; n++ {
		s := strings.Repeat("aGk=:", n) + "alias"
		_, err := Decode(s)
		if n == 2 {
			if err != nil {
				t.Errorf("Decode(%d separators) error = %v", n, err)
			}
			continue
		}
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Decode(%d separators) error = %v, want %v", n, err, ErrMalformedEnvelope)
		}
	}
}
