package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes(t *testing.T) {
	t.Parallel()

	a, err := RandBytes(32)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	b, err := RandBytes(32)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two draws returned identical bytes")
	}
}

func TestHashPassword_SensitiveToInputs(t *testing.T) {
	t.Parallel()

	pw := []byte("trail-judge-2026")
	salt := []byte("0123456789abcdef")

	h := HashPassword(pw, salt)
	if !bytes.Equal(h, HashPassword(pw, salt)) {
		t.Fatal("same inputs must hash identically")
	}
	if bytes.Equal(h, HashPassword(pw, []byte("fedcba9876543210"))) {
		t.Fatal("different salt must change the digest")
	}
	if bytes.Equal(h, HashPassword([]byte("trail-judge-2027"), salt)) {
		t.Fatal("different password must change the digest")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	pw := []byte("open sesame")
	salt := []byte("per-judge-salt--")
	digest := HashPassword(pw, salt)

	if !VerifyPassword(pw, salt, digest) {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword([]byte("open says me"), salt, digest) {
		t.Fatal("wrong password accepted")
	}
	if VerifyPassword(pw, []byte("some-other-salt!"), digest) {
		t.Fatal("wrong salt accepted")
	}
}
