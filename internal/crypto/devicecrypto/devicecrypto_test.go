package devicecrypto

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/model"
)

const testSalt = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

func TestGenerateDeviceKey(t *testing.T) {
	t.Parallel()
	a, err := GenerateDeviceKey()
	if err != nil {
		t.Fatalf("GenerateDeviceKey: %v", err)
	}
	if len(a) != DeviceKeyLen {
		t.Fatalf("len=%d, want=%d", len(a), DeviceKeyLen)
	}
	b, _ := GenerateDeviceKey()
	if bytes.Equal(a, b) {
		t.Fatalf("two device keys are equal")
	}
}

func TestDeriveWrappingKey_DeterministicAndInputDependent(t *testing.T) {
	t.Parallel()
	k1, err := DeriveWrappingKey("refresh-secret", testSalt)
	if err != nil {
		t.Fatalf("DeriveWrappingKey: %v", err)
	}
	k2, _ := DeriveWrappingKey("refresh-secret", testSalt)
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("derivation not deterministic")
	}
	other, _ := DeriveWrappingKey("other-secret", testSalt)
	if subtle.ConstantTimeCompare(k1, other) != 0 {
		t.Fatalf("key must change with secret")
	}
	salt2 := "00112233445566778899aabbccddeeff"
	otherSalt, _ := DeriveWrappingKey("refresh-secret", salt2)
	if subtle.ConstantTimeCompare(k1, otherSalt) != 0 {
		t.Fatalf("key must change with salt")
	}
}

func TestDeriveWrappingKey_BadSaltHex(t *testing.T) {
	t.Parallel()
	if _, err := DeriveWrappingKey("s", "not-hex"); err == nil {
		t.Fatalf("want error for malformed salt")
	}
}

func TestEncryptDecryptDeviceKey_RoundTrip(t *testing.T) {
	t.Parallel()
	wrap, _ := DeriveWrappingKey("refresh-secret", testSalt)
	key, _ := GenerateDeviceKey()

	payload, err := EncryptDeviceKey(key, wrap, testSalt)
	if err != nil {
		t.Fatalf("EncryptDeviceKey: %v", err)
	}
	if len(payload.IV) != IVLen {
		t.Fatalf("iv len=%d, want=%d", len(payload.IV), IVLen)
	}

	out, err := DecryptDeviceKey(payload, wrap)
	if err != nil {
		t.Fatalf("DecryptDeviceKey: %v", err)
	}
	if !bytes.Equal(out, key) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecryptDeviceKey_WrongKeyTamperedAndBadIV(t *testing.T) {
	t.Parallel()
	wrap, _ := DeriveWrappingKey("refresh-secret", testSalt)
	key, _ := GenerateDeviceKey()
	payload, _ := EncryptDeviceKey(key, wrap, testSalt)

	wrongWrap, _ := DeriveWrappingKey("rotated-away", testSalt)
	if _, err := DecryptDeviceKey(payload, wrongWrap); !errors.Is(err, ErrCannotUnlock) {
		t.Fatalf("wrong key: want ErrCannotUnlock, got %v", err)
	}

	tampered := payload
	tampered.Ciphertext = append([]byte(nil), payload.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	if _, err := DecryptDeviceKey(tampered, wrap); !errors.Is(err, ErrCannotUnlock) {
		t.Fatalf("tampered ciphertext: want ErrCannotUnlock, got %v", err)
	}

	badIV := payload
	badIV.IV = payload.IV[:IVLen-1]
	if _, err := DecryptDeviceKey(badIV, wrap); !errors.Is(err, ErrCannotUnlock) {
		t.Fatalf("short iv: want ErrCannotUnlock, got %v", err)
	}
}

func TestRewrap_KeepsSameDeviceKey(t *testing.T) {
	t.Parallel()
	const refresh = "refresh-secret"
	key, _ := GenerateDeviceKey()
	wrap, _ := DeriveWrappingKey(refresh, testSalt)
	payload, _ := EncryptDeviceKey(key, wrap, testSalt)

	newSalt := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 16))
	rewrapped, err := Rewrap(payload, refresh, newSalt)
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if rewrapped.DeviceSalt != newSalt {
		t.Fatalf("salt not updated")
	}

	newWrap, _ := DeriveWrappingKey(refresh, newSalt)
	out, err := DecryptDeviceKey(rewrapped, newWrap)
	if err != nil {
		t.Fatalf("decrypt rewrapped: %v", err)
	}
	if !bytes.Equal(out, key) {
		t.Fatalf("rewrap changed the device key")
	}
}

func testEnvelope() model.SubmissionEnvelope {
	sid := uuid.Must(uuid.FromString("11111111-1111-1111-1111-111111111111"))
	eid := uuid.Must(uuid.FromString("22222222-2222-2222-2222-222222222222"))
	pts := 5
	return model.SubmissionEnvelope{
		Version:         model.EnvelopeVersion,
		ManifestVersion: 3,
		SessionID:       uuid.Must(uuid.NewV4()),
		JudgeID:         uuid.Must(uuid.NewV4()),
		StationID:       sid,
		EventID:         eid,
		SignedAt:        "2026-05-16T09:30:00Z",
		Data: model.SubmissionData{
			EventID:    eid,
			StationID:  sid,
			PatrolID:   uuid.Must(uuid.NewV4()),
			Category:   "M",
			ArrivedAt:  "2026-05-16T09:25:00Z",
			Points:     &pts,
			PatrolCode: "M17",
		},
	}
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	key, _ := GenerateDeviceKey()
	env := testEnvelope()

	signed := Sign(key, env)
	if signed.Signature == "" || len(signed.CanonicalBytes) == 0 {
		t.Fatalf("empty signature output")
	}
	if !Verify(key, signed.CanonicalBytes, signed.Signature) {
		t.Fatalf("Verify failed for untampered payload")
	}

	// Signing the same envelope twice produces identical bytes and MAC.
	again := Sign(key, env)
	if again.Signature != signed.Signature || !bytes.Equal(again.CanonicalBytes, signed.CanonicalBytes) {
		t.Fatalf("signing is not deterministic")
	}
}

func TestVerify_TamperAndWrongKey(t *testing.T) {
	t.Parallel()
	key, _ := GenerateDeviceKey()
	signed := Sign(key, testEnvelope())

	for i := range signed.CanonicalBytes {
		flipped := append([]byte(nil), signed.CanonicalBytes...)
		flipped[i] ^= 0x01
		if Verify(key, flipped, signed.Signature) {
			t.Fatalf("verification passed with byte %d flipped", i)
		}
	}

	otherKey, _ := GenerateDeviceKey()
	if Verify(otherKey, signed.CanonicalBytes, signed.Signature) {
		t.Fatalf("verification passed with substituted key")
	}
	if Verify(key, signed.CanonicalBytes, "!!not-base64!!") {
		t.Fatalf("verification passed with malformed signature")
	}
}
