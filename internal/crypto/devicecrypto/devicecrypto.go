// Package devicecrypto contains client-side primitives for the device
// identity: wrapping-key derivation, device-key encryption at rest, and
// HMAC payload signing.
package devicecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/trailband/stationsync/internal/canonical"
	"github.com/trailband/stationsync/internal/crypto"
	"github.com/trailband/stationsync/internal/model"
)

// Params
const (
	DeviceKeyLen   = 32
	WrappingKeyLen = 32
	IVLen          = 12 // 96-bit GCM nonce

	pbkdf2Iterations = 150_000
)

// ErrCannotUnlock is returned when the device key cannot be decrypted:
// wrong wrapping key, tampered ciphertext, or wrong IV. Corrupted plaintext
// is never surfaced.
var ErrCannotUnlock = errors.New("cannot unlock device")

// GenerateDeviceKey returns a fresh random device signing key.
func GenerateDeviceKey() ([]byte, error) {
	return crypto.RandBytes(DeviceKeyLen)
}

// DeriveWrappingKey derives the symmetric key protecting the device key at
// rest via PBKDF2-SHA256 over the session's refresh token and the
// server-issued per-device salt.
//
// The refresh token, not the access token, feeds the derivation: the
// wrapping key stays valid across access-token rotation and dies with the
// refresh token itself.
func DeriveWrappingKey(refreshToken, deviceSaltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(deviceSaltHex)
	if err != nil {
		return nil, fmt.Errorf("decode device salt: %w", err)
	}
	return pbkdf2.Key([]byte(refreshToken), salt, pbkdf2Iterations, WrappingKeyLen, sha256.New), nil
}

// EncryptDeviceKey seals the device key under the wrapping key with
// AES-256-GCM and a fresh random IV.
func EncryptDeviceKey(deviceKey, wrappingKey []byte, deviceSaltHex string) (model.DeviceKeyPayload, error) {
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	iv, err := crypto.RandBytes(IVLen)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	return model.DeviceKeyPayload{
		Ciphertext: aead.Seal(nil, iv, deviceKey, nil),
		IV:         iv,
		DeviceSalt: deviceSaltHex,
	}, nil
}

// DecryptDeviceKey opens a stored payload. Any authentication failure maps
// to ErrCannotUnlock.
func DecryptDeviceKey(payload model.DeviceKeyPayload, wrappingKey []byte) ([]byte, error) {
	if len(payload.IV) != IVLen {
		return nil, ErrCannotUnlock
	}
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}
	key, err := aead.Open(nil, payload.IV, payload.Ciphertext, nil)
	if err != nil {
		return nil, ErrCannotUnlock
	}
	return key, nil
}

// Rewrap re-encrypts the same device key under a new server-issued salt.
// The signing key never changes without a fresh login, so already-signed
// outbox entries remain verifiable.
func Rewrap(payload model.DeviceKeyPayload, refreshToken, newSaltHex string) (model.DeviceKeyPayload, error) {
	oldWrap, err := DeriveWrappingKey(refreshToken, payload.DeviceSalt)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	deviceKey, err := DecryptDeviceKey(payload, oldWrap)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	newWrap, err := DeriveWrappingKey(refreshToken, newSaltHex)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	return EncryptDeviceKey(deviceKey, newWrap, newSaltHex)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Signed is the output of Sign: the base64 MAC plus the exact canonical
// bytes that were signed. The transport must send these same bytes;
// re-serializing on the wire risks a byte-level mismatch.
type Signed struct {
	Signature      string
	CanonicalBytes []byte
}

// Sign canonicalizes the envelope and computes HMAC-SHA256 with the device
// key.
func Sign(deviceKey []byte, env model.SubmissionEnvelope) Signed {
	payload := canonical.Encode(env)
	mac := hmac.New(sha256.New, deviceKey)
	mac.Write(payload)
	return Signed{
		Signature:      base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		CanonicalBytes: payload,
	}
}

// Verify recomputes the HMAC over canonicalBytes and compares it against
// signatureB64 in constant time.
func Verify(deviceKey, canonicalBytes []byte, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, deviceKey)
	mac.Write(canonicalBytes)
	return hmac.Equal(mac.Sum(nil), sig)
}
