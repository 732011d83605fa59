// Package crypto covers the password hashing shared by judge accounts on
// the server and the local PIN gate in the CLI.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost settings. Logins are rare (a judge authenticates once per
// event), so memory-hardness is cheap to afford.
const (
	hashIterations  uint32 = 3
	hashMemoryKiB   uint32 = 64 * 1024
	hashParallelism uint8  = 1
	hashLen         uint32 = 32
)

// RandBytes draws n bytes from crypto/rand.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashPassword derives the Argon2id digest of password under salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, hashIterations, hashMemoryKiB, hashParallelism, hashLen)
}

// VerifyPassword reports whether password matches the stored digest.
// Comparison is constant time.
func VerifyPassword(password, salt, expected []byte) bool {
	return subtle.ConstantTimeCompare(HashPassword(password, salt), expected) == 1
}
