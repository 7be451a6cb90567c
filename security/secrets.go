package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a real bcrypt hash compared against when the client is unknown
// or carries no secret, so that verification takes the same time whether or
// not the client exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SecretVerifier checks client secrets against stored hashes.
type SecretVerifier interface {
	Verify(secretHash, secret string) bool
}

// BcryptVerifier verifies secrets with bcrypt. The zero value is ready to use.
type BcryptVerifier struct{}

// Verify reports whether secret matches secretHash. A bcrypt comparison is
// always performed, against a dummy hash when secretHash is empty, to keep
// the timing independent of whether the client has credentials.
func (BcryptVerifier) Verify(secretHash, secret string) bool {
	hash := secretHash
	if hash == "" {
		hash = dummyHash
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// HashSecret produces a bcrypt hash suitable for storing as a client's
// secret hash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}
