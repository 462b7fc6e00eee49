// Package auth verifies operator keys for the admin endpoints.
//
// Keys are stored only as hashes: Argon2id in PHC format, or SHA-256 as
// "sha256:<hex>" for keys provisioned by tooling that cannot run Argon2id.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when no configured key matches, or the matching
// key has expired.
var ErrInvalidKey = errors.New("invalid admin key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// AdminKey is one configured operator key.
type AdminKey struct {
	// Name labels the key in logs. Never the key itself.
	Name string
	// Hash is the Argon2id PHC string or "sha256:<hex>".
	Hash string
	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time
}

// IsExpired reports whether the key is past its expiry at now.
func (k AdminKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// KeyRing holds the configured admin keys. It is immutable and safe for
// concurrent use.
type KeyRing struct {
	keys []AdminKey
	now  func() time.Time
}

// NewKeyRing validates every hash up front so a typo fails at startup
// rather than locking operators out at request time.
func NewKeyRing(keys []AdminKey) (*KeyRing, error) {
	for i, k := range keys {
		if DetectHashType(k.Hash) == "unknown" {
			return nil, fmt.Errorf("admin key %d (%q): %w", i, k.Name, ErrUnknownHashType)
		}
	}
	return &KeyRing{keys: append([]AdminKey(nil), keys...), now: time.Now}, nil
}

// Len returns the number of configured keys.
func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Verify returns the name of the key matching rawKey.
func (r *KeyRing) Verify(rawKey string) (string, error) {
	if r == nil || rawKey == "" {
		return "", ErrInvalidKey
	}
	now := r.now()
	for _, k := range r.keys {
		match, err := VerifyKey(rawKey, k.Hash)
		if err != nil || !match {
			continue
		}
		if k.IsExpired(now) {
			return "", ErrInvalidKey
		}
		return k.Name, nil
	}
	return "", ErrInvalidKey
}

// HashKey returns the bare SHA-256 hex of rawKey.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams are the OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // KiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns a salted Argon2id hash of rawKey in PHC format:
// $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType returns "argon2id", "sha256" or "unknown".
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		h := strings.TrimPrefix(storedHash, "sha256:")
		if len(h) == 64 && isHexString(h) {
			return "sha256"
		}
		return "unknown"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey checks rawKey against storedHash. It returns ErrUnknownHashType
// for unrecognized formats and never panics.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.ToLower(strings.TrimPrefix(storedHash, "sha256:"))
		return subtle.ConstantTimeCompare([]byte(HashKey(rawKey)), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare recovers from the panic argon2 raises on hashes with
// zero rounds or zero parallelism.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
