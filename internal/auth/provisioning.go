package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/envkey/envkey-sub005/internal/ids"
)

// Provisioning bearer tokens authenticate SCIM-style directory sync
// callers. Only the argon2id hash is stored; the plaintext is shown once
// at creation.

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16

	// provisioningTokenPrefix marks bearer tokens of the form
	// "pt_<id>_<secret>"; the id locates the stored hash, the whole
	// token is what gets hashed.
	provisioningTokenPrefix = "pt_"
)

// GenerateProvisioningToken returns a fresh random bearer token carrying
// its own lookup id, plus its storable hash.
func GenerateProvisioningToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = provisioningTokenPrefix + ids.New() + "_" + base64.RawURLEncoding.EncodeToString(raw)
	hash, err = HashProvisioningToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

// IsProvisioningToken reports whether a bearer credential is a
// provisioning token rather than a session JWT.
func IsProvisioningToken(token string) bool {
	return strings.HasPrefix(token, provisioningTokenPrefix)
}

// ProvisioningTokenID extracts the lookup id embedded in a token.
func ProvisioningTokenID(token string) (string, bool) {
	if !IsProvisioningToken(token) {
		return "", false
	}
	rest := token[len(provisioningTokenPrefix):]
	id, _, found := strings.Cut(rest, "_")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// HashProvisioningToken hashes a bearer token with argon2id.
func HashProvisioningToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("token is required")
	}
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(token), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyProvisioningToken compares a presented token against a stored
// hash in constant time. Any failure is ErrUnauthorized.
func VerifyProvisioningToken(stored, token string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrUnauthorized
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return ErrUnauthorized
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrUnauthorized
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrUnauthorized
	}
	got := argon2.IDKey([]byte(token), salt, iterations, memory, parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrUnauthorized
	}
	return nil
}
