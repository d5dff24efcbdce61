// Package auth issues and validates the session tokens behind the
// authenticated actor context: device sessions, CLI-key sessions,
// invite/device-grant/recovery-key redemption sessions, and provisioning
// bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "envkey"
	secretEnvVariable = "ENVKEY_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrUnauthorized covers every authentication failure. The transport layer
// maps it to an undifferentiated 401; the real reason is only logged.
var ErrUnauthorized = errors.New("auth: unauthorized")

// SessionKind discriminates the actor context a token carries.
type SessionKind string

const (
	SessionDevice       SessionKind = "device"
	SessionCli          SessionKind = "cli"
	SessionInvite       SessionKind = "invite"
	SessionDeviceGrant  SessionKind = "deviceGrant"
	SessionRecoveryKey  SessionKind = "recoveryKey"
	SessionProvisioning SessionKind = "provisioning"
)

func (k SessionKind) valid() bool {
	switch k {
	case SessionDevice, SessionCli, SessionInvite, SessionDeviceGrant,
		SessionRecoveryKey, SessionProvisioning:
		return true
	}
	return false
}

// Claims are the JWT claims of a session token. Subject is the user id for
// CLI sessions and the device owner's user id otherwise.
type Claims struct {
	Kind     SessionKind `json:"session_kind"`
	OrgID    string      `json:"org_id"`
	DeviceID string      `json:"device_id,omitempty"`
	GrantID  string      `json:"grant_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a session token using HS256.
func GenerateToken(kind SessionKind, orgID, userID, deviceID, grantID string, ttl time.Duration) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("unsupported session kind %q", kind)
	}
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" || userID == "" {
		return "", errors.New("orgID and userID are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Kind:     kind,
		OrgID:    orgID,
		DeviceID: strings.TrimSpace(deviceID),
		GrantID:  strings.TrimSpace(grantID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the token signature and required claims.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthorized
		}
		return secretBytes, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	if err := validateClaims(claims); err != nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if !claims.Kind.valid() {
		return fmt.Errorf("unknown session kind: %s", claims.Kind)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.OrgID) == "" {
		return errors.New("org missing")
	}
	if claims.Kind == SessionDevice && strings.TrimSpace(claims.DeviceID) == "" {
		return errors.New("device missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
