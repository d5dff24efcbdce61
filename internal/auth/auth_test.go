package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("ENVKEY_AUTH_SECRET", value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken(SessionDevice, "org-1", "user-1", "device-1", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate failed: %v", err)
	}
	if claims.Kind != SessionDevice {
		t.Errorf("kind = %q, want device", claims.Kind)
	}
	if claims.OrgID != "org-1" || claims.Subject != "user-1" || claims.DeviceID != "device-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Error("expected a token id")
	}

	actor := FromClaims(claims)
	if actor.Kind != SessionDevice || actor.UserID != "user-1" || actor.DeviceID != "device-1" {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	withSecret(t, "test-secret")

	if _, err := GenerateToken("bogus", "org-1", "user-1", "", "", time.Hour); err == nil {
		t.Error("expected error for unknown session kind")
	}
	if _, err := GenerateToken(SessionCli, "", "user-1", "", "", time.Hour); err == nil {
		t.Error("expected error for missing org")
	}
	if _, err := GenerateToken(SessionCli, "org-1", "", "", "", time.Hour); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := GenerateToken(SessionCli, "org-1", "user-1", "", "", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken(SessionCli, "org-1", "user-1", "", "", time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken(SessionDevice, "org-1", "user-1", "device-1", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("malformed jwt: %q", token)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := ParseAndValidate(tampered); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	withSecret(t, "secret-a")
	token, err := GenerateToken(SessionCli, "org-1", "user-1", "", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	withSecret(t, "secret-b")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEmptyTokenRejected(t *testing.T) {
	withSecret(t, "test-secret")
	if _, err := ParseAndValidate("  "); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")
	if _, err := GenerateToken(SessionCli, "org-1", "user-1", "", "", time.Hour); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestDeviceSessionRequiresDeviceID(t *testing.T) {
	claims := &Claims{Kind: SessionDevice, OrgID: "org-1"}
	claims.Issuer = issuer
	claims.Subject = "user-1"
	if err := validateClaims(claims); err == nil {
		t.Fatal("expected error for device session without device id")
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	actor := Actor{Kind: SessionInvite, OrgID: "org-1", UserID: "user-1", GrantID: "invite-1"}
	ctx := ContextWithActor(context.Background(), actor)
	got, ok := ActorFromContext(ctx)
	if !ok {
		t.Fatal("actor missing from context")
	}
	if got != actor {
		t.Fatalf("actor = %+v, want %+v", got, actor)
	}
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatal("expected no actor in fresh context")
	}
}

func TestProvisioningTokenRoundTrip(t *testing.T) {
	token, hash, err := GenerateProvisioningToken()
	if err != nil {
		t.Fatalf("GenerateProvisioningToken failed: %v", err)
	}
	if token == "" || !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected token %q hash %q", token, hash)
	}
	if !IsProvisioningToken(token) {
		t.Fatalf("token not recognized as provisioning: %q", token)
	}
	if id, ok := ProvisioningTokenID(token); !ok || id == "" {
		t.Fatalf("token carries no lookup id: %q", token)
	}
	if _, ok := ProvisioningTokenID("not-a-provisioning-token"); ok {
		t.Fatal("extracted id from a non-provisioning token")
	}
	if err := VerifyProvisioningToken(hash, token); err != nil {
		t.Fatalf("VerifyProvisioningToken failed: %v", err)
	}
	if err := VerifyProvisioningToken(hash, token+"x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong token, got %v", err)
	}
	if err := VerifyProvisioningToken("not-a-hash", token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for malformed hash, got %v", err)
	}
}

func TestProvisioningHashesAreSalted(t *testing.T) {
	a, err := HashProvisioningToken("same-token")
	if err != nil {
		t.Fatalf("HashProvisioningToken failed: %v", err)
	}
	b, err := HashProvisioningToken("same-token")
	if err != nil {
		t.Fatalf("HashProvisioningToken failed: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct salted hashes for the same token")
	}
	if err := VerifyProvisioningToken(a, "same-token"); err != nil {
		t.Fatalf("verify against first hash failed: %v", err)
	}
	if err := VerifyProvisioningToken(b, "same-token"); err != nil {
		t.Fatalf("verify against second hash failed: %v", err)
	}
}
