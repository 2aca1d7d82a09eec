package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func TestIdentityFromToken(t *testing.T) {
	token := signedTestToken(t, jwt.MapClaims{
		"sub":   "u1",
		"name":  "User One",
		"email": "u1@example.com",
		"role":  "admin",
	})

	identity, ok := IdentityFromToken(token)
	if !ok {
		t.Fatalf("expected identity to decode")
	}
	if identity.UserID != "u1" || identity.DisplayName != "User One" || identity.Role != "admin" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestIdentityFromTokenFallsBackToUserIDClaim(t *testing.T) {
	token := signedTestToken(t, jwt.MapClaims{"user_id": "u2"})

	identity, ok := IdentityFromToken(token)
	if !ok || identity.UserID != "u2" {
		t.Fatalf("expected user_id fallback, got %+v ok=%v", identity, ok)
	}
}

func TestIdentityFromTokenRejectsGarbage(t *testing.T) {
	if _, ok := IdentityFromToken("not-a-jwt"); ok {
		t.Fatalf("expected garbage token to be rejected")
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token := signedTestToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": expiry.Unix(),
	})

	got, ok := AccessTokenExpiry(token)
	if !ok {
		t.Fatalf("expected expiry to decode")
	}
	if !got.Equal(expiry) {
		t.Fatalf("expected expiry %v, got %v", expiry, got)
	}

	noExpiry := signedTestToken(t, jwt.MapClaims{"sub": "u1"})
	if _, ok := AccessTokenExpiry(noExpiry); ok {
		t.Fatalf("expected missing exp claim to report not-ok")
	}
}
