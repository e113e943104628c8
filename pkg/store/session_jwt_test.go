package store

import (
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef-test-secret"

func newTestSessionStore(t *testing.T, secret string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(secret, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s := newTestSessionStore(t, testSecret, nil, JWTOptions{})
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("verify token: ok=%v err=%v", ok, err)
	}
	if userID != "user-1" {
		t.Fatalf("subject = %q, want user-1", userID)
	}
}

func TestJWTSessionStoreRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("short", time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestJWTSessionStoreRejectsForeignSignature(t *testing.T) {
	signing := newTestSessionStore(t, testSecret, nil, JWTOptions{})
	verify := newTestSessionStore(t, strings.Repeat("x", 32), nil, JWTOptions{})
	token, err := signing.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := verify.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected signature mismatch to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	signing := newTestSessionStore(t, testSecret, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a", Leeway: time.Second})
	verify := newTestSessionStore(t, testSecret, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b", Leeway: time.Second})
	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRejectsExpiredToken(t *testing.T) {
	s := newTestSessionStore(t, testSecret, nil, JWTOptions{Leeway: time.Second})
	past := time.Now().Add(-time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		ID:        "jti-expired",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected expired token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newTestSessionStore(t, testSecret, NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
	other, err := s.NewSession("user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(other); err != nil || !ok {
		t.Fatalf("fresh session should stay valid, ok=%v err=%v", ok, err)
	}
}
