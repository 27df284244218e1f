package usertoken

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestVerifySubjectRoundTrip(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret", Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed, err := v.Sign("user-a", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	subject, err := v.VerifySubject(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-a" {
		t.Fatalf("expected subject user-a, got %q", subject)
	}
}

func TestVerifySubjectRejectsWrongAudience(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret", Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-a",
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-other"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestVerifySubjectRejectsExpiredToken(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret", Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-a",
		Issuer:    defaultIssuer,
		Audience:  jwt.ClaimStrings{defaultAudience},
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
