package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "ada",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	identity, err := NewVerifier(secret).Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", identity.UserID)
	}
	if identity.Username != "ada" {
		t.Errorf("expected ada, got %s", identity.Username)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "ada",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = NewVerifier([]byte("other-secret")).Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	_, err = NewVerifier(secret).Verify("not-a-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "ada",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = NewVerifier(secret).Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}
