package main

import (
	"errors"
	"testing"

	"agent-relay/internal/service"
)

func TestBearerToken_ExplicitWins(t *testing.T) {
	got, err := bearerToken("given", "secret", "u1")
	if err != nil || got != "given" {
		t.Fatalf("expected explicit token, got %q (err=%v)", got, err)
	}
}

func TestBearerToken_NoSecretNoToken(t *testing.T) {
	got, err := bearerToken("", "", "u1")
	if err != nil || got != "" {
		t.Fatalf("expected empty token, got %q (err=%v)", got, err)
	}
}

func TestBearerToken_IssuesTokenTheRelayAccepts(t *testing.T) {
	got, err := bearerToken("", "secret", "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := service.NewTokenVerifier("secret", "").ParseAccessToken(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "u1" {
		t.Fatalf("unexpected user %q", claims.UserID)
	}
}

func TestBearerToken_BlankUser(t *testing.T) {
	if _, err := bearerToken("", "secret", "  "); !errors.Is(err, service.ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid, got %v", err)
	}
}
