package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"
)

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestOAuthExchangeCodeIssuesTokenPair(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}

	verifier := "test-verifier-value-long-enough"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat memory", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}

	tok, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken[:5] != "ppat_" {
		t.Fatalf("expected ppat_ prefix, got %q", tok.AccessToken)
	}
	if tok.RefreshToken[:5] != "pprt_" {
		t.Fatalf("expected pprt_ prefix, got %q", tok.RefreshToken)
	}

	if _, ok := srv.Validate(tok.AccessToken); !ok {
		t.Fatal("expected issued access token to validate")
	}
}

func TestOAuthExchangeCodeRejectsReplay(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	verifier := "another-verifier-value"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	if _, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier); err != ErrCodeAlreadyUsed {
		t.Fatalf("expected ErrCodeAlreadyUsed on replay, got %v", err)
	}
}

func TestOAuthExchangeCodeRejectsBadVerifier(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor("right-verifier"), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	if _, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", "wrong-verifier"); err != ErrPKCEVerification {
		t.Fatalf("expected ErrPKCEVerification, got %v", err)
	}
}

func TestOAuthExchangeCodeRejectsClientMismatch(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	verifier := "yet-another-verifier"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	if _, err := srv.ExchangeCode(code, "client-2", "https://app.example/callback", verifier); err != ErrClientMismatch {
		t.Fatalf("expected ErrClientMismatch, got %v", err)
	}
}

func TestOAuthExchangeCodeRejectsExpired(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	base := time.Now()
	srv.nowFunc = func() time.Time { return base }
	verifier := "expiring-verifier"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	srv.nowFunc = func() time.Time { return base.Add(11 * time.Minute) }
	if _, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier); err != ErrCodeExpired {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestOAuthRefreshTokenRotatesPair(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	verifier := "refresh-verifier"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	tok, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	rotated, err := srv.RefreshToken(tok.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if rotated.AccessToken == tok.AccessToken {
		t.Fatal("expected a new access token")
	}
	if _, ok := srv.Validate(tok.AccessToken); ok {
		t.Fatal("expected old access token to no longer validate")
	}
	if _, ok := srv.Validate(rotated.AccessToken); !ok {
		t.Fatal("expected rotated access token to validate")
	}
}

func TestOAuthRevokeInvalidatesToken(t *testing.T) {
	srv, err := NewOAuthServer(filepath.Join(t.TempDir(), "oauth_tokens.json"))
	if err != nil {
		t.Fatalf("NewOAuthServer: %v", err)
	}
	verifier := "revoke-verifier"
	code, err := srv.IssueAuthorizationCode("client-1", "https://app.example/callback", "chat", challengeFor(verifier), "S256")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode: %v", err)
	}
	tok, err := srv.ExchangeCode(code, "client-1", "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if err := srv.Revoke(tok.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := srv.Validate(tok.AccessToken); ok {
		t.Fatal("expected revoked token to fail validation")
	}
}
