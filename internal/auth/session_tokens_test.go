package auth

import (
	"testing"
	"time"
)

func TestSessionTokensRoundTrip(t *testing.T) {
	st := NewSessionTokens("master-secret")
	token, expiresAt, err := st.Create(time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected expiry in the future")
	}
	if !st.Verify(token) {
		t.Fatal("expected freshly issued token to verify")
	}
}

func TestSessionTokensDisabledWithoutMaster(t *testing.T) {
	st := NewSessionTokens("")
	if _, _, err := st.Create(time.Hour); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestSessionTokensRotationInvalidatesOldTokens(t *testing.T) {
	st := NewSessionTokens("master-1")
	token, _, err := st.Create(time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	st.SetMasterToken("master-2")
	if st.Verify(token) {
		t.Fatal("expected token signed under old master to fail after rotation")
	}
}

func TestVerifyMasterConstantTime(t *testing.T) {
	st := NewSessionTokens("correct-horse")
	if !st.VerifyMaster("correct-horse") {
		t.Fatal("expected matching master to verify")
	}
	if st.VerifyMaster("wrong") {
		t.Fatal("expected mismatched master to fail")
	}
}
