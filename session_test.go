package bullroom

import (
	"testing"
	"time"
)

func TestSessionToken(t *testing.T) {
	const secret = "test-secret"
	token, err := IssueSessionToken(testAdmin, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	s, err := ParseSessionToken(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.UserID != "mod" || s.DisplayName != "Mod" || !s.IsAdmin() {
		t.Fatalf("unexpected session %+v", s)
	}
	if time.Until(s.ExpiresAt) <= 0 {
		t.Fatal("expected expiry in the future")
	}

	t.Run("wrong secret", func(t *testing.T) {
		if _, err := ParseSessionToken(token, "other"); err == nil {
			t.Fatal("expected signature error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		old, _ := IssueSessionToken(testUser, secret, -time.Minute)
		if _, err := ParseSessionToken(old, secret); err == nil {
			t.Fatal("expected expiry error")
		}
	})

	t.Run("unverified read", func(t *testing.T) {
		s, err := SessionFromUnverifiedToken(token)
		if err != nil || s.UserID != "mod" {
			t.Fatalf("unexpected %v %+v", err, s)
		}
		if _, err := SessionFromUnverifiedToken("not-a-token"); err == nil {
			t.Fatal("expected error for garbage")
		}
	})

	t.Run("refuses anonymous", func(t *testing.T) {
		if _, err := IssueSessionToken(nil, secret, time.Hour); err == nil {
			t.Fatal("expected error")
		}
		if _, err := IssueSessionToken(testUser, "", time.Hour); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})
}

func TestSessionNilSafe(t *testing.T) {
	var s *Session
	if s.Authenticated() || s.IsAdmin() || s.ID() != "" {
		t.Fatal("expected nil session to be anonymous")
	}
	if (&Session{UserID: "x", Role: "member"}).IsAdmin() {
		t.Fatal("expected member not to be admin")
	}
}
