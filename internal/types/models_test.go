// internal/types/models_test.go
package types

import (
	"testing"
	"time"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	if nilSession.Valid(now) {
		t.Error("nil session must not be valid")
	}
	if NewSession("", "", time.Time{}).Valid(now) {
		t.Error("session without token must not be valid")
	}
	if !NewSession("tok", "", time.Time{}).Valid(now) {
		t.Error("session with unknown expiry should be valid")
	}
	if NewSession("tok", "", now.Add(-time.Minute)).Valid(now) {
		t.Error("expired session must not be valid")
	}
}

func TestSessionRotateKeepsRefreshToken(t *testing.T) {
	s := NewSession("a1", "r1", time.Time{})
	exp := time.Now().Add(time.Hour)
	s.Rotate("a2", "", exp)

	if s.AccessToken() != "a2" {
		t.Errorf("expected a2, got %s", s.AccessToken())
	}
	if s.RefreshToken() != "r1" {
		t.Errorf("expected refresh token to be kept, got %s", s.RefreshToken())
	}
	if !s.ExpiresAt().Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, s.ExpiresAt())
	}
}
