package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSessions struct {
	active map[string]bool
	err    error
}

func (f *fakeSessions) IsSessionActive(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.active[id], nil
}

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "alice", true},
		{"with separators", "alice.bob_c-d", true},
		{"digits", "user123", true},
		{"empty", "", false},
		{"spaces", "alice bob", false},
		{"unicode", "毒舌", false},
		{"angle brackets", "<script>", false},
		{"at sign", "alice@example", false},
		{"max length", strings.Repeat("a", 50), true},
		{"too long", strings.Repeat("a", 51), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidUsername(tt.input); got != tt.want {
				t.Errorf("ValidUsername(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour, &fakeSessions{active: map[string]bool{"s1": true}})

	token, expires, err := m.IssueToken("alice", "s1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expiry too soon: %v", expires)
	}

	claims, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "alice" || claims.SessionID != "s1" {
		t.Errorf("claims = %q/%q, want alice/s1", claims.Subject, claims.SessionID)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	m1 := NewManager([]byte("secret-a"), time.Hour, nil)
	m2 := NewManager([]byte("secret-b"), time.Hour, nil)

	token, _, err := m1.IssueToken("alice", "s1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := m2.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenGarbage(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour, nil)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := m.ParseToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ParseToken(%q) err = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	sessions := &fakeSessions{active: map[string]bool{"live": true}}
	m := NewManager([]byte("secret"), time.Hour, sessions)

	token, _, err := m.IssueToken("alice", "live")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	id, err := m.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Username != "alice" || id.SessionID != "live" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticateRevokedSession(t *testing.T) {
	sessions := &fakeSessions{active: map[string]bool{}}
	m := NewManager([]byte("secret"), time.Hour, sessions)

	token, _, err := m.IssueToken("alice", "gone")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := m.Authenticate(context.Background(), token); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("err = %v, want ErrSessionRevoked", err)
	}
}
