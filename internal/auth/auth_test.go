package auth

import (
	"testing"
	"time"
)

func TestStaticAuthorizer(t *testing.T) {
	authz := NewStaticAuthorizer(map[Action][]string{
		ActionSubmit: {"alice", "bob"},
		ActionCancel: {"*"},
	})

	if !authz.IsAuthorized("alice", ActionSubmit) {
		t.Fatal("alice must be allowed to submit")
	}
	if authz.IsAuthorized("mallory", ActionSubmit) {
		t.Fatal("mallory must not be allowed to submit")
	}
	if !authz.IsAuthorized("mallory", ActionCancel) {
		t.Fatal("wildcard must allow anyone")
	}
	if authz.IsAuthorized("alice", ActionRetry) {
		t.Fatal("unlisted action must be denied")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	token, err := GenerateSessionToken("bot-1", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	claims, err := ValidateSessionToken(token, "secret")
	if err != nil {
		t.Fatalf("ValidateSessionToken failed: %v", err)
	}
	if claims.BotID != "bot-1" {
		t.Fatalf("wrong bot id in claims: %q", claims.BotID)
	}

	if _, err := ValidateSessionToken(token, "other-secret"); err == nil {
		t.Fatal("token must not validate under a different secret")
	}
	if _, err := ValidateSessionToken("garbage", "secret"); err == nil {
		t.Fatal("malformed token must not validate")
	}
}

func TestExpiredSessionToken(t *testing.T) {
	token, err := GenerateSessionToken("bot-1", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}
	if _, err := ValidateSessionToken(token, "secret"); err == nil {
		t.Fatal("expired token must not validate")
	}
}
