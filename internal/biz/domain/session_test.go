package domain

import (
	"testing"
	"time"
)

func TestSession_IsFresh_WithinIdleTimeout(t *testing.T) {
	s := &Session{UpdatedAt: time.Now()}
	cfg := SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}
	if !s.IsFresh(cfg) {
		t.Fatal("expected fresh session")
	}
}

func TestSession_IsFresh_ExpiredByIdle(t *testing.T) {
	s := &Session{UpdatedAt: time.Now().Add(-2 * time.Hour)}
	cfg := SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}
	if s.IsFresh(cfg) {
		t.Fatal("expected stale session")
	}
}

func TestSession_IsFresh_ZeroIdleTimeoutExpiresImmediately(t *testing.T) {
	s := &Session{UpdatedAt: time.Now().Add(-time.Millisecond)}
	cfg := SessionConfig{IdleTimeout: 0, ResetHour: -1}
	if s.IsFresh(cfg) {
		t.Fatal("expected idleMinutes=0 to expire a session as soon as any time has passed")
	}
}

func TestSessionKey_Global(t *testing.T) {
	if got := SessionKey("global", &InboundMessage{Sender: "+15551234567"}); got != "global" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionKey_PerSender_WAWeb(t *testing.T) {
	msg := &InboundMessage{Sender: "+15551234567", Provider: ProviderWAWeb}
	if got := SessionKey("per-sender", msg); got != "+15551234567" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionKey_PerSender_Group(t *testing.T) {
	msg := &InboundMessage{Sender: "12345-678@g.us", Provider: ProviderWAWeb, IsGroup: true}
	if got := SessionKey("per-sender", msg); got != "group:12345-678@g.us" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionKey_TelegramNamespaceIsolation(t *testing.T) {
	tg := SessionKey("per-sender", &InboundMessage{Sender: "@alice", Provider: ProviderTelegram})
	wa := SessionKey("per-sender", &InboundMessage{Sender: "+15551234567", Provider: ProviderWATwilio})
	if tg != "telegram:@alice" {
		t.Fatalf("got %q", tg)
	}
	if wa != "+15551234567" {
		t.Fatalf("got %q", wa)
	}
	if tg == wa {
		t.Fatal("expected distinct session keys")
	}
}

func TestSessionKey_Unknown(t *testing.T) {
	if got := SessionKey("per-sender", &InboundMessage{}); got != "unknown" {
		t.Fatalf("got %q", got)
	}
}
