package domain

import (
	"strings"
	"sync"
	"time"
)

// HeartbeatPrompt is the text sent to the agent when a session's heartbeat
// fires (spec §4.7). The agent's literal HEARTBEAT_OK reply to this prompt
// is suppressed rather than relayed to the sender.
const HeartbeatPrompt = "(heartbeat check-in: reply HEARTBEAT_OK if there is nothing to report)"

// SessionConfig is the idle-expiry / daily-reset policy applied to every
// session regardless of scope. A negative IdleTimeout disables idle expiry
// entirely; zero means a session is stale as soon as any time has passed
// since its last activity, so it is destroyed immediately after a reply
// completes (spec §8 boundary for idleMinutes=0).
type SessionConfig struct {
	IdleTimeout time.Duration
	ResetHour   int // 0-23, negative disables the daily reset check
}

// Session is per-sender conversational context with an attached long-running
// agent subprocess. Invariants (spec §3):
//  1. at most one live Session exists per Key;
//  2. at most one in-flight agent invocation per Session, serialised by Mu;
//  3. destroyed after IdleTimeout of inbound silence, taking any in-flight
//     agent and pending heartbeat down with it;
//  4. group senders get a "group:" Key prefix;
//  5. cross-provider senders are namespaced and never collide.
type Session struct {
	Key                string
	ThreadID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastReplyAt        time.Time
	LastMsgTime        time.Time
	LastProcessedMsgID string
	Provider           ProviderKind

	// Mu serialises agent invocation for this session (invariant 2). It is
	// not persisted and is zero-valued on load from storage.
	Mu sync.Mutex
	// Processing is true while an agent turn is in flight for this session.
	Processing bool
}

// IsFresh reports whether the session is still within its idle window and
// has not crossed the configured daily reset boundary.
func (s *Session) IsFresh(cfg SessionConfig) bool {
	now := time.Now()

	if cfg.IdleTimeout >= 0 && now.Sub(s.UpdatedAt) > cfg.IdleTimeout {
		return false
	}

	if cfg.ResetHour >= 0 && cfg.ResetHour < 24 {
		resetTime := time.Date(now.Year(), now.Month(), now.Day(), cfg.ResetHour, 0, 0, 0, now.Location())
		if now.After(resetTime) && s.UpdatedAt.Before(resetTime) {
			return false
		}
		if now.Before(resetTime) && s.UpdatedAt.Before(resetTime.Add(-24*time.Hour)) {
			return false
		}
	}

	return true
}

// Touch stamps last-activity to now.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// MarkReplied stamps both last-activity and last-reply to now.
func (s *Session) MarkReplied() {
	now := time.Now()
	s.UpdatedAt = now
	s.LastReplyAt = now
}

// UpdateLastMsgTime records the timestamp of the last message this session
// has processed, used to resume after a disconnect without reprocessing.
func (s *Session) UpdateLastMsgTime(t time.Time) {
	s.LastMsgTime = t
	s.UpdatedAt = time.Now()
}

// SessionKey derives the session key for an inbound message per the table in
// spec §4.7. Scope "global" always yields "global"; scope "per-sender"
// dispatches on the sender's canonical form.
func SessionKey(scope string, msg *InboundMessage) string {
	if scope == "global" {
		return "global"
	}

	sender := string(msg.Sender)
	if sender == "" {
		return "unknown"
	}

	if msg.IsGroup {
		return "group:" + sender
	}

	if msg.Provider == ProviderTelegram && !strings.HasPrefix(sender, "telegram:") {
		return "telegram:" + sender
	}

	return sender
}
