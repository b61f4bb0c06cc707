package usecase

import (
	"context"
	"testing"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
)

type mockSessionRepo struct {
	sessions map[string]*domain.Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (m *mockSessionRepo) GetByKey(ctx context.Context, key string) (*domain.Session, error) {
	return m.sessions[key], nil
}

func (m *mockSessionRepo) Save(ctx context.Context, s *domain.Session) error {
	m.sessions[s.Key] = s
	return nil
}

func (m *mockSessionRepo) Delete(ctx context.Context, key string) error {
	delete(m.sessions, key)
	return nil
}

func (m *mockSessionRepo) Touch(ctx context.Context, key string) error {
	if s, ok := m.sessions[key]; ok {
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockSessionRepo) MarkReplied(ctx context.Context, key string) error {
	if s, ok := m.sessions[key]; ok {
		now := time.Now()
		s.UpdatedAt, s.LastReplyAt = now, now
	}
	return nil
}

func (m *mockSessionRepo) UpdateLastMsgTime(ctx context.Context, key string, t time.Time) error {
	if s, ok := m.sessions[key]; ok {
		s.LastMsgTime = t
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockSessionRepo) UpdateLastProcessedMsg(ctx context.Context, key, msgID string, t time.Time) error {
	if s, ok := m.sessions[key]; ok {
		s.LastMsgTime = t
		s.LastProcessedMsgID = msgID
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockSessionRepo) CleanupStale(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for k, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepo) ListAll(ctx context.Context) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockSessionRepo) Close() error { return nil }

// mockAgentRepo only needs to record Stop calls for these tests; StartSession
// and Send are never exercised by SessionUsecase.
type mockAgentRepo struct {
	stopped []string
}

func (m *mockAgentRepo) StartSession(ctx context.Context, key, prompt string) (string, bool, error) {
	return "thread-" + key, true, nil
}
func (m *mockAgentRepo) Send(ctx context.Context, threadID, prompt string, images []string) error {
	return nil
}
func (m *mockAgentRepo) Stop(threadID string) { m.stopped = append(m.stopped, threadID) }
func (m *mockAgentRepo) Events() <-chan repo.Event {
	ch := make(chan repo.Event)
	close(ch)
	return ch
}

func TestSessionUsecase_Resolve_CreatesFreshSession(t *testing.T) {
	sessions := newMockSessionRepo()
	uc := NewSessionUsecase(sessions, &mockAgentRepo{}, domain.SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}, "per-sender")

	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio}
	r, err := uc.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsNew || r.Key != "+15551234567" {
		t.Fatalf("got %+v", r)
	}
}

func TestSessionUsecase_Resolve_ReusesFreshSession(t *testing.T) {
	sessions := newMockSessionRepo()
	uc := NewSessionUsecase(sessions, &mockAgentRepo{}, domain.SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}, "per-sender")

	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio}
	first, _ := uc.Resolve(context.Background(), msg)
	second, _ := uc.Resolve(context.Background(), msg)

	if second.IsNew {
		t.Fatal("expected reuse of fresh session")
	}
	if first.Key != second.Key {
		t.Fatalf("keys differ: %s vs %s", first.Key, second.Key)
	}
}

func TestSessionUsecase_Resolve_RecreatesStaleSession(t *testing.T) {
	sessions := newMockSessionRepo()
	agent := &mockAgentRepo{}
	uc := NewSessionUsecase(sessions, agent, domain.SessionConfig{IdleTimeout: time.Millisecond, ResetHour: -1}, "per-sender")

	msg := &domain.InboundMessage{Sender: "+15551234567", Provider: domain.ProviderWATwilio}
	first, _ := uc.Resolve(context.Background(), msg)
	first.Session.ThreadID = "thread-1"
	sessions.Save(context.Background(), first.Session)

	time.Sleep(5 * time.Millisecond)

	second, err := uc.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.IsNew {
		t.Fatal("expected stale session to be recreated")
	}
	if len(agent.stopped) != 1 || agent.stopped[0] != "thread-1" {
		t.Fatalf("expected stale agent to be stopped, got %v", agent.stopped)
	}
}

func TestSessionUsecase_MarkReplied_UpdatesTimestamps(t *testing.T) {
	sessions := newMockSessionRepo()
	uc := NewSessionUsecase(sessions, &mockAgentRepo{}, domain.SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}, "global")

	msg := &domain.InboundMessage{Sender: "+1", Provider: domain.ProviderWAWeb}
	r, _ := uc.Resolve(context.Background(), msg)

	if err := uc.MarkReplied(context.Background(), r.Key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessions.sessions[r.Key].LastReplyAt.IsZero() {
		t.Fatal("expected LastReplyAt to be set")
	}
}

// TestSessionUsecase_SweepExpired_IdleZeroDestroysImmediately covers the
// boundary where idleMinutes=0 means a session is swept as soon as it is no
// longer fresh, rather than being exempted from expiry (spec §8).
func TestSessionUsecase_SweepExpired_IdleZeroDestroysImmediately(t *testing.T) {
	sessions := newMockSessionRepo()
	agent := &mockAgentRepo{}
	uc := NewSessionUsecase(sessions, agent, domain.SessionConfig{IdleTimeout: 0, ResetHour: -1}, "per-sender")

	stale := &domain.Session{Key: "+1", ThreadID: "thread-stale", UpdatedAt: time.Now().Add(-time.Hour)}
	sessions.Save(context.Background(), stale)

	n, err := uc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if _, ok := sessions.sessions["+1"]; ok {
		t.Fatal("expected stale session to be removed")
	}
	if len(agent.stopped) != 1 || agent.stopped[0] != "thread-stale" {
		t.Fatalf("expected stale agent stopped, got %v", agent.stopped)
	}
}

func TestSessionUsecase_SweepExpired_KeepsFreshSessions(t *testing.T) {
	sessions := newMockSessionRepo()
	agent := &mockAgentRepo{}
	uc := NewSessionUsecase(sessions, agent, domain.SessionConfig{IdleTimeout: time.Hour, ResetHour: -1}, "per-sender")

	fresh := &domain.Session{Key: "+1", UpdatedAt: time.Now()}
	sessions.Save(context.Background(), fresh)

	n, err := uc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 sessions swept, got %d", n)
	}
	if len(agent.stopped) != 0 {
		t.Fatalf("expected no agents stopped, got %v", agent.stopped)
	}
}
