package usecase

import (
	"context"
	"fmt"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"
)

// SessionUsecase derives session keys, resolves (or creates) the session
// for an inbound message, and enforces idle expiry (spec §4.7).
type SessionUsecase struct {
	sessionRepo repo.SessionRepo
	agentRepo   repo.AgentRepo
	config      domain.SessionConfig
	scope       string // "global" | "per-sender"
}

func NewSessionUsecase(sessionRepo repo.SessionRepo, agentRepo repo.AgentRepo, config domain.SessionConfig, scope string) *SessionUsecase {
	return &SessionUsecase{sessionRepo: sessionRepo, agentRepo: agentRepo, config: config, scope: scope}
}

// Resolved is the outcome of resolving a session: its key, whether it was
// freshly created, and the session record itself.
type Resolved struct {
	Key     string
	IsNew   bool
	Session *domain.Session
}

// Resolve returns (sessionKey, isNew, session) for an inbound message,
// creating a fresh session if none exists or the existing one has gone
// stale (spec §4.6 step 4).
func (uc *SessionUsecase) Resolve(ctx context.Context, msg *domain.InboundMessage) (*Resolved, error) {
	key := domain.SessionKey(uc.scope, msg)

	existing, err := uc.sessionRepo.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}

	if existing != nil && existing.IsFresh(uc.config) {
		return &Resolved{Key: key, IsNew: false, Session: existing}, nil
	}

	if existing != nil {
		uc.agentRepo.Stop(existing.ThreadID)
		_ = uc.sessionRepo.Delete(ctx, key)
	}

	now := time.Now()
	fresh := &domain.Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Provider:  msg.Provider,
	}
	if err := uc.sessionRepo.Save(ctx, fresh); err != nil {
		return nil, fmt.Errorf("save session %s: %w", key, err)
	}
	return &Resolved{Key: key, IsNew: true, Session: fresh}, nil
}

func (uc *SessionUsecase) MarkReplied(ctx context.Context, key string) error {
	return uc.sessionRepo.MarkReplied(ctx, key)
}

func (uc *SessionUsecase) Touch(ctx context.Context, key string) error {
	return uc.sessionRepo.Touch(ctx, key)
}

func (uc *SessionUsecase) SetThreadID(ctx context.Context, key, threadID string) error {
	s, err := uc.sessionRepo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.NewError(domain.KindNotFound, fmt.Errorf("session %s not found", key))
	}
	s.ThreadID = threadID
	return uc.sessionRepo.Save(ctx, s)
}

// SweepExpired destroys every session whose idle window has elapsed,
// terminating its agent subprocess. Called by the session sweeper (spec
// §4.7's "background sweeper").
func (uc *SessionUsecase) SweepExpired(ctx context.Context) (int64, error) {
	all, err := uc.sessionRepo.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var swept int64
	for _, s := range all {
		if s.IsFresh(uc.config) {
			continue
		}
		uc.agentRepo.Stop(s.ThreadID)
		if err := uc.sessionRepo.Delete(ctx, s.Key); err == nil {
			swept++
		}
	}
	return swept, nil
}

// IdleTimeout exposes the configured idle window, used by the Auto-Reply
// Engine to end a session right after its reply when the window is zero.
func (uc *SessionUsecase) IdleTimeout() time.Duration { return uc.config.IdleTimeout }

// ListActive returns every session that has not yet gone stale, used by the
// heartbeat scheduler to find candidates due for a check-in prompt.
func (uc *SessionUsecase) ListActive(ctx context.Context) ([]*domain.Session, error) {
	all, err := uc.sessionRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if s.IsFresh(uc.config) {
			active = append(active, s)
		}
	}
	return active, nil
}
