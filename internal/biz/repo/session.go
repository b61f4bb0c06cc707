package repo

import (
	"context"
	"time"

	"clawdis/internal/biz/domain"
)

// SessionRepo persists session bookkeeping metadata (idle timestamps, thread
// handles) — never conversation history, which is kept live only for the
// current session and not otherwise persisted.
type SessionRepo interface {
	GetByKey(ctx context.Context, key string) (*domain.Session, error)
	Save(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
	MarkReplied(ctx context.Context, key string) error
	UpdateLastMsgTime(ctx context.Context, key string, msgTime time.Time) error
	UpdateLastProcessedMsg(ctx context.Context, key string, msgID string, msgTime time.Time) error
	CleanupStale(ctx context.Context, before time.Time) (int64, error)
	ListAll(ctx context.Context) ([]*domain.Session, error)
	Close() error
}
