package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clawdis/internal/biz/domain"
	"clawdis/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// sessionRepo persists session bookkeeping metadata only — key, thread
// handle and activity timestamps — never message bodies or conversation
// history beyond the live session.
type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo opens (creating if absent) the SQLite session store at
// dbPath, the same "sqlite" dialect used by the WA-Web provider's whatsmeow
// auth store so the module carries a single sqlite driver.
func NewSessionRepo(dbPath string) (repo.SessionRepo, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_reply_at INTEGER NOT NULL DEFAULT 0,
			last_msg_time INTEGER NOT NULL DEFAULT 0,
			last_processed_msg_id TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions index: %w", err)
	}

	// Best-effort migrations for databases created by an earlier column set.
	_, _ = db.Exec(`ALTER TABLE sessions ADD COLUMN provider TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE sessions ADD COLUMN last_processed_msg_id TEXT NOT NULL DEFAULT ''`)

	return &sessionRepo{db: db}, nil
}

func (r *sessionRepo) GetByKey(ctx context.Context, key string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_key, provider, thread_id, created_at, updated_at, last_reply_at, last_msg_time, last_processed_msg_id
		FROM sessions WHERE session_key = ?
	`, key)

	var s domain.Session
	var provider string
	var createdAt, updatedAt, lastReplyAt, lastMsgTime int64
	err := row.Scan(&s.Key, &provider, &s.ThreadID, &createdAt, &updatedAt, &lastReplyAt, &lastMsgTime, &s.LastProcessedMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	s.Provider = domain.ProviderKind(provider)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	s.LastReplyAt = time.Unix(lastReplyAt, 0)
	s.LastMsgTime = time.Unix(lastMsgTime, 0)
	return &s, nil
}

func (r *sessionRepo) Save(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_key, provider, thread_id, created_at, updated_at, last_reply_at, last_msg_time, last_processed_msg_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.Key, string(s.Provider), s.ThreadID,
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(), s.LastReplyAt.Unix(), s.LastMsgTime.Unix(), s.LastProcessedMsgID,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Touch(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_key = ?`, time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *sessionRepo) MarkReplied(ctx context.Context, key string) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ?, last_reply_at = ? WHERE session_key = ?`, now, now, key)
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	return nil
}

func (r *sessionRepo) UpdateLastMsgTime(ctx context.Context, key string, msgTime time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ?, last_msg_time = ? WHERE session_key = ?`,
		time.Now().Unix(), msgTime.Unix(), key)
	if err != nil {
		return fmt.Errorf("update last msg time: %w", err)
	}
	return nil
}

func (r *sessionRepo) UpdateLastProcessedMsg(ctx context.Context, key, msgID string, msgTime time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?, last_msg_time = ?, last_processed_msg_id = ? WHERE session_key = ?
	`, time.Now().Unix(), msgTime.Unix(), msgID, key)
	if err != nil {
		return fmt.Errorf("update last processed msg: %w", err)
	}
	return nil
}

func (r *sessionRepo) CleanupStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup stale sessions: %w", err)
	}
	return result.RowsAffected()
}

func (r *sessionRepo) ListAll(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_key, provider, thread_id, created_at, updated_at, last_reply_at, last_msg_time, last_processed_msg_id
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var s domain.Session
		var provider string
		var createdAt, updatedAt, lastReplyAt, lastMsgTime int64
		if err := rows.Scan(&s.Key, &provider, &s.ThreadID, &createdAt, &updatedAt, &lastReplyAt, &lastMsgTime, &s.LastProcessedMsgID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Provider = domain.ProviderKind(provider)
		s.CreatedAt = time.Unix(createdAt, 0)
		s.UpdatedAt = time.Unix(updatedAt, 0)
		s.LastReplyAt = time.Unix(lastReplyAt, 0)
		s.LastMsgTime = time.Unix(lastMsgTime, 0)
		out = append(out, &s)
	}
	return out, nil
}

func (r *sessionRepo) Close() error {
	return r.db.Close()
}
