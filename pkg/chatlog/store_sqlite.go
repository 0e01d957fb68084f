// Package chatlog persists completed conversation exchanges for later
// review. It is written by surfaces only; sessions never read it back.
package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned by GetSession for unknown ids.
var ErrSessionNotFound = errors.New("chat log session not found")

type SessionRecord struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Exchanges int       `json:"exchanges"`
	EndReason string    `json:"end_reason,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

type Exchange struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Persona          string    `json:"role"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	CreatedAt        time.Time `json:"created_at"`
}

// SQLiteStore is the chat log backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the chat log at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create chat log dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer per process; a single shared connection avoids SQLITE_BUSY
	// between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			exchange_count INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT '',
			ended_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role_name TEXT NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations(session_id, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init chat log schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 60 {
		return sql[:60] + "..."
	}
	return sql
}

func nowMS() int64 { return time.Now().UnixMilli() }

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// EnsureSession creates the session row if missing. Existing rows keep their
// channel and persona.
func (s *SQLiteStore) EnsureSession(ctx context.Context, id, channel, chatID, persona string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("ensure session: empty id")
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, channel, chat_id, persona, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, id, channel, chatID, persona, now, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// AppendExchange records one completed round and bumps the session counters.
func (s *SQLiteStore) AppendExchange(ctx context.Context, ex Exchange) (Exchange, error) {
	if strings.TrimSpace(ex.SessionID) == "" {
		return Exchange{}, fmt.Errorf("append exchange: empty session_id")
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	created := ex.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Exchange{}, fmt.Errorf("append exchange begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, channel, chat_id, persona, created_at_ms, updated_at_ms)
VALUES(?, '', '', ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, ex.SessionID, ex.Persona, created, created); err != nil {
		return Exchange{}, fmt.Errorf("append exchange ensure session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations(id, session_id, role_name, user_message, assistant_message, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, ex.ID, ex.SessionID, ex.Persona, ex.UserMessage, ex.AssistantMessage, created); err != nil {
		return Exchange{}, fmt.Errorf("append exchange insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET updated_at_ms = ?, exchange_count = exchange_count + 1
WHERE id = ?`, created, ex.SessionID); err != nil {
		return Exchange{}, fmt.Errorf("append exchange update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Exchange{}, fmt.Errorf("append exchange commit: %w", err)
	}
	return ex, nil
}

// MarkSessionEnded records why a session ended.
func (s *SQLiteStore) MarkSessionEnded(ctx context.Context, id, reason string) error {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET end_reason = ?, ended_at_ms = ?, updated_at_ms = ?
WHERE id = ?`, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, channel, chat_id, persona, created_at_ms, updated_at_ms, exchange_count, end_reason, ended_at_ms
FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListExchanges returns a session's exchanges oldest first. limit <= 0
// returns all of them.
func (s *SQLiteStore) ListExchanges(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	query := `
SELECT id, session_id, role_name, user_message, assistant_message, created_at_ms
FROM conversations WHERE session_id = ?
ORDER BY created_at_ms ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
SELECT * FROM (
	SELECT id, session_id, role_name, user_message, assistant_message, created_at_ms, rowid AS rid
	FROM conversations WHERE session_id = ?
	ORDER BY created_at_ms DESC, rowid DESC LIMIT ?
) ORDER BY created_at_ms ASC, rid ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	out := make([]Exchange, 0)
	for rows.Next() {
		var ex Exchange
		var created int64
		dest := []any{&ex.ID, &ex.SessionID, &ex.Persona, &ex.UserMessage, &ex.AssistantMessage, &created}
		if limit > 0 {
			var rid int64
			dest = append(dest, &rid)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.CreatedAt = fromMS(created)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ListSessions returns the most recently updated sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel, chat_id, persona, created_at_ms, updated_at_ms, exchange_count, end_reason, ended_at_ms
FROM sessions ORDER BY updated_at_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var created, updated, ended int64
	if err := r.Scan(&rec.ID, &rec.Channel, &rec.ChatID, &rec.Persona, &created, &updated, &rec.Exchanges, &rec.EndReason, &ended); err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt = fromMS(created)
	rec.UpdatedAt = fromMS(updated)
	rec.EndedAt = fromMS(ended)
	return rec, nil
}
