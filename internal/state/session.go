package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmbish04/cfgate/internal/types"
)

// SessionStore keeps one row per session. The update log is stored as a JSON
// array and rewritten whole by its owning actor.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a SessionStore on the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Load returns the stored session or an error wrapping types.ErrNotFound.
func (s *SessionStore) Load(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, prompt, status, created_at, updated_at, completed_at, updates, result
		FROM sessions WHERE id = ?`, string(id))

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w: %w", id, types.ErrTransientStorage, err)
	}
	return session, nil
}

// Save inserts or replaces the session row.
func (s *SessionStore) Save(ctx context.Context, session *types.Session) error {
	updates := session.Updates
	if updates == nil {
		updates = []types.Update{}
	}
	updatesJSON, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("marshal updates: %w", err)
	}

	var completedAt sql.NullInt64
	if session.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toNanos(*session.CompletedAt), Valid: true}
	}
	var result sql.NullString
	if len(session.Result) > 0 {
		result = sql.NullString{String: string(session.Result), Valid: true}
	}

	_, err = s.db.sql.ExecContext(ctx, `
		INSERT INTO sessions (id, prompt, status, created_at, updated_at, completed_at, updates, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt = excluded.prompt,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			updates = excluded.updates,
			result = excluded.result`,
		string(session.ID),
		session.Prompt,
		string(session.Status),
		toNanos(session.CreatedAt),
		toNanos(session.UpdatedAt),
		completedAt,
		string(updatesJSON),
		result,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w: %w", session.ID, types.ErrTransientStorage, err)
	}
	return nil
}

// List returns up to limit sessions, most recently updated first.
func (s *SessionStore) List(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, prompt, status, created_at, updated_at, completed_at, updates, result
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", types.ErrTransientStorage, err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session     types.Session
		id, status  string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
		updatesJSON string
		result      sql.NullString
	)
	if err := row.Scan(&id, &session.Prompt, &status, &createdAt, &updatedAt, &completedAt, &updatesJSON, &result); err != nil {
		return nil, err
	}

	session.ID = types.SessionID(id)
	session.Status = types.SessionStatus(status)
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updatedAt)
	if completedAt.Valid {
		at := fromNanos(completedAt.Int64)
		session.CompletedAt = &at
	}
	if err := json.Unmarshal([]byte(updatesJSON), &session.Updates); err != nil {
		return nil, fmt.Errorf("unmarshal updates: %w", err)
	}
	if session.Updates == nil {
		session.Updates = []types.Update{}
	}
	if result.Valid {
		session.Result = json.RawMessage(result.String)
	}
	return &session, nil
}
