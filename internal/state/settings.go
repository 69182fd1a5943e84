package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmbish04/cfgate/internal/types"
)

// SettingsStore is a key/value table for named scalars.
type SettingsStore struct {
	db *DB
}

// NewSettingsStore creates a SettingsStore on the given database.
func NewSettingsStore(db *DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// GetSetting returns the stored value for key. ok is false when the key has
// never been written.
func (s *SettingsStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.sql.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w: %w", key, types.ErrTransientStorage, err)
	}
	return value, true, nil
}

// PutSetting overwrites the value for key.
func (s *SettingsStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting %s: %w: %w", key, types.ErrTransientStorage, err)
	}
	return nil
}
