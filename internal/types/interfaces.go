package types

import (
	"context"
	"time"
)

// SessionStore persists session records. Load returns ErrNotFound for an
// identity that has never been saved.
type SessionStore interface {
	Load(ctx context.Context, id SessionID) (*Session, error)
	Save(ctx context.Context, session *Session) error
	List(ctx context.Context, limit int) ([]*Session, error)
}

// SettingsStore holds named scalars such as the confidence threshold.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string) error
}

// TelemetryStore is an append-only log of routing decisions.
type TelemetryStore interface {
	Append(ctx context.Context, record *TelemetryRecord) error
	Aggregate(ctx context.Context, since time.Time, nearMissFloor, threshold float64) (*TelemetryCounts, error)
	Recent(ctx context.Context, limit int) ([]*TelemetryRecord, error)
}

// WorkQueue is the producer side of the async work queue.
type WorkQueue interface {
	Enqueue(ctx context.Context, item *WorkItem) error
}
