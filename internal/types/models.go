package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a session.
// Transitions: pending -> in-progress -> completed | failed.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "in-progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is the durable record owned by one session actor.
type Session struct {
	ID          SessionID       `json:"id"`
	Prompt      string          `json:"prompt"`
	Status      SessionStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
	CompletedAt *time.Time      `json:"completed_at"`
	Updates     []Update        `json:"updates"`
	Result      json.RawMessage `json:"result"`
}

// NewPendingSession returns the default view of an identity that has never
// been started.
func NewPendingSession(id SessionID) *Session {
	return &Session{
		ID:      id,
		Status:  StatusPending,
		Updates: []Update{},
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	out := *s
	out.Updates = make([]Update, len(s.Updates))
	copy(out.Updates, s.Updates)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &out
}

// HasUpdateKey reports whether an update with the given idempotency key has
// already been appended.
func (s *Session) HasUpdateKey(key string) bool {
	if key == "" {
		return false
	}
	for _, u := range s.Updates {
		if u.Key == key {
			return true
		}
	}
	return false
}

// Reserved update fields. Everything else in an update object is payload.
const (
	updateFieldType      = "type"
	updateFieldTimestamp = "timestamp"
	updateFieldKey       = "idempotency_key"
)

// Update is one entry of a session's append-only update log. On the wire it
// is a flat object: {"type": ..., <payload fields>, "timestamp": ...}.
type Update struct {
	Type      string
	Payload   map[string]json.RawMessage
	Key       string
	Timestamp time.Time
}

// ParseUpdate validates a partial update submitted by a caller. The type
// field is required; any caller-supplied timestamp is discarded because the
// actor stamps updates when it appends them.
func ParseUpdate(raw []byte) (Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Update{}, InvalidArgument("update must be a JSON object")
	}
	u, err := updateFromFields(fields)
	if err != nil {
		return Update{}, err
	}
	u.Timestamp = time.Time{}
	return u, nil
}

func updateFromFields(fields map[string]json.RawMessage) (Update, error) {
	rawType, ok := fields[updateFieldType]
	if !ok {
		return Update{}, InvalidArgument("update type is required")
	}
	var u Update
	if err := json.Unmarshal(rawType, &u.Type); err != nil {
		return Update{}, InvalidArgument("update type must be a string")
	}
	if strings.TrimSpace(u.Type) == "" {
		return Update{}, InvalidArgument("update type is required")
	}
	if rawKey, ok := fields[updateFieldKey]; ok {
		if err := json.Unmarshal(rawKey, &u.Key); err != nil {
			return Update{}, InvalidArgument("idempotency_key must be a string")
		}
	}
	if rawTS, ok := fields[updateFieldTimestamp]; ok {
		// Stored updates carry their stamp; partials may carry garbage.
		_ = json.Unmarshal(rawTS, &u.Timestamp)
	}
	for k, v := range fields {
		switch k {
		case updateFieldType, updateFieldKey, updateFieldTimestamp:
			continue
		}
		if u.Payload == nil {
			u.Payload = make(map[string]json.RawMessage, len(fields))
		}
		u.Payload[k] = v
	}
	return u, nil
}

func (u Update) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Payload)+3)
	for k, v := range u.Payload {
		out[k] = v
	}
	out[updateFieldType] = u.Type
	if u.Key != "" {
		out[updateFieldKey] = u.Key
	}
	out[updateFieldTimestamp] = u.Timestamp
	return json.Marshal(out)
}

func (u *Update) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("unmarshal update: %w", err)
	}
	parsed, err := updateFromFields(fields)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// WorkItem is the producer contract of the async work queue.
type WorkItem struct {
	ID        WorkItemID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	Prompt    string     `json:"prompt"`
	Timestamp time.Time  `json:"timestamp"`
}

// Event types delivered to live subscribers.
const (
	EventSnapshot  = "snapshot"
	EventStarted   = "started"
	EventUpdate    = "update"
	EventCompleted = "completed"
	EventPong      = "pong"
	EventError     = "error"
)

// Event is the fan-out envelope.
type Event struct {
	Type      string    `json:"type"`
	SessionID SessionID `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Method is an HTTP verb accepted by the execution target.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// ParseMethod normalises s and reports whether it is one of the five verbs.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	return m, m.Valid()
}

func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// NextStep is the routing decision for a request.
type NextStep string

const (
	NextStepExecute NextStep = "execute"
	NextStepClarify NextStep = "clarify"
)

// RoutingSuggestion is the coach's proposal for completing a request.
type RoutingSuggestion struct {
	Product    string   `json:"product,omitempty"`
	Action     string   `json:"action,omitempty"`
	Method     Method   `json:"method,omitempty"`
	Confidence float64  `json:"confidence"`
	Message    string   `json:"message"`
	NextStep   NextStep `json:"next_step"`
}

// ResultStatus is the observed outcome of a routed request.
type ResultStatus string

const (
	ResultClarified ResultStatus = "clarified"
	ResultExecuted  ResultStatus = "executed"
	ResultFailed    ResultStatus = "failed"
)

// TelemetryRecord is one routing decision. Records are never mutated after
// insertion.
type TelemetryRecord struct {
	ID                 RecordID     `json:"id"`
	Prompt             string       `json:"prompt"`
	Product            string       `json:"product"`
	Action             string       `json:"action"`
	Method             Method       `json:"method"`
	Confidence         float64      `json:"confidence"`
	NextStep           NextStep     `json:"next_step"`
	CoachMessage       string       `json:"coach_message"`
	ResultStatus       ResultStatus `json:"result_status"`
	Coached            bool         `json:"coached"`
	ExecutionLatencyMS *int64       `json:"execution_latency_ms,omitempty"`
	Timestamp          time.Time    `json:"timestamp"`
}

// TelemetryCounts is the raw aggregate a telemetry store returns for a window.
type TelemetryCounts struct {
	Total             int
	Accepted          int
	AcceptedSucceeded int
	Clarified         int
	ClarifiedNearMiss int
}

// RollingStats summarises coached routing outcomes over a trailing window.
type RollingStats struct {
	WindowDays                      int     `json:"window_days"`
	Threshold                       float64 `json:"threshold"`
	Total                           int     `json:"total"`
	AcceptedCount                   int     `json:"accepted_count"`
	AcceptedSuccessRate             float64 `json:"accepted_success_rate"`
	ClarifiedCount                  int     `json:"clarified_count"`
	ClarifiedNearMissCount          int     `json:"clarified_near_miss_count"`
	NearMissFraction                float64 `json:"near_miss_fraction"`
	ClarifiedWouldHaveSucceededRate float64 `json:"clarified_would_have_succeeded_rate"`
}

// Consultation is what the gateway hands a coach: the caller's request as
// sent, a static hint about what a routable request needs, and the threshold
// the answer will be judged against.
type Consultation struct {
	Request   json.RawMessage `json:"request"`
	Hint      string          `json:"hint"`
	Threshold float64         `json:"threshold"`
}
