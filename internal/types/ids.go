package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type WorkItemID string
type SubscriberID string
type RecordID string

// maxSessionIDLen bounds caller-chosen session identities.
const maxSessionIDLen = 128

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewWorkItemID() WorkItemID {
	return WorkItemID(uuid.New().String())
}

func NewSubscriberID() SubscriberID {
	return SubscriberID(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

// Valid reports whether id can address a session. Identities are opaque
// caller-chosen strings, but they travel in URL paths.
func (id SessionID) Valid() bool {
	s := string(id)
	if strings.TrimSpace(s) == "" || len(s) > maxSessionIDLen {
		return false
	}
	return !strings.ContainsAny(s, "/?#")
}
