// Package delivery fans session events out to live subscribers.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmbish04/cfgate/internal/types"
)

// DefaultWriteTimeout bounds a single write to one subscriber.
const DefaultWriteTimeout = 5 * time.Second

// DefaultOutbox is how many events a member may have pending before it is
// treated as too slow and pruned.
const DefaultOutbox = 16

// Subscriber is one live connection attached to a session.
type Subscriber interface {
	ID() types.SubscriberID
	Send(ctx context.Context, payload []byte) error
	Close(reason string)
}

// member pairs a subscriber with its outbox. A dedicated writer goroutine
// drains the outbox until ctx is cancelled.
type member struct {
	sub    Subscriber
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub is the subscriber set of a single session. Broadcast never waits on a
// subscriber: it hands the payload to each member's outbox and returns.
type Hub struct {
	mu           sync.RWMutex
	members      map[types.SubscriberID]*member
	writeTimeout time.Duration
	outbox       int
}

// NewHub creates an empty hub. A zero writeTimeout uses DefaultWriteTimeout.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		members:      make(map[types.SubscriberID]*member),
		writeTimeout: writeTimeout,
		outbox:       DefaultOutbox,
	}
}

// Add joins sub to the set and starts its writer. Any backlog payloads are
// queued ahead of later broadcasts.
func (h *Hub) Add(sub Subscriber, backlog ...[]byte) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &member{
		sub:    sub,
		out:    make(chan []byte, max(h.outbox, len(backlog))),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, p := range backlog {
		m.out <- p
	}

	h.mu.Lock()
	if old, ok := h.members[sub.ID()]; ok {
		old.cancel()
	}
	h.members[sub.ID()] = m
	h.mu.Unlock()

	go h.write(m)
}

// Remove drops the member with the given id, reporting whether it was present.
// The subscriber itself is left open.
func (h *Hub) Remove(id types.SubscriberID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return false
	}
	delete(h.members, id)
	m.cancel()
	return true
}

// Len returns the current member count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Send writes payload to a single subscriber under the write deadline. It
// bypasses the outbox and blocks the caller.
func (h *Hub) Send(ctx context.Context, sub Subscriber, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return sub.Send(ctx, payload)
}

// Broadcast hands payload to every member and returns how many accepted it.
// A member whose outbox is full is removed and closed; there is no retry.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	members := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.RUnlock()

	accepted := 0
	for _, m := range members {
		select {
		case m.out <- payload:
			accepted++
		default:
			slog.Debug("subscriber outbox full", "subscriber_id", string(m.sub.ID()))
			h.drop(m, "subscriber too slow")
		}
	}
	return accepted
}

// Publish serialises evt once and broadcasts it.
func (h *Hub) Publish(evt types.Event) (int, error) {
	payload, err := Encode(evt)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(payload), nil
}

// CloseAll closes and removes every member.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	members := h.members
	h.members = make(map[types.SubscriberID]*member)
	h.mu.Unlock()
	for _, m := range members {
		m.cancel()
		m.sub.Close(reason)
	}
}

// write drains m's outbox in order. The first failed write prunes m.
func (h *Hub) write(m *member) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case payload := <-m.out:
			ctx, cancel := context.WithTimeout(m.ctx, h.writeTimeout)
			err := m.sub.Send(ctx, payload)
			cancel()
			if err != nil {
				if m.ctx.Err() == nil {
					slog.Debug("subscriber delivery failed", "subscriber_id", string(m.sub.ID()), "error", err)
					h.drop(m, "delivery failed")
				}
				return
			}
		}
	}
}

// drop removes m if it is still the registered member for its id and closes
// its subscriber.
func (h *Hub) drop(m *member, reason string) {
	h.mu.Lock()
	cur, ok := h.members[m.sub.ID()]
	if ok && cur == m {
		delete(h.members, m.sub.ID())
	}
	h.mu.Unlock()
	m.cancel()
	if ok && cur == m {
		m.sub.Close(reason)
	}
}

// Encode serialises an event envelope, stamping it if needed.
func Encode(evt types.Event) ([]byte, error) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	return payload, nil
}
