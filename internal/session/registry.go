// Package session hosts the per-session actors. Each live session identity
// is owned by exactly one actor goroutine that serialises its operations,
// persists every transition and fans events out to live subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmbish04/cfgate/internal/delivery"
	"github.com/jmbish04/cfgate/internal/types"
)

// ErrClosed is returned once the registry has been closed.
var ErrClosed = errors.New("session registry closed")

// Ack is the reply to a mutating operation. Duplicate marks a retried call
// that was accepted without changing anything.
type Ack struct {
	Success   bool                `json:"success"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Status    types.SessionStatus `json:"status,omitempty"`
}

// Options configures a Registry.
type Options struct {
	Store        types.SessionStore
	Queue        types.WorkQueue
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Now          func() time.Time
}

// Registry creates actors lazily and routes operations to them.
type Registry struct {
	store        types.SessionStore
	queue        types.WorkQueue
	writeTimeout time.Duration
	idleTimeout  time.Duration
	now          func() time.Time

	mu     sync.Mutex
	actors map[types.SessionID]*actor
	closed bool
}

// NewRegistry creates a Registry. Queue may be nil, in which case started
// sessions are not handed to any consumer.
func NewRegistry(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Registry{
		store:        opts.Store,
		queue:        opts.Queue,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  idle,
		now:          now,
		actors:       make(map[types.SessionID]*actor),
	}
}

func (r *Registry) acquire(id types.SessionID) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.actors[id]
	if !ok {
		a = newActor(id, r)
		r.actors[id] = a
		go a.run()
	}
	a.refs++
	a.lastActive = r.now()
	return a, nil
}

func (r *Registry) release(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.refs--
	a.lastActive = r.now()
}

// do runs fn as one turn of id's actor and waits for it to finish. Once the
// turn has been handed over it runs to completion even if ctx is cancelled.
func (r *Registry) do(ctx context.Context, id types.SessionID, fn func(a *actor) error) error {
	if !id.Valid() {
		return types.InvalidArgument("invalid session id %q", id)
	}
	a, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer r.release(a)

	errc := make(chan error, 1)
	select {
	case a.inbox <- func() { errc <- fn(a) }:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// Start transitions a pending session to in-progress with the given prompt
// and hands a work item to the queue.
func (r *Registry) Start(ctx context.Context, id types.SessionID, prompt string) (*Ack, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, types.InvalidArgument("prompt is required")
	}
	var ack *Ack
	err := r.do(ctx, id, func(a *actor) error {
		var err error
		ack, err = a.start(ctx, prompt)
		return err
	})
	return ack, err
}

// Update appends u to the session's update log. An update whose idempotency
// key is already present is acknowledged without being appended again.
func (r *Registry) Update(ctx context.Context, id types.SessionID, u types.Update) (*Ack, error) {
	if strings.TrimSpace(u.Type) == "" {
		return nil, types.InvalidArgument("update type is required")
	}
	var ack *Ack
	err := r.do(ctx, id, func(a *actor) error {
		var err error
		ack, err = a.update(ctx, u)
		return err
	})
	return ack, err
}

// Complete moves an in-progress session to a terminal status. An empty
// status means completed. Completing a terminal session again succeeds
// without changing it.
func (r *Registry) Complete(ctx context.Context, id types.SessionID, result json.RawMessage, status types.SessionStatus) (*Ack, error) {
	if status == "" {
		status = types.StatusCompleted
	}
	if !status.Terminal() {
		return nil, types.InvalidArgument("status must be %q or %q, got %q", types.StatusCompleted, types.StatusFailed, status)
	}
	var ack *Ack
	err := r.do(ctx, id, func(a *actor) error {
		var err error
		ack, err = a.complete(ctx, result, status)
		return err
	})
	return ack, err
}

// Status returns a copy of the session. Identities that were never started
// read as pending with no updates.
func (r *Registry) Status(ctx context.Context, id types.SessionID) (*types.Session, error) {
	var out *types.Session
	err := r.do(ctx, id, func(a *actor) error {
		s, err := a.load(ctx)
		if err != nil {
			return err
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

// Subscribe attaches sub to the session, delivers a snapshot to it and
// returns the hub it joined so the caller can serve the connection.
func (r *Registry) Subscribe(ctx context.Context, id types.SessionID, sub delivery.Subscriber) (*delivery.Hub, error) {
	var hub *delivery.Hub
	err := r.do(ctx, id, func(a *actor) error {
		if err := a.subscribe(ctx, sub); err != nil {
			return err
		}
		hub = a.hub
		return nil
	})
	return hub, err
}

// Unsubscribe detaches a subscriber. It is a no-op if the session or the
// subscriber is gone.
func (r *Registry) Unsubscribe(id types.SessionID, subID types.SubscriberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[id]; ok {
		a.hub.Remove(subID)
		a.lastActive = r.now()
	}
}

// List returns the most recently updated sessions from the store.
func (r *Registry) List(ctx context.Context, limit int) ([]*types.Session, error) {
	return r.store.List(ctx, limit)
}

// Live returns the number of actors currently running.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Reap stops actors that have no call in flight, no subscribers and no
// activity for the idle timeout. Their state stays in the store and is
// re-hydrated on next use.
func (r *Registry) Reap() int {
	now := r.now()
	r.mu.Lock()
	var idle []*actor
	for id, a := range r.actors {
		if a.refs == 0 && a.hub.Len() == 0 && now.Sub(a.lastActive) >= r.idleTimeout {
			delete(r.actors, id)
			idle = append(idle, a)
		}
	}
	r.mu.Unlock()

	for _, a := range idle {
		a.stop()
	}
	if len(idle) > 0 {
		slog.Debug("reaped idle session actors", "count", len(idle))
	}
	return len(idle)
}

// Close stops every actor and disconnects their subscribers.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := r.actors
	r.actors = make(map[types.SessionID]*actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.hub.CloseAll("server shutting down")
		a.stop()
	}
}
