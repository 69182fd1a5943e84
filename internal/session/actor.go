package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmbish04/cfgate/internal/delivery"
	"github.com/jmbish04/cfgate/internal/types"
)

// actor owns one session identity. Every read-modify-write of the session
// runs as a single turn on the actor goroutine, so operations on the same
// identity never interleave.
type actor struct {
	id    types.SessionID
	reg   *Registry
	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
	hub   *delivery.Hub

	// Guarded by reg.mu.
	refs       int
	lastActive time.Time

	// Only touched on the actor goroutine.
	state *types.Session
}

func newActor(id types.SessionID, reg *Registry) *actor {
	return &actor{
		id:    id,
		reg:   reg,
		inbox: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		hub:   delivery.NewHub(reg.writeTimeout),
	}
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case op := <-a.inbox:
			op()
		case <-a.quit:
			return
		}
	}
}

func (a *actor) stop() {
	close(a.quit)
	<-a.done
}

// load returns the current record, hydrating it from the store on first use.
// An identity that was never saved reads as a pending session.
func (a *actor) load(ctx context.Context) (*types.Session, error) {
	if a.state != nil {
		return a.state, nil
	}
	s, err := a.reg.store.Load(ctx, a.id)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewPendingSession(a.id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", a.id, err)
	}
	a.state = s
	return s, nil
}

// commit persists next and makes it the actor's view only once the write
// succeeded.
func (a *actor) commit(ctx context.Context, next *types.Session) error {
	if err := a.reg.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save session %s: %w", a.id, err)
	}
	a.state = next
	return nil
}

// publish hands evt to every subscriber's outbox after a committed
// transition. It never waits on a subscriber, and delivery problems never
// fail the operation.
func (a *actor) publish(evtType string, data any) {
	if a.hub.Len() == 0 {
		return
	}
	n, err := a.hub.Publish(types.Event{
		Type:      evtType,
		SessionID: a.id,
		Data:      data,
		Timestamp: a.reg.now(),
	})
	if err != nil {
		slog.Warn("broadcast failed", "session_id", string(a.id), "event", evtType, "error", err)
		return
	}
	slog.Debug("broadcast", "session_id", string(a.id), "event", evtType, "queued", n)
}

func (a *actor) start(ctx context.Context, prompt string) (*Ack, error) {
	current, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if current.Status != types.StatusPending {
		return nil, types.Conflict("session %s already %s", a.id, current.Status)
	}

	now := a.reg.now()
	next := &types.Session{
		ID:        a.id,
		Prompt:    prompt,
		Status:    types.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		Updates:   []types.Update{},
	}
	if err := a.commit(ctx, next); err != nil {
		return nil, err
	}

	if a.reg.queue != nil {
		item := &types.WorkItem{
			ID:        types.NewWorkItemID(),
			SessionID: a.id,
			Prompt:    prompt,
			Timestamp: now,
		}
		if err := a.reg.queue.Enqueue(ctx, item); err != nil {
			slog.Warn("enqueue work item failed", "session_id", string(a.id), "error", err)
		}
	}

	a.publish(types.EventStarted, map[string]any{
		"status":     next.Status,
		"prompt":     next.Prompt,
		"created_at": next.CreatedAt,
	})
	return &Ack{Success: true, Status: next.Status}, nil
}

func (a *actor) update(ctx context.Context, u types.Update) (*Ack, error) {
	current, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if current.HasUpdateKey(u.Key) {
		return &Ack{Success: true, Duplicate: true, Status: current.Status}, nil
	}
	switch {
	case current.Status == types.StatusPending:
		return nil, types.Conflict("session %s has not been started", a.id)
	case current.Status.Terminal():
		return nil, types.Conflict("session %s is %s", a.id, current.Status)
	}

	now := a.reg.now()
	u.Timestamp = now
	next := current.Clone()
	next.Updates = append(next.Updates, u)
	next.UpdatedAt = now
	if err := a.commit(ctx, next); err != nil {
		return nil, err
	}

	a.publish(types.EventUpdate, u)
	return &Ack{Success: true, Status: next.Status}, nil
}

func (a *actor) complete(ctx context.Context, result []byte, status types.SessionStatus) (*Ack, error) {
	current, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case current.Status == types.StatusPending:
		return nil, types.Conflict("session %s has not been started", a.id)
	case current.Status.Terminal():
		return &Ack{Success: true, Duplicate: true, Status: current.Status}, nil
	}

	now := a.reg.now()
	next := current.Clone()
	next.Status = status
	next.Result = result
	next.CompletedAt = &now
	next.UpdatedAt = now
	if err := a.commit(ctx, next); err != nil {
		return nil, err
	}

	a.publish(types.EventCompleted, map[string]any{
		"status":       next.Status,
		"result":       next.Result,
		"completed_at": now,
	})
	return &Ack{Success: true, Status: next.Status}, nil
}

// subscribe joins sub to the hub with a snapshot queued first, so the
// snapshot is ordered before any later broadcast. Writing it is left to the
// subscriber's writer; a snapshot that cannot be delivered prunes sub.
func (a *actor) subscribe(ctx context.Context, sub delivery.Subscriber) error {
	current, err := a.load(ctx)
	if err != nil {
		return err
	}
	payload, err := delivery.Encode(types.Event{
		Type:      types.EventSnapshot,
		SessionID: a.id,
		Data:      current.Clone(),
		Timestamp: a.reg.now(),
	})
	if err != nil {
		return err
	}
	a.hub.Add(sub, payload)
	return nil
}
