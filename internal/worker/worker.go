// Package worker is the built-in consumer of the async work queue. For each
// started session it asks the model for a consultation and reports progress
// back through the session actor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmbish04/cfgate/internal/coach"
	"github.com/jmbish04/cfgate/internal/queue"
	"github.com/jmbish04/cfgate/internal/session"
	"github.com/jmbish04/cfgate/internal/types"
	"github.com/jmbish04/cfgate/pkg/llm"
)

// SystemPrompt frames every consultation.
const SystemPrompt = "You are a cloud infrastructure consultant. Answer the user's question about their " +
	"account, products and configuration concisely and concretely. When an operation is needed, " +
	"name the product and action that would perform it."

// Sessions is the slice of the session registry the worker reports to.
type Sessions interface {
	Update(ctx context.Context, id types.SessionID, u types.Update) (*session.Ack, error)
	Complete(ctx context.Context, id types.SessionID, result json.RawMessage, status types.SessionStatus) (*session.Ack, error)
}

// Worker processes queue deliveries. Every callback carries an idempotency
// key derived from the work item id, so redelivery is harmless.
type Worker struct {
	sessions Sessions
	provider llm.Provider
	budget   *coach.Budget
}

// New creates a Worker. budget may be nil.
func New(sessions Sessions, provider llm.Provider, budget *coach.Budget) *Worker {
	return &Worker{sessions: sessions, provider: provider, budget: budget}
}

// Attach registers the worker as q's processor and dead-letter handler.
func (w *Worker) Attach(q queue.Consumer) {
	q.SetProcessor(w.Process)
	q.SetDeadLetter(w.Abandon)
}

// Process runs one delivery to completion. A returned error asks the queue
// to redeliver.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) error {
	item := d.Item
	log := slog.With("session_id", string(item.SessionID), "work_item_id", string(item.ID), "attempt", d.Attempt)

	processing := newUpdate("processing", key(item, "processing"), map[string]any{"attempt": d.Attempt})
	if done, err := w.post(ctx, item.SessionID, processing); done || err != nil {
		return err
	}

	prompt := item.Prompt
	if w.budget != nil {
		if fitted, cut := w.budget.Fit(SystemPrompt, prompt); cut {
			log.Warn("prompt truncated to token budget")
			prompt = fitted
		}
	}
	resp, err := w.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.FormatText)
	if err != nil {
		return fmt.Errorf("LLM call: %w", err)
	}

	answer := newUpdate("llm_response", key(item, "llm_response"), map[string]any{
		"content": resp.Content,
		"usage":   resp.Usage,
	})
	if done, err := w.post(ctx, item.SessionID, answer); done || err != nil {
		return err
	}

	result, err := json.Marshal(map[string]any{"content": resp.Content})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := w.sessions.Complete(ctx, item.SessionID, result, types.StatusCompleted); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	log.Info("consultation completed", "output_tokens", resp.Usage.OutputTokens)
	return nil
}

// post appends u. done reports that the session can take no more updates,
// which ends processing without an error.
func (w *Worker) post(ctx context.Context, id types.SessionID, u types.Update) (done bool, err error) {
	_, err = w.sessions.Update(ctx, id, u)
	if errors.Is(err, types.ErrConflict) {
		slog.Info("session no longer accepts updates, dropping delivery", "session_id", string(id), "error", err)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("post %s update: %w", u.Type, err)
	}
	return false, nil
}

// Abandon fails the session once the queue gives up on its work item.
func (w *Worker) Abandon(ctx context.Context, d *queue.Delivery, cause error) {
	result, _ := json.Marshal(map[string]string{"error": cause.Error()})
	ctx = context.WithoutCancel(ctx)
	if _, err := w.sessions.Complete(ctx, d.Item.SessionID, result, types.StatusFailed); err != nil {
		slog.Error("failed to mark abandoned session failed", "session_id", string(d.Item.SessionID), "error", err)
	}
}

func key(item *types.WorkItem, step string) string {
	return string(item.ID) + ":" + step
}

func newUpdate(typ, idempotencyKey string, fields map[string]any) types.Update {
	u := types.Update{Type: typ, Key: idempotencyKey, Payload: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		u.Payload[k] = raw
	}
	return u
}
