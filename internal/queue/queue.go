// Package queue implements the async work queue that receives a WorkItem for
// every started session. Delivery is at-least-once: a failed processor run is
// redelivered according to a retry policy, so consumers must be idempotent.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/types"
)

// Delivery is one attempt at processing a work item. Attempt starts at 1.
type Delivery struct {
	Item    *types.WorkItem `json:"item"`
	Attempt int             `json:"attempt"`
}

// Processor handles a single delivery. A returned error triggers redelivery
// while the retry policy allows it.
type Processor func(ctx context.Context, d *Delivery) error

// DeadLetter is called once a delivery will not be retried again.
type DeadLetter func(ctx context.Context, d *Delivery, err error)

// Consumer is the consuming side shared by every backend.
type Consumer interface {
	types.WorkQueue
	SetProcessor(fn Processor)
	SetDeadLetter(fn DeadLetter)
	Start(ctx context.Context)
	Stop()
}

// redeliver decides whether d should be attempted again after err and, if so,
// how long to wait first.
func redeliver(policy *retry.Policy, d *Delivery, err error) (time.Duration, bool) {
	if policy == nil || d.Attempt >= policy.MaxAttempts || !policy.ShouldRetry(err, d.Attempt) {
		return 0, false
	}
	return policy.NextDelay(d.Attempt), true
}

func giveUp(ctx context.Context, dl DeadLetter, d *Delivery, err error) {
	slog.Error("work item abandoned",
		"work_item_id", string(d.Item.ID),
		"session_id", string(d.Item.SessionID),
		"attempt", d.Attempt,
		"error", err)
	if dl != nil {
		dl(ctx, d, err)
	}
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
