package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/types"
)

// DefaultLaneBuffer is the per-session lane capacity used when none is given.
const DefaultLaneBuffer = 100

// DefaultLaneIdle is how long an empty lane keeps its goroutine before it is
// retired. A later item for the session creates a fresh lane.
const DefaultLaneIdle = 30 * time.Second

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue stopped")

// Memory manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that work items for a
// session are processed sequentially, while the semaphore limits the total
// number of concurrent processors across all sessions.
type Memory struct {
	lanes      map[types.SessionID]chan *Delivery
	laneBuffer int
	laneIdle   time.Duration
	semaphore  *semaphore.Weighted
	policy     *retry.Policy
	processor  Processor
	deadLetter DeadLetter
	active     atomic.Int64
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewMemory creates a Memory queue that allows up to maxConcurrent items to
// be processed simultaneously across all session lanes. A nil policy
// disables redelivery.
func NewMemory(maxConcurrent int64, laneBuffer int, policy *retry.Policy) *Memory {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if laneBuffer < 1 {
		laneBuffer = DefaultLaneBuffer
	}
	return &Memory{
		lanes:      make(map[types.SessionID]chan *Delivery),
		laneBuffer: laneBuffer,
		laneIdle:   DefaultLaneIdle,
		semaphore:  semaphore.NewWeighted(maxConcurrent),
		policy:     policy,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Memory) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Memory) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds the item to its session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Memory) Enqueue(_ context.Context, item *types.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	if q.ctx == nil {
		return fmt.Errorf("enqueue %s: queue not started", item.ID)
	}

	lane, exists := q.lanes[item.SessionID]
	if !exists {
		lane = make(chan *Delivery, q.laneBuffer)
		q.lanes[item.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(item.SessionID, lane)
	}

	select {
	case lane <- &Delivery{Item: item, Attempt: 1}:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", item.SessionID)
	}
}

// processLane drains a single session lane. Redelivery happens inline, so a
// retried item keeps its place ahead of later items for the same session.
// The lane retires itself once it has been empty for laneIdle.
func (q *Memory) processLane(sessionID types.SessionID, lane chan *Delivery) {
	defer q.wg.Done()
	idle := time.NewTimer(q.laneIdle)
	defer idle.Stop()
	for {
		select {
		case d, ok := <-lane:
			if !ok {
				return
			}
			q.deliver(d)
			idle.Reset(q.laneIdle)
		case <-idle.C:
			if q.retire(sessionID, lane) {
				return
			}
			idle.Reset(q.laneIdle)
		case <-q.ctx.Done():
			return
		}
	}
}

// retire removes an empty lane from the map. Enqueue sends while holding
// q.mu, so no item can land in a lane after it has been retired.
func (q *Memory) retire(sessionID types.SessionID, lane chan *Delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(lane) > 0 {
		return false
	}
	if q.lanes[sessionID] == lane {
		delete(q.lanes, sessionID)
	}
	return true
}

// Lanes returns the number of live session lanes.
func (q *Memory) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

func (q *Memory) deliver(d *Delivery) {
	for {
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			return
		}
		q.mu.RLock()
		process, dead := q.processor, q.deadLetter
		q.mu.RUnlock()
		if process == nil {
			q.semaphore.Release(1)
			slog.Warn("dropping work item, no processor", "item_id", d.Item.ID, "session_id", d.Item.SessionID)
			return
		}

		q.active.Add(1)
		err := process(q.ctx, d)
		q.active.Add(-1)
		q.semaphore.Release(1)

		if err == nil {
			return
		}
		delay, again := redeliver(q.policy, d, err)
		if !again {
			giveUp(q.ctx, dead, d, err)
			return
		}
		slog.Warn("redelivering work item",
			"work_item_id", string(d.Item.ID),
			"session_id", string(d.Item.SessionID),
			"attempt", d.Attempt,
			"delay", delay,
			"error", err)
		if !sleep(q.ctx, delay) {
			return
		}
		d = &Delivery{Item: d.Item, Attempt: d.Attempt + 1}
	}
}

// WaitIdle blocks until no items are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Memory) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued delivery.
func (q *Memory) SetProcessor(fn Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// SetDeadLetter sets the function invoked when an item is abandoned.
func (q *Memory) SetDeadLetter(fn DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = fn
}
