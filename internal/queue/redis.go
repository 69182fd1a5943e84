package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/types"
)

// DefaultRedisKey is the list work items are pushed onto.
const DefaultRedisKey = "cfgate:work"

// pollTimeout bounds each blocking pop so consumers notice Stop promptly.
const pollTimeout = 2 * time.Second

// Redis is a list-backed queue. Producers LPUSH JSON deliveries; consumers
// BLMOVE them into a processing list and LREM them once handled, so an item
// taken by a crashed consumer is still in Redis and is recovered on Start.
// Ordering across sessions is not preserved when consumers > 1.
type Redis struct {
	client        *redis.Client
	key           string
	processingKey string
	consumers     int
	policy        *retry.Policy

	processor  Processor
	deadLetter DeadLetter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewRedis creates a Redis queue on key with the given number of consumers.
func NewRedis(client *redis.Client, key string, consumers int, policy *retry.Policy) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	if consumers < 1 {
		consumers = 1
	}
	return &Redis{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		consumers:     consumers,
		policy:        policy,
	}
}

// Enqueue pushes the item as a first attempt.
func (q *Redis) Enqueue(ctx context.Context, item *types.WorkItem) error {
	return q.push(ctx, &Delivery{Item: item, Attempt: 1})
}

func (q *Redis) push(ctx context.Context, d *Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Start recovers items left in the processing list and launches consumers.
func (q *Redis) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	if n, err := q.recover(ctx); err != nil {
		slog.Warn("redis queue recovery failed", "key", q.processingKey, "error", err)
	} else if n > 0 {
		slog.Info("recovered in-flight work items", "count", n)
	}

	for i := 0; i < q.consumers; i++ {
		q.wg.Add(1)
		go q.consume(ctx)
	}
}

// Stop cancels consumers and waits for in-flight items to finish.
func (q *Redis) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// recover moves every processing entry back to the consuming end of the main
// list so it is picked up first.
func (q *Redis) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *Redis) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", pollTimeout).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			slog.Warn("redis dequeue failed", "key", q.key, "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		q.handle(ctx, raw)
	}
}

func (q *Redis) handle(ctx context.Context, raw string) {
	// Acknowledge with a fresh context so shutdown does not strand the entry.
	defer func() {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := q.client.LRem(ackCtx, q.processingKey, 1, raw).Err(); err != nil {
			slog.Warn("redis ack failed", "key", q.processingKey, "error", err)
		}
	}()

	var d Delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil || d.Item == nil {
		slog.Error("dropping malformed work item", "raw", raw, "error", err)
		return
	}
	if d.Attempt < 1 {
		d.Attempt = 1
	}

	q.mu.RLock()
	process, dead := q.processor, q.deadLetter
	q.mu.RUnlock()
	if process == nil {
		return
	}

	err := process(ctx, &d)
	if err == nil {
		return
	}
	delay, again := redeliver(q.policy, &d, err)
	if !again {
		giveUp(ctx, dead, &d, err)
		return
	}
	slog.Warn("redelivering work item",
		"work_item_id", string(d.Item.ID),
		"session_id", string(d.Item.SessionID),
		"attempt", d.Attempt,
		"delay", delay,
		"error", err)
	if !sleep(ctx, delay) {
		// Shutting down: leave the retry in Redis for the next process.
		ctx = context.WithoutCancel(ctx)
	}
	next := &Delivery{Item: d.Item, Attempt: d.Attempt + 1}
	if err := q.push(ctx, next); err != nil {
		slog.Error("requeue failed", "work_item_id", string(d.Item.ID), "error", err)
	}
}

// SetProcessor sets the function invoked for each dequeued delivery.
func (q *Redis) SetProcessor(fn Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// SetDeadLetter sets the function invoked when an item is abandoned.
func (q *Redis) SetDeadLetter(fn DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = fn
}

var (
	_ Consumer = (*Memory)(nil)
	_ Consumer = (*Redis)(nil)
)
