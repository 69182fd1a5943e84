package queue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to CFGATE_TEST_REDIS_ADDR and returns a client and a
// unique key. Tests are skipped when the variable is unset.
func newTestRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("CFGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CFGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("redis unavailable: %v", err)
	}
	key := "cfgate:test:" + t.Name() + ":" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		client.Del(context.Background(), key, key+":processing")
		client.Close()
	})
	return client, key
}

func TestRedisDeliversAndAcks(t *testing.T) {
	client, key := newTestRedis(t)
	queue := NewRedis(client, key, 1, fastPolicy(3))

	done := make(chan *Delivery, 1)
	queue.SetProcessor(func(_ context.Context, d *Delivery) error {
		done <- d
		return nil
	})
	queue.Start(context.Background())
	defer queue.Stop()

	item := newItem("redis-session")
	if err := queue.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-done:
		if d.Item.ID != item.ID || d.Attempt != 1 {
			t.Errorf("unexpected delivery: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := client.LLen(context.Background(), key+":processing").Result()
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("processing list not drained after ack")
}

func TestRedisRedelivers(t *testing.T) {
	client, key := newTestRedis(t)
	queue := NewRedis(client, key, 1, fastPolicy(3))

	var calls atomic.Int32
	done := make(chan int, 1)
	queue.SetProcessor(func(_ context.Context, d *Delivery) error {
		calls.Add(1)
		if d.Attempt < 2 {
			return errors.New("connection refused")
		}
		done <- d.Attempt
		return nil
	})
	queue.Start(context.Background())
	defer queue.Stop()

	if err := queue.Enqueue(context.Background(), newItem("redis-flaky")); err != nil {
		t.Fatal(err)
	}
	select {
	case attempt := <-done:
		if attempt != 2 {
			t.Errorf("expected success on attempt 2, got %d", attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}

func TestRedisRecoversProcessingList(t *testing.T) {
	client, key := newTestRedis(t)

	// Simulate a consumer that died after BLMOVE but before LREM.
	orphan := `{"item":{"id":"w-1","session_id":"s-1","prompt":"p","timestamp":"2026-01-01T00:00:00Z"},"attempt":1}`
	if err := client.LPush(context.Background(), key+":processing", orphan).Err(); err != nil {
		t.Fatal(err)
	}

	queue := NewRedis(client, key, 1, nil)
	done := make(chan string, 1)
	queue.SetProcessor(func(_ context.Context, d *Delivery) error {
		done <- string(d.Item.ID)
		return nil
	})
	queue.Start(context.Background())
	defer queue.Stop()

	select {
	case id := <-done:
		if id != "w-1" {
			t.Errorf("expected recovered item w-1, got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned item was not recovered")
	}
}
