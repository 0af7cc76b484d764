package task

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestMemoryQueueRedeliversFailedRuns(t *testing.T) {
	queue := NewMemoryQueue(4)
	queue.delay = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
		done  = make(chan struct{})
	)
	handler := func(_ context.Context, runID string) error {
		mu.Lock()
		defer mu.Unlock()
		calls[runID]++
		if runID == "flaky" && calls[runID] < 3 {
			return errors.New("rpc down")
		}
		if calls["flaky"] == 3 && calls["steady"] == 1 {
			close(done)
		}
		return nil
	}
	for _, id := range []string{"steady", "flaky"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	consumeCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- queue.Consume(consumeCtx, 2, handler) }()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("flaky run was not redelivered: %v", calls)
	}
	stop()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume should end with ctx error, got %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	if err := queue.Publish(context.Background(), "r1"); !errors.Is(err, errQueueClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := queue.Consume(context.Background(), 1, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue should return nil, got %v", err)
	}
}

func TestRedisQueueRecoversInFlightRuns(t *testing.T) {
	addr := os.Getenv("CHAINPROBE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAINPROBE_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	name := "chainprobe-test:" + uuid.NewString()
	queue, err := NewRedisQueue(client, RedisQueueConfig{Queue: name, Consumer: "w1", BlockWait: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer client.Del(context.Background(), name, queue.processing)

	// 模拟上一个进程取出运行后崩溃。
	if err := client.LPush(ctx, queue.processing, "orphan").Err(); err != nil {
		t.Fatalf("seed processing list: %v", err)
	}
	if err := queue.Publish(ctx, "fresh"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := make(chan string, 4)
	consumeCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(consumeCtx, 1, func(_ context.Context, runID string) error {
			seen <- runID
			return nil
		})
	}()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-seen:
			got[id] = true
		case <-ctx.Done():
			t.Fatalf("runs not consumed, got %v", got)
		}
	}
	stop()
	<-errCh
	if !got["orphan"] || !got["fresh"] {
		t.Fatalf("unexpected runs %v", got)
	}
	if n, _ := client.LLen(context.Background(), queue.processing).Result(); n != 0 {
		t.Fatalf("processing list should be empty, has %d", n)
	}
}
