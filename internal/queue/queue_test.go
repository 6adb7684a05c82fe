package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestEnqueue_ReadyImmediately(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	job, err := c.Enqueue(ctx, QueueOutboundMessages, map[string]string{"message_id": "m-1"})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if job.ID == "" {
		t.Error("job ID not assigned")
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, DefaultMaxAttempts)
	}

	depth, err := c.Depth(ctx, QueueOutboundMessages)
	if err != nil {
		t.Fatalf("Depth() error: %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth() = %d, want 1", depth)
	}
}

func TestEnqueue_DelayedThenPromoted(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	// Far-future job stays put.
	if _, err := c.Enqueue(ctx, QueueJourneyRuns, map[string]string{"step_id": "s-1"}, WithDelay(time.Hour)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	// Near-future job becomes due.
	if _, err := c.Enqueue(ctx, QueueJourneyRuns, map[string]string{"step_id": "s-2"}, WithDelay(20*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if depth, _ := c.Depth(ctx, QueueJourneyRuns); depth != 0 {
		t.Errorf("ready depth = %d, want 0 before promotion", depth)
	}
	if delayed, _ := c.DelayedDepth(ctx, QueueJourneyRuns); delayed != 2 {
		t.Errorf("delayed depth = %d, want 2", delayed)
	}

	time.Sleep(50 * time.Millisecond)

	n, err := c.PromoteDue(ctx, QueueJourneyRuns)
	if err != nil {
		t.Fatalf("PromoteDue() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PromoteDue() = %d, want 1", n)
	}
	if depth, _ := c.Depth(ctx, QueueJourneyRuns); depth != 1 {
		t.Errorf("ready depth = %d, want 1 after promotion", depth)
	}
	if delayed, _ := c.DelayedDepth(ctx, QueueJourneyRuns); delayed != 1 {
		t.Errorf("delayed depth = %d, want 1 after promotion", delayed)
	}
}

func TestWorkerPool_ProcessesJob(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	var got atomic.Value
	done := make(chan struct{})
	pool := NewWorkerPool(rdb)
	pool.Register(QueueInboundEvents, func(ctx context.Context, job Job) error {
		var payload map[string]string
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return err
		}
		got.Store(payload["event_id"])
		close(done)
		return nil
	}, 1)

	if _, err := c.Enqueue(ctx, QueueInboundEvents, map[string]string{"event_id": "ev-1"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked within 5s")
	}
	if v, _ := got.Load().(string); v != "ev-1" {
		t.Errorf("handler payload = %q, want ev-1", v)
	}

	// Settled jobs leave no residue in the processing list.
	if n, _ := rdb.LLen(ctx, processingKey(QueueInboundEvents)).Result(); n != 0 {
		t.Errorf("processing depth = %d, want 0 after completion", n)
	}
}

func TestWorkerPool_ReapRequeuesStuckJob(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	pool := NewWorkerPool(rdb)
	ctx := context.Background()

	job := Job{ID: "job-1", Name: QueueInboundEvents, Data: []byte(`{}`), MaxAttempts: 3}
	raw, _ := json.Marshal(job)

	// A crashed worker left the job in processing with an old claim.
	if err := rdb.LPush(ctx, processingKey(QueueInboundEvents), raw).Err(); err != nil {
		t.Fatalf("LPush() error: %v", err)
	}
	old := float64(time.Now().Add(-10 * time.Minute).UnixMilli())
	if err := rdb.ZAdd(ctx, claimsKey(QueueInboundEvents), redis.Z{Score: old, Member: string(raw)}).Err(); err != nil {
		t.Fatalf("ZAdd() error: %v", err)
	}

	if err := pool.reapStuck(ctx, QueueInboundEvents); err != nil {
		t.Fatalf("reapStuck() error: %v", err)
	}

	if depth, _ := c.Depth(ctx, QueueInboundEvents); depth != 1 {
		t.Errorf("ready depth = %d, want 1 after reap", depth)
	}
	if n, _ := rdb.LLen(ctx, processingKey(QueueInboundEvents)).Result(); n != 0 {
		t.Errorf("processing depth = %d, want 0 after reap", n)
	}
}

func TestWorkerPool_ReapStampsUnclaimedFirst(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	pool := NewWorkerPool(rdb)
	ctx := context.Background()

	raw, _ := json.Marshal(Job{ID: "job-1", Name: QueueInboundEvents, Data: []byte(`{}`)})
	if err := rdb.LPush(ctx, processingKey(QueueInboundEvents), raw).Err(); err != nil {
		t.Fatalf("LPush() error: %v", err)
	}

	// No claim stamp yet: first pass stamps, does not requeue.
	if err := pool.reapStuck(ctx, QueueInboundEvents); err != nil {
		t.Fatalf("reapStuck() error: %v", err)
	}
	if depth, _ := c.Depth(ctx, QueueInboundEvents); depth != 0 {
		t.Errorf("ready depth = %d, want 0 on first sighting", depth)
	}
	if n, _ := rdb.ZCard(ctx, claimsKey(QueueInboundEvents)).Result(); n != 1 {
		t.Errorf("claims = %d, want 1 stamped", n)
	}
}

func TestWorkerPool_RetrySchedulesBackoff(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	attempted := make(chan int, 4)
	pool := NewWorkerPool(rdb)
	pool.Register(QueueCampaignSends, func(ctx context.Context, job Job) error {
		attempted <- job.Attempts
		return errors.New("provider down")
	}, 1)

	if _, err := c.Enqueue(ctx, QueueCampaignSends, map[string]string{"send_id": "cs-1"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	select {
	case n := <-attempted:
		if n != 1 {
			t.Errorf("first delivery Attempts = %d, want 1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked within 5s")
	}

	// The failed attempt lands on the delayed set with its backoff.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if d, _ := c.DelayedDepth(ctx, QueueCampaignSends); d == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed job not rescheduled onto delayed set")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerPool_DeadLetterAfterBudget(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	pool := NewWorkerPool(rdb)
	failures := make(chan int, 8)
	pool.Register(QueueCRMWebhooks, func(ctx context.Context, job Job) error {
		failures <- job.Attempts
		return errors.New("always fails")
	}, 1)

	if _, err := c.Enqueue(ctx, QueueCRMWebhooks, map[string]string{"lead_id": "l-1"}, WithMaxAttempts(2)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	// First attempt fails and is rescheduled with a 1s backoff; the
	// promoter hands it back out once due.
	waitAttempt(t, failures, 1)
	waitAttempt(t, failures, 2)

	deadline := time.Now().Add(3 * time.Second)
	for {
		dead, err := c.DeadLetters(ctx, QueueCRMWebhooks, 10)
		if err != nil {
			t.Fatalf("DeadLetters() error: %v", err)
		}
		if len(dead) == 1 {
			if dead[0].Attempts != 2 {
				t.Errorf("dead job Attempts = %d, want 2", dead[0].Attempts)
			}
			if dead[0].LastError == "" {
				t.Error("dead job LastError empty")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not dead-lettered, dead=%d", len(dead))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitAttempt(t *testing.T, ch chan int, want int) {
	t.Helper()
	select {
	case n := <-ch:
		if n != want {
			t.Fatalf("attempt = %d, want %d", n, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("attempt %d not observed within 5s", want)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPriorityJumpsLine(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()
	c := NewClient(rdb)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, QueueAgentReplies, map[string]string{"n": "normal"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Enqueue(ctx, QueueAgentReplies, map[string]string{"n": "urgent"}, WithPriority(1)); err != nil {
		t.Fatal(err)
	}

	// Consumers pop from the right; the priority job must come out first.
	res, err := rdb.RPop(ctx, "q:{"+QueueAgentReplies+"}:ready").Result()
	if err != nil {
		t.Fatalf("RPop() error: %v", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["n"] != "urgent" {
		t.Errorf("first pop = %q, want urgent", payload["n"])
	}
}
