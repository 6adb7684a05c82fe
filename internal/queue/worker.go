package queue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one job. Handlers must be idempotent: the substrate
// retries on error and a job may be delivered more than once after a
// crash between pop and completion.
type Handler func(ctx context.Context, job Job) error

type consumer struct {
	queue       string
	handler     Handler
	concurrency int
}

// WorkerPool consumes registered queues with bounded per-queue
// concurrency and retry/backoff on handler failure.
type WorkerPool struct {
	rdb    *redis.Client
	client *Client

	consumers []consumer

	// Stats
	processed int64
	failed    int64
	dead      int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewWorkerPool creates a pool over the given Redis connection.
func NewWorkerPool(rdb *redis.Client) *WorkerPool {
	return &WorkerPool{rdb: rdb, client: NewClient(rdb)}
}

// Register binds a handler to a queue. Concurrency below 1 defaults to 1.
// Must be called before Start.
func (p *WorkerPool) Register(queue string, h Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.consumers = append(p.consumers, consumer{queue: queue, handler: h, concurrency: concurrency})
}

// Start launches the consumer goroutines.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for _, c := range p.consumers {
		log.Printf("[Queue] Consuming %s with %d workers", c.queue, c.concurrency)
		for i := 0; i < c.concurrency; i++ {
			p.wg.Add(1)
			go p.consumeLoop(c)
		}
		// One promoter per queue moves due delayed jobs to ready; one
		// reaper requeues jobs stranded in processing by a crash.
		p.wg.Add(2)
		go p.promoteLoop(c.queue)
		go p.reapLoop(c.queue)
	}
}

// Stop drains in-flight handlers and stops the pool.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Printf("[Queue] Stopping...")
	p.wg.Wait()
	log.Printf("[Queue] Stopped. Processed: %d, failed attempts: %d, dead-lettered: %d",
		atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.failed), atomic.LoadInt64(&p.dead))
}

// Stats returns current counters.
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"processed":     atomic.LoadInt64(&p.processed),
		"failed":        atomic.LoadInt64(&p.failed),
		"dead_lettered": atomic.LoadInt64(&p.dead),
	}
}

const (
	// reapInterval is how often the reaper scans for stuck jobs.
	reapInterval = 30 * time.Second
	// staleClaimAge is how long a job may sit in processing before its
	// worker is presumed crashed and the job goes back to ready.
	staleClaimAge = 5 * time.Minute
)

func (p *WorkerPool) reapLoop(queue string) {
	defer p.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.reapStuck(p.ctx, queue); err != nil && p.ctx.Err() == nil {
				log.Printf("[Queue] %s: reap error: %v", queue, err)
			}
		}
	}
}

// reapStuck requeues processing-list entries whose claim is older than
// staleClaimAge. Entries with no claim stamp (crash between move and
// stamp) are stamped now and picked up on a later pass.
func (p *WorkerPool) reapStuck(ctx context.Context, queue string) error {
	raws, err := p.rdb.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, raw := range raws {
		claimed, err := p.rdb.ZScore(ctx, claimsKey(queue), raw).Result()
		if err == redis.Nil {
			if serr := p.rdb.ZAdd(ctx, claimsKey(queue), redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: raw,
			}).Err(); serr != nil {
				return serr
			}
			continue
		}
		if err != nil {
			return err
		}
		if now.Sub(time.UnixMilli(int64(claimed))) < staleClaimAge {
			continue
		}
		// LRem before LPush keeps exactly one live copy of the entry.
		pipe := p.rdb.Pipeline()
		pipe.LRem(ctx, processingKey(queue), 1, raw)
		pipe.ZRem(ctx, claimsKey(queue), raw)
		pipe.LPush(ctx, readyKey(queue), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		log.Printf("[Queue] %s: requeued job stuck in processing", queue)
	}
	return nil
}

func (p *WorkerPool) promoteLoop(queue string) {
	defer p.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.client.PromoteDue(p.ctx, queue); err != nil && p.ctx.Err() == nil {
				log.Printf("[Queue] %s: promote error: %v", queue, err)
			}
		}
	}
}

func (p *WorkerPool) consumeLoop(c consumer) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		// Move to the processing list so a crash between pop and
		// completion leaves the job reclaimable by the reaper.
		raw, err := p.rdb.BLMove(p.ctx, readyKey(c.queue), processingKey(c.queue), "RIGHT", "LEFT", 1*time.Second).Result()
		if err != nil {
			if err == redis.Nil || p.ctx.Err() != nil {
				continue
			}
			log.Printf("[Queue] %s: pop error: %v", c.queue, err)
			time.Sleep(time.Second)
			continue
		}

		if err := p.rdb.ZAdd(p.ctx, claimsKey(c.queue), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: raw,
		}).Err(); err != nil && p.ctx.Err() == nil {
			// Claim stamp failed; the reaper stamps it on first sight.
			log.Printf("[Queue] %s: stamp claim: %v", c.queue, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("[Queue] %s: bad job payload, dropping: %v", c.queue, err)
			p.ack(c.queue, raw)
			continue
		}

		p.runJob(c, job)
		p.ack(c.queue, raw)
	}
}

// ack removes a settled job from the processing list and its claim
// stamp. Uses a fresh context so shutdown does not strand the entry.
func (p *WorkerPool) ack(queue, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := p.rdb.Pipeline()
	pipe.LRem(ctx, processingKey(queue), 1, raw)
	pipe.ZRem(ctx, claimsKey(queue), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Queue] %s: ack: %v", queue, err)
	}
}

// runJob executes the handler and routes the outcome: done list on
// success, delayed retry with backoff on failure, dead-letter after the
// attempt budget is spent.
func (p *WorkerPool) runJob(c consumer, job Job) {
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	job.Attempts++
	err := c.handler(ctx, job)
	if err == nil {
		atomic.AddInt64(&p.processed, 1)
		if derr := p.client.recordDone(ctx, c.queue, job.ID); derr != nil {
			log.Printf("[Queue] %s: record done: %v", c.queue, derr)
		}
		return
	}

	atomic.AddInt64(&p.failed, 1)
	job.LastError = err.Error()

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	raw, merr := json.Marshal(job)
	if merr != nil {
		log.Printf("[Queue] %s: marshal failed job %s: %v", c.queue, job.ID, merr)
		return
	}

	// Dead-letter when the budget is spent. Redis writes use a fresh
	// context so a handler timeout doesn't also lose the job.
	bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bgCancel()

	if job.Attempts >= maxAttempts {
		atomic.AddInt64(&p.dead, 1)
		log.Printf("[Queue] %s: job %s dead-lettered after %d attempts: %v", c.queue, job.ID, job.Attempts, err)
		if derr := p.client.recordDead(bg, c.queue, raw); derr != nil {
			log.Printf("[Queue] %s: record dead: %v", c.queue, derr)
		}
		return
	}

	delay := Backoff(job.Attempts)
	log.Printf("[Queue] %s: job %s attempt %d/%d failed, retrying in %s: %v",
		c.queue, job.ID, job.Attempts, maxAttempts, delay, err)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if zerr := p.rdb.ZAdd(bg, delayedKey(c.queue), redis.Z{Score: readyAt, Member: raw}).Err(); zerr != nil {
		log.Printf("[Queue] %s: schedule retry: %v", c.queue, zerr)
	}
}
