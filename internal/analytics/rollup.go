package analytics

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omini/omini-core/internal/pkg/distlock"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRollupInterval is how often rollup jobs are dispatched.
	DefaultRollupInterval = 5 * time.Minute

	// rollupLockKey serializes dispatch across instances.
	rollupLockKey = "analytics:rollup"
)

// Rollup periodically enqueues one analytics.metrics job per org for
// today and yesterday. Yesterday is redone so status callbacks that
// land after midnight still settle into the right day. The jobs are
// absolute recomputes, so duplicate dispatch is harmless.
type Rollup struct {
	store        *storage.Store
	queues       *queue.Client
	redisClient  *redis.Client
	workerID     string
	pollInterval time.Duration

	jobsEnqueued int64
	errs         int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewRollup(store *storage.Store, queues *queue.Client, rdb *redis.Client) *Rollup {
	hostname, _ := os.Hostname()
	return &Rollup{
		store:        store,
		queues:       queues,
		redisClient:  rdb,
		workerID:     fmt.Sprintf("analytics-rollup-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval: DefaultRollupInterval,
	}
}

// SetPollInterval overrides the tick interval, mainly for tests.
func (ar *Rollup) SetPollInterval(d time.Duration) { ar.pollInterval = d }

// Start begins the dispatch loop.
func (ar *Rollup) Start() error {
	ar.mu.Lock()
	if ar.running {
		ar.mu.Unlock()
		return fmt.Errorf("rollup dispatcher already running")
	}
	ar.running = true
	ar.ctx, ar.cancel = context.WithCancel(context.Background())
	ar.mu.Unlock()

	log.Printf("[AnalyticsRollup] %s starting, poll interval %v", ar.workerID, ar.pollInterval)
	ar.wg.Add(1)
	go ar.loop()
	return nil
}

// Stop waits for the in-flight tick to finish.
func (ar *Rollup) Stop() {
	ar.mu.Lock()
	if !ar.running {
		ar.mu.Unlock()
		return
	}
	ar.running = false
	ar.mu.Unlock()

	ar.cancel()
	ar.wg.Wait()
	log.Printf("[AnalyticsRollup] stopped. jobs=%d errors=%d",
		atomic.LoadInt64(&ar.jobsEnqueued),
		atomic.LoadInt64(&ar.errs))
}

func (ar *Rollup) loop() {
	defer ar.wg.Done()
	ticker := time.NewTicker(ar.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ar.ctx.Done():
			return
		case <-ticker.C:
			if err := ar.Tick(ar.ctx); err != nil {
				atomic.AddInt64(&ar.errs, 1)
				log.Printf("[AnalyticsRollup] tick: %v", err)
			}
		}
	}
}

// Tick enqueues rollup jobs for every org under the dispatch lock.
func (ar *Rollup) Tick(ctx context.Context) error {
	lock := distlock.NewLock(ar.redisClient, ar.store.DB(), rollupLockKey, ar.pollInterval*2)
	got, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire rollup lock: %w", err)
	}
	if !got {
		return nil
	}
	defer lock.Release(ctx)

	orgIDs, err := ar.store.ListOrganizationIDs(ctx)
	if err != nil {
		return err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	days := []time.Time{today, today.Add(-24 * time.Hour)}
	for _, orgID := range orgIDs {
		for _, day := range days {
			_, err := ar.queues.Enqueue(ctx, queue.QueueAnalyticsMetrics, RollupJob{
				OrganizationID: orgID,
				Date:           day,
			})
			if err != nil {
				return fmt.Errorf("enqueue rollup for %s: %w", orgID, err)
			}
			atomic.AddInt64(&ar.jobsEnqueued, 1)
		}
	}
	return nil
}
