package campaign

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/distlock"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultSchedulerPollInterval is how often the scheduler looks for
	// due campaigns and finished ones.
	DefaultSchedulerPollInterval = 30 * time.Second

	// claimBatchSize caps campaigns claimed per tick.
	claimBatchSize = 10

	// schedulerLockKey serializes materialization across instances.
	schedulerLockKey = "campaign:scheduler"
)

// Scheduler polls for scheduled campaigns whose schedule_at has arrived,
// materializes their audience into campaign_sends, and enqueues one
// campaign.sends job per send. A distributed lock keeps concurrent
// instances from double-ticking; the status-guarded claim makes a lock
// failure harmless anyway.
type Scheduler struct {
	store        *storage.Store
	queues       *queue.Client
	redisClient  *redis.Client
	workerID     string
	pollInterval time.Duration

	campaignsStarted int64
	sendsEnqueued    int64
	errs             int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewScheduler(store *storage.Store, queues *queue.Client, rdb *redis.Client) *Scheduler {
	hostname, _ := os.Hostname()
	return &Scheduler{
		store:        store,
		queues:       queues,
		redisClient:  rdb,
		workerID:     fmt.Sprintf("campaign-scheduler-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval: DefaultSchedulerPollInterval,
	}
}

// SetPollInterval overrides the tick interval, mainly for tests.
func (cs *Scheduler) SetPollInterval(d time.Duration) { cs.pollInterval = d }

// Start begins the polling loop.
func (cs *Scheduler) Start() error {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	cs.running = true
	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.mu.Unlock()

	log.Printf("[CampaignScheduler] %s starting, poll interval %v", cs.workerID, cs.pollInterval)
	cs.wg.Add(1)
	go cs.loop()
	return nil
}

// Stop waits for the in-flight tick to finish.
func (cs *Scheduler) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	cs.mu.Unlock()

	cs.cancel()
	cs.wg.Wait()
	log.Printf("[CampaignScheduler] stopped. campaigns=%d sends=%d errors=%d",
		atomic.LoadInt64(&cs.campaignsStarted),
		atomic.LoadInt64(&cs.sendsEnqueued),
		atomic.LoadInt64(&cs.errs))
}

func (cs *Scheduler) loop() {
	defer cs.wg.Done()
	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if err := cs.Tick(cs.ctx); err != nil {
				atomic.AddInt64(&cs.errs, 1)
				log.Printf("[CampaignScheduler] tick: %v", err)
			}
		}
	}
}

// Tick runs one scheduler pass: claim due campaigns under the lock,
// materialize and enqueue their sends, then sweep finished campaigns.
func (cs *Scheduler) Tick(ctx context.Context) error {
	lock := distlock.NewLock(cs.redisClient, cs.store.DB(), schedulerLockKey, cs.pollInterval*2)
	got, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !got {
		return nil
	}
	defer lock.Release(ctx)

	due, err := cs.store.ClaimDueCampaigns(ctx, time.Now(), claimBatchSize)
	if err != nil {
		return err
	}
	for i := range due {
		if err := cs.materialize(ctx, &due[i]); err != nil {
			atomic.AddInt64(&cs.errs, 1)
			log.Printf("[CampaignScheduler] materialize %s: %v", due[i].ID, err)
		}
	}

	if n, err := cs.store.CompleteFinishedCampaigns(ctx); err != nil {
		log.Printf("[CampaignScheduler] completion sweep: %v", err)
	} else if n > 0 {
		log.Printf("[CampaignScheduler] completed %d campaigns", n)
	}
	return nil
}

// materialize snapshots the campaign's audience and enqueues one send
// job per lead. CreateSends is idempotent per (campaign, lead), so a
// crashed tick resumes without duplicating sends; the pending guard in
// the send path makes duplicate jobs harmless.
func (cs *Scheduler) materialize(ctx context.Context, c *domain.Campaign) error {
	leadIDs, err := cs.store.SelectAudience(ctx, c.OrganizationID, c.Segment, 0)
	if err != nil {
		return err
	}
	sends, err := cs.store.CreateSends(ctx, c.OrganizationID, c.ID, leadIDs)
	if err != nil {
		return err
	}
	for _, send := range sends {
		_, err := cs.queues.Enqueue(ctx, queue.QueueCampaignSends, SendJob{
			OrganizationID: c.OrganizationID,
			CampaignID:     c.ID,
			SendID:         send.ID,
		})
		if err != nil {
			return fmt.Errorf("enqueue send %s: %w", send.ID, err)
		}
		atomic.AddInt64(&cs.sendsEnqueued, 1)
	}
	atomic.AddInt64(&cs.campaignsStarted, 1)
	log.Printf("[CampaignScheduler] campaign %s running, %d sends enqueued", c.ID, len(sends))

	// An empty audience completes immediately.
	if len(sends) == 0 {
		if _, err := cs.store.CompleteCampaignIfDone(ctx, c.OrganizationID, c.ID); err != nil {
			return err
		}
	}
	return nil
}
