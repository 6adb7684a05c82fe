package journey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/distlock"
	"github.com/omini/omini-core/internal/storage"
)

const (
	// DefaultSweepInterval is how often due steps are woken and time
	// triggers evaluated.
	DefaultSweepInterval = 15 * time.Second

	sweepBatchSize = 100

	sweepLockKey = "journey:sweep"

	// staleTimeTrigger keeps a long-passed fixed-time trigger from
	// firing on every sweep after the debounce key expires.
	staleTimeTrigger = 24 * time.Hour
)

// Sweeper wakes sleeping steps and evaluates time triggers on a fixed
// interval. Claimed steps execute inline; the status-guarded claim keeps
// concurrent sweepers from double-running a step.
type Sweeper struct {
	engine   *Engine
	interval time.Duration

	stepsWoken int64
	errs       int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{engine: engine, interval: DefaultSweepInterval}
}

// SetInterval overrides the sweep interval, mainly for tests.
func (sw *Sweeper) SetInterval(d time.Duration) { sw.interval = d }

func (sw *Sweeper) Start() error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	sw.running = true
	sw.ctx, sw.cancel = context.WithCancel(context.Background())
	sw.mu.Unlock()

	log.Printf("[JourneySweep] starting, interval %v", sw.interval)
	sw.wg.Add(1)
	go sw.loop()
	return nil
}

func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	sw.mu.Unlock()

	sw.cancel()
	sw.wg.Wait()
	log.Printf("[JourneySweep] stopped. steps=%d errors=%d",
		atomic.LoadInt64(&sw.stepsWoken), atomic.LoadInt64(&sw.errs))
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			if err := sw.Tick(sw.ctx); err != nil {
				atomic.AddInt64(&sw.errs, 1)
				log.Printf("[JourneySweep] tick: %v", err)
			}
		}
	}
}

// Tick runs one sweep: wake due steps, then evaluate time triggers
// under the sweep lock.
func (sw *Sweeper) Tick(ctx context.Context) error {
	steps, err := sw.engine.store.ClaimDueSteps(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		return err
	}
	for i := range steps {
		atomic.AddInt64(&sw.stepsWoken, 1)
		if err := sw.engine.ExecuteStep(ctx, &steps[i]); err != nil {
			atomic.AddInt64(&sw.errs, 1)
			log.Printf("[JourneySweep] step %s: %v", steps[i].ID, err)
		}
	}

	lock := distlock.NewLock(sw.engine.rdb, sw.engine.store.DB(), sweepLockKey, sw.interval*2)
	got, err := lock.Acquire(ctx)
	if err != nil || !got {
		return err
	}
	defer lock.Release(ctx)
	return sw.fireTimeTriggers(ctx)
}

// fireTimeTriggers starts runs for fixed-instant and recurring activity
// triggers. The debounce window is what keeps a recurring trigger from
// re-enrolling the same lead every sweep.
func (sw *Sweeper) fireTimeTriggers(ctx context.Context) error {
	journeys, err := sw.engine.store.ListAllActiveJourneys(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range journeys {
		j := &journeys[i]
		for _, t := range j.Triggers {
			if t.Type != domain.TriggerTime {
				continue
			}
			var dedupKey string
			switch {
			case t.At != nil:
				if t.At.After(now) || now.Sub(*t.At) > staleTimeTrigger {
					continue
				}
				dedupKey = "time:" + t.At.UTC().Format(time.RFC3339)
			case t.LastActiveWithinDays > 0:
				dedupKey = "time:recurring"
			default:
				continue
			}
			if err := sw.enrollAudience(ctx, j, t, dedupKey); err != nil {
				log.Printf("[JourneySweep] journey %s time trigger: %v", j.ID, err)
			}
		}
	}
	return nil
}

func (sw *Sweeper) enrollAudience(ctx context.Context, j *domain.Journey, t domain.JourneyTrigger, dedupKey string) error {
	seg := domain.Segment{LastActiveWithinDays: t.LastActiveWithinDays}
	leadIDs, err := sw.engine.store.SelectAudience(ctx, j.OrganizationID, seg, 0)
	if err != nil {
		return err
	}
	for _, id := range leadIDs {
		lead, err := sw.engine.store.GetLead(ctx, j.OrganizationID, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if _, err := sw.engine.StartRun(ctx, j, lead, "", domain.TriggerTime, dedupKey); err != nil {
			log.Printf("[JourneySweep] enroll lead %s in journey %s: %v", id, j.ID, err)
		}
	}
	return nil
}
