// Package queue implements the named durable job queues backing the
// asynchronous substrate: Redis lists for ready and in-flight jobs, a
// sorted set for delayed/retrying jobs, and a capped dead-letter list
// per queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Named queues. Declared centrally so producers and consumers agree;
// knowledge.sync, ai.insights and agent.replies are consumed by external
// collaborators and only declared here.
const (
	QueueInboundEvents    = "inbound.events"
	QueueOutboundMessages = "outbound.messages"
	QueueWhatsAppStatus   = "whatsapp.status"
	QueueCampaignSends    = "campaign.sends"
	QueueJourneyRuns      = "journey.runs"
	QueueKnowledgeSync    = "knowledge.sync"
	QueueAIInsights       = "ai.insights"
	QueueCRMWebhooks      = "crm.webhooks"
	QueueAnalyticsMetrics = "analytics.metrics"
	QueueAgentReplies     = "agent.replies"
)

// AllQueues enumerates every declared queue for operator surfaces.
var AllQueues = []string{
	QueueInboundEvents,
	QueueOutboundMessages,
	QueueWhatsAppStatus,
	QueueCampaignSends,
	QueueJourneyRuns,
	QueueKnowledgeSync,
	QueueAIInsights,
	QueueCRMWebhooks,
	QueueAnalyticsMetrics,
	QueueAgentReplies,
}

// Defaults for the job retry policy.
const (
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 1 * time.Second
	DefaultRemoveOnComplete = 1000
	DefaultRemoveOnFail     = 5000
)

// Job is the envelope carried through a queue. Data is opaque to the
// substrate; handlers key idempotency on stable identifiers inside it.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Delay       time.Duration   `json:"delay,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Option customizes a job at enqueue time.
type Option func(*Job)

// WithDelay defers the job's first attempt.
func WithDelay(d time.Duration) Option {
	return func(j *Job) { j.Delay = d }
}

// WithPriority sets the job priority (higher first within the ready list).
func WithPriority(p int) Option {
	return func(j *Job) { j.Priority = p }
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(n int) Option {
	return func(j *Job) { j.MaxAttempts = n }
}

// Client enqueues jobs and inspects queue state.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a queue client on the given Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func readyKey(queue string) string      { return "q:{" + queue + "}:ready" }
func processingKey(queue string) string { return "q:{" + queue + "}:processing" }
func claimsKey(queue string) string     { return "q:{" + queue + "}:claims" }
func delayedKey(queue string) string    { return "q:{" + queue + "}:delayed" }
func deadKey(queue string) string       { return "q:{" + queue + "}:dead" }
func doneKey(queue string) string       { return "q:{" + queue + "}:done" }

// Enqueue adds a job to the named queue. Payload is marshalled to JSON.
func (c *Client) Enqueue(ctx context.Context, queue string, payload interface{}, opts ...Option) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue %s: marshal payload: %w", queue, err)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Name:        queue,
		Data:        data,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	if job.Delay > 0 {
		readyAt := float64(time.Now().Add(job.Delay).UnixMilli())
		if err := c.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: raw}).Err(); err != nil {
			return nil, fmt.Errorf("queue %s: zadd delayed: %w", queue, err)
		}
		return job, nil
	}

	if err := c.push(ctx, queue, raw, job.Priority); err != nil {
		return nil, err
	}
	return job, nil
}

// push adds a ready job. Consumers BRPOP from the right, so RPUSH puts
// priority jobs next in line.
func (c *Client) push(ctx context.Context, queue string, raw []byte, priority int) error {
	var err error
	if priority > 0 {
		err = c.rdb.RPush(ctx, readyKey(queue), raw).Err()
	} else {
		err = c.rdb.LPush(ctx, readyKey(queue), raw).Err()
	}
	if err != nil {
		return fmt.Errorf("queue %s: push: %w", queue, err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose ready time has arrived onto the
// ready list. Called by consumers on each poll cycle; safe to run from
// multiple processes because ZREM only succeeds for one caller.
func (c *Client) PromoteDue(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().UnixMilli())
	members, err := c.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, m := range members {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil || removed == 0 {
			continue // another consumer promoted it
		}
		var job Job
		priority := 0
		if json.Unmarshal([]byte(m), &job) == nil {
			priority = job.Priority
		}
		if err := c.push(ctx, queue, []byte(m), priority); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Depth returns the number of ready jobs in the queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	return c.rdb.LLen(ctx, readyKey(queue)).Result()
}

// DelayedDepth returns the number of delayed/retrying jobs.
func (c *Client) DelayedDepth(ctx context.Context, queue string) (int64, error) {
	return c.rdb.ZCard(ctx, delayedKey(queue)).Result()
}

// DeadLetters returns up to limit jobs from the dead-letter list, newest
// first. This is the operator surface for terminal failures.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := c.rdb.LRange(ctx, deadKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// recordDead pushes a terminally failed job onto the capped dead list.
func (c *Client) recordDead(ctx context.Context, queue string, raw []byte) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, deadKey(queue), raw)
	pipe.LTrim(ctx, deadKey(queue), 0, DefaultRemoveOnFail-1)
	_, err := pipe.Exec(ctx)
	return err
}

// recordDone retains a completed job id on the capped done list.
func (c *Client) recordDone(ctx context.Context, queue, jobID string) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, doneKey(queue), jobID)
	pipe.LTrim(ctx, doneKey(queue), 0, DefaultRemoveOnComplete-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Backoff returns the delay before the given retry attempt (1-based):
// exponential from the base, capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	d := DefaultBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
