// Package journey runs the node/edge automation graphs: trigger matching
// on lead lifecycle events, debounced run creation, and the step
// executor walking send_message, delay, condition, tag_update and
// webhook nodes.
package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/pkg/httpretry"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultDebounce suppresses duplicate trigger deliveries per
	// (journey, lead, dedup key) when the journey does not set its own
	// window.
	DefaultDebounce = 24 * time.Hour

	// stepRetryBudget is how many executions a step gets before it fails
	// for good. Claims increment attempts, so this counts claims.
	stepRetryBudget = 3

	stepRetryDelay = 30 * time.Second
)

// Engine matches triggers, starts runs, and executes steps. It is both
// the pipeline's TriggerNotifier and its StepResolver.
type Engine struct {
	store    *storage.Store
	queues   *queue.Client
	pipeline *pipeline.Service
	rdb      *redis.Client
	webhooks httpretry.HTTPDoer
}

func NewEngine(store *storage.Store, queues *queue.Client, pl *pipeline.Service, rdb *redis.Client) *Engine {
	return &Engine{
		store:    store,
		queues:   queues,
		pipeline: pl,
		rdb:      rdb,
		webhooks: httpretry.NewRetryClient(nil, 3),
	}
}

// SetWebhookClient overrides the webhook HTTP client, mainly for tests.
func (e *Engine) SetWebhookClient(c httpretry.HTTPDoer) { e.webhooks = c }

// RunJob is the payload on the journey.runs queue: one step to execute.
type RunJob struct {
	OrganizationID string `json:"organization_id"`
	StepID         string `json:"step_id"`
}

// InboundMessage implements pipeline.TriggerNotifier.
func (e *Engine) InboundMessage(ctx context.Context, orgID string, lead *domain.Lead, conversationID, text string) {
	e.fireTriggers(ctx, orgID, lead, conversationID, domain.TriggerInboundMessage, func(t domain.JourneyTrigger) (bool, string) {
		if len(t.TextIncludes) == 0 {
			return true, "inbound"
		}
		lower := strings.ToLower(text)
		for _, want := range t.TextIncludes {
			if strings.Contains(lower, strings.ToLower(want)) {
				return true, "inbound:" + want
			}
		}
		return false, ""
	})
}

// TagsChanged implements pipeline.TriggerNotifier.
func (e *Engine) TagsChanged(ctx context.Context, orgID string, lead *domain.Lead, added []string) {
	e.fireTriggers(ctx, orgID, lead, "", domain.TriggerTagChange, func(t domain.JourneyTrigger) (bool, string) {
		for _, want := range t.TagsAny {
			for _, got := range added {
				if got == want {
					return true, "tag:" + want
				}
			}
		}
		return false, ""
	})
}

// StageChanged implements pipeline.TriggerNotifier.
func (e *Engine) StageChanged(ctx context.Context, orgID string, lead *domain.Lead, fromStage string) {
	e.fireTriggers(ctx, orgID, lead, "", domain.TriggerStageChange, func(t domain.JourneyTrigger) (bool, string) {
		for _, want := range t.Stages {
			if want == lead.Stage {
				return true, "stage:" + lead.Stage
			}
		}
		return false, ""
	})
}

// fireTriggers starts a run on every active journey with a matching
// trigger of the given type. Trigger failures are logged, never
// propagated: a journey must not fail the ingest that fired it.
func (e *Engine) fireTriggers(ctx context.Context, orgID string, lead *domain.Lead, conversationID, triggerType string, match func(domain.JourneyTrigger) (bool, string)) {
	journeys, err := e.store.ListActiveJourneys(ctx, orgID)
	if err != nil {
		log.Printf("[Journey] list active journeys: %v", err)
		return
	}
	for i := range journeys {
		j := &journeys[i]
		for _, t := range j.Triggers {
			if t.Type != triggerType {
				continue
			}
			ok, dedupKey := match(t)
			if !ok {
				continue
			}
			if _, err := e.StartRun(ctx, j, lead, conversationID, triggerType, dedupKey); err != nil {
				log.Printf("[Journey] start run for journey %s lead %s: %v", j.ID, lead.ID, err)
			}
			break // one run per journey per event
		}
	}
}

// StartRun creates a debounced run and enqueues its entry step. Returns
// (nil, nil) when the trigger was suppressed by the debounce window.
func (e *Engine) StartRun(ctx context.Context, j *domain.Journey, lead *domain.Lead, conversationID, triggerType, dedupKey string) (*domain.JourneyRun, error) {
	entry := j.EntryNode()
	if entry == nil {
		return nil, fmt.Errorf("journey %s has no entry node", j.ID)
	}
	window := DefaultDebounce
	if j.DebounceMinutes > 0 {
		window = time.Duration(j.DebounceMinutes) * time.Minute
	}
	fresh, err := e.debounce(ctx, j.OrganizationID, j.ID, lead.ID, dedupKey, window)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}

	run := &domain.JourneyRun{
		OrganizationID: j.OrganizationID,
		JourneyID:      j.ID,
		LeadID:         lead.ID,
		ConversationID: conversationID,
		TriggerType:    triggerType,
	}
	step, err := e.store.CreateRun(ctx, run, entry.ID, wakeForNode(entry, time.Now()))
	if err != nil {
		return nil, err
	}
	if step.WakeAt == nil {
		if _, err := e.queues.Enqueue(ctx, queue.QueueJourneyRuns, RunJob{
			OrganizationID: j.OrganizationID,
			StepID:         step.ID,
		}); err != nil {
			return nil, err
		}
	}
	// Steps with a wake time are picked up by the sweep.
	return run, nil
}

// debounce reports whether this (journey, lead, key) is fresh within the
// window. Redis down falls back to counting recent runs so a cache
// outage degrades to approximate suppression instead of silence.
func (e *Engine) debounce(ctx context.Context, orgID, journeyID, leadID, dedupKey string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("journey:debounce:%s:%s:%s", journeyID, leadID, dedupKey)
	if e.rdb != nil {
		set, err := e.rdb.SetNX(ctx, key, 1, window).Result()
		if err == nil {
			return set, nil
		}
		log.Printf("[Journey] debounce via redis failed, falling back to db: %v", err)
	}
	n, err := e.store.CountRecentRuns(ctx, orgID, journeyID, leadID, time.Now().Add(-window))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// HandleRunJob is the journey.runs queue handler: claim and execute one
// step.
func (e *Engine) HandleRunJob(ctx context.Context, job queue.Job) error {
	var payload RunJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Journey] dropping malformed run job %s: %v", job.ID, err)
		return nil
	}
	step, err := e.store.ClaimStep(ctx, payload.OrganizationID, payload.StepID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Already claimed, asleep, or resolved elsewhere.
			return nil
		}
		return err
	}
	return e.ExecuteStep(ctx, step)
}

// ExecuteStep runs one claimed step to its outcome. Transient failures
// put the step back to pending with a wake time until the retry budget
// runs out.
func (e *Engine) ExecuteStep(ctx context.Context, step *domain.JourneyRunStep) error {
	orgID := step.OrganizationID
	run, err := e.store.GetRun(ctx, orgID, step.RunID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("load run: %w", err))
	}
	if run.Status != domain.RunRunning {
		// Cancelled or failed between claim and execution. The claim
		// moved the step to running, past CancelRun's pending sweep, so
		// it has to be skipped here or it stays running forever.
		if err := e.store.SkipStep(ctx, orgID, step.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("skip step on %s run: %w", run.Status, err)
		}
		return nil
	}
	j, err := e.store.GetJourney(ctx, orgID, run.JourneyID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("load journey: %w", err))
	}
	node := j.NodeByID(step.NodeID)
	if node == nil {
		return e.store.FailStep(ctx, orgID, step.ID, fmt.Sprintf("node %s missing from graph", step.NodeID))
	}

	switch node.Type {
	case domain.NodeSendMessage:
		return e.execSendMessage(ctx, run, step, node)
	case domain.NodeDelay:
		// The waiting happened before the claim; just advance.
		return e.advance(ctx, j, run, step, nil, "")
	case domain.NodeCondition:
		return e.execCondition(ctx, j, run, step, node)
	case domain.NodeTagUpdate:
		return e.execTagUpdate(ctx, j, run, step, node)
	case domain.NodeWebhook:
		return e.execWebhook(ctx, j, run, step, node)
	default:
		return e.store.FailStep(ctx, orgID, step.ID, fmt.Sprintf("unknown node type %q", node.Type))
	}
}

// execSendMessage creates the linked outbound message and leaves the
// step running; StepMessageSent/StepMessageFailed finish it when the
// message resolves.
func (e *Engine) execSendMessage(ctx context.Context, run *domain.JourneyRun, step *domain.JourneyRunStep, node *domain.JourneyNode) error {
	lead, err := e.store.GetLead(ctx, run.OrganizationID, run.LeadID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("load lead: %w", err))
	}
	conv, err := e.store.EnsureConversation(ctx, run.OrganizationID, lead.ContactID, node.Config.ChannelID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("ensure conversation: %w", err))
	}
	if _, err := e.pipeline.EnqueueOutbound(ctx, run.OrganizationID, conv.ID, node.Config.Text, "", step.ID); err != nil {
		return e.stepError(ctx, step, fmt.Errorf("enqueue outbound: %w", err))
	}
	return nil
}

func (e *Engine) execCondition(ctx context.Context, j *domain.Journey, run *domain.JourneyRun, step *domain.JourneyRunStep, node *domain.JourneyNode) error {
	lead, err := e.store.GetLead(ctx, run.OrganizationID, run.LeadID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("load lead: %w", err))
	}
	lastText := ""
	if run.ConversationID != "" {
		lastText, err = e.store.LastInboundText(ctx, run.OrganizationID, run.ConversationID)
		if err != nil {
			return e.stepError(ctx, step, err)
		}
	}

	result := evalCondition(node.Config, lead, lastText)
	branch := "false"
	if result {
		branch = "true"
	}
	return e.advance(ctx, j, run, step, map[string]interface{}{"branch": branch}, branch)
}

// evalCondition ANDs every predicate present in the config.
func evalCondition(cfg domain.NodeConfig, lead *domain.Lead, lastInbound string) bool {
	if len(cfg.TagsAny) > 0 {
		any := false
		for _, t := range cfg.TagsAny {
			if lead.HasTag(t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if len(cfg.TextIncludes) > 0 {
		lower := strings.ToLower(lastInbound)
		any := false
		for _, want := range cfg.TextIncludes {
			if strings.Contains(lower, strings.ToLower(want)) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if cfg.MinScore != nil && lead.Score < *cfg.MinScore {
		return false
	}
	return true
}

func (e *Engine) execTagUpdate(ctx context.Context, j *domain.Journey, run *domain.JourneyRun, step *domain.JourneyRunStep, node *domain.JourneyNode) error {
	lead, err := e.store.GetLead(ctx, run.OrganizationID, run.LeadID)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("load lead: %w", err))
	}
	u := storage.LeadUpdates{
		AddTags:    node.Config.AddTags,
		RemoveTags: node.Config.RemoveTags,
	}
	if node.Config.SetStage != "" && node.Config.SetStage != lead.Stage {
		stage := node.Config.SetStage
		u.Stage = &stage
	}
	fromStage := lead.Stage
	updated := lead
	if !u.Empty() {
		updated, err = e.store.ApplyLeadUpdates(ctx, run.OrganizationID, lead.ID, u)
		if err != nil {
			return e.stepError(ctx, step, fmt.Errorf("apply tag update: %w", err))
		}
	}

	if err := e.advance(ctx, j, run, step, map[string]interface{}{
		"added":   node.Config.AddTags,
		"removed": node.Config.RemoveTags,
	}, ""); err != nil {
		return err
	}

	// Cascade triggers after the step resolves so a tag_change journey
	// sees this run's effects.
	if len(node.Config.AddTags) > 0 {
		e.TagsChanged(ctx, run.OrganizationID, updated, node.Config.AddTags)
	}
	if u.Stage != nil {
		e.StageChanged(ctx, run.OrganizationID, updated, fromStage)
	}
	return nil
}

func (e *Engine) execWebhook(ctx context.Context, j *domain.Journey, run *domain.JourneyRun, step *domain.JourneyRunStep, node *domain.JourneyNode) error {
	method := node.Config.Method
	if method == "" {
		method = http.MethodPost
	}
	var body *strings.Reader
	if node.Config.Body != "" {
		body = strings.NewReader(node.Config.Body)
	} else {
		payload, _ := json.Marshal(map[string]string{
			"journey_id": run.JourneyID,
			"run_id":     run.ID,
			"lead_id":    run.LeadID,
			"node_id":    node.ID,
		})
		body = strings.NewReader(string(payload))
	}
	reqCtx, cancel := context.WithTimeout(ctx, httpretry.DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, node.Config.URL, body)
	if err != nil {
		return e.store.FailStep(ctx, run.OrganizationID, step.ID, fmt.Sprintf("build webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range node.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.webhooks.Do(req)
	if err != nil {
		return e.stepError(ctx, step, fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The retry client already burned its budget on retryable codes.
		return e.store.FailStep(ctx, run.OrganizationID, step.ID,
			fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return e.advance(ctx, j, run, step, map[string]interface{}{"status": resp.StatusCode}, "")
}

// StepMessageSent implements pipeline.StepResolver: a send_message
// step's message went out, so the step completes and the run advances.
func (e *Engine) StepMessageSent(ctx context.Context, orgID, stepID, messageID string) {
	step, err := e.store.GetStep(ctx, orgID, stepID)
	if err != nil || step.Status != domain.StepRunning {
		return
	}
	run, err := e.store.GetRun(ctx, orgID, step.RunID)
	if err != nil {
		log.Printf("[Journey] resolve step %s: %v", stepID, err)
		return
	}
	j, err := e.store.GetJourney(ctx, orgID, run.JourneyID)
	if err != nil {
		log.Printf("[Journey] resolve step %s: %v", stepID, err)
		return
	}
	if err := e.advance(ctx, j, run, step, map[string]interface{}{"message_id": messageID}, ""); err != nil {
		log.Printf("[Journey] advance after message %s: %v", messageID, err)
	}
}

// StepMessageFailed implements pipeline.StepResolver.
func (e *Engine) StepMessageFailed(ctx context.Context, orgID, stepID, messageID, reason string) {
	if err := e.store.FailStep(ctx, orgID, stepID, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
		log.Printf("[Journey] fail step %s: %v", stepID, err)
	}
}

// advance completes the step, picks the outgoing edge, and enqueues or
// schedules the next step. An empty next node completes the run.
func (e *Engine) advance(ctx context.Context, j *domain.Journey, run *domain.JourneyRun, step *domain.JourneyRunStep, output map[string]interface{}, branch string) error {
	nextID, err := nextNode(j, step.NodeID, branch)
	if err != nil {
		return e.store.FailStep(ctx, run.OrganizationID, step.ID, err.Error())
	}
	var wake *time.Time
	if nextID != "" {
		if node := j.NodeByID(nextID); node != nil {
			wake = wakeForNode(node, time.Now())
		}
	}
	next, err := e.store.CompleteStep(ctx, run.OrganizationID, step.ID, output, nextID, wake)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return err
	}
	if next != nil && next.WakeAt == nil {
		if _, err := e.queues.Enqueue(ctx, queue.QueueJourneyRuns, RunJob{
			OrganizationID: run.OrganizationID,
			StepID:         next.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// nextNode resolves the edge to follow out of a node. Condition nodes
// prefer the edge labeled with the branch; a missing label falls back to
// a single unlabeled edge, and several unlabeled edges are ambiguous.
func nextNode(j *domain.Journey, nodeID, branch string) (string, error) {
	edges := j.EdgesFrom(nodeID)
	if len(edges) == 0 {
		return "", nil
	}
	if branch != "" {
		for _, e := range edges {
			if e.Label == branch {
				return e.To, nil
			}
		}
		var unlabeled []domain.JourneyEdge
		for _, e := range edges {
			if e.Label == "" {
				unlabeled = append(unlabeled, e)
			}
		}
		if len(unlabeled) == 1 {
			return unlabeled[0].To, nil
		}
		if len(unlabeled) == 0 {
			// No edge for this branch ends the run.
			return "", nil
		}
		return "", fmt.Errorf("AmbiguousBranch: node %s has %d unlabeled edges", nodeID, len(unlabeled))
	}
	return edges[0].To, nil
}

// wakeForNode returns the wake time a pending step for this node should
// carry: delay nodes sleep, everything else is immediately due.
func wakeForNode(node *domain.JourneyNode, now time.Time) *time.Time {
	if node.Type == domain.NodeDelay && node.Config.DelayMinutes > 0 {
		t := now.Add(time.Duration(node.Config.DelayMinutes) * time.Minute)
		return &t
	}
	return nil
}

// stepError retries a transient failure until the claim budget runs out.
func (e *Engine) stepError(ctx context.Context, step *domain.JourneyRunStep, cause error) error {
	if step.Attempts >= stepRetryBudget {
		log.Printf("[Journey] step %s failed after %d attempts: %v", step.ID, step.Attempts, cause)
		return e.store.FailStep(ctx, step.OrganizationID, step.ID, cause.Error())
	}
	log.Printf("[Journey] step %s attempt %d: %v (will retry)", step.ID, step.Attempts, cause)
	return e.store.ReturnStepToPending(ctx, step.OrganizationID, step.ID,
		time.Now().Add(stepRetryDelay), cause.Error())
}
