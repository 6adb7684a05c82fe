// Package pipeline is the message pipeline: inbound ingest, outbound
// dispatch, and provider status reconciliation. Lead auto-provisioning
// and rule evaluation happen at ingest so every inbound message leaves a
// scored, tagged lead behind it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/leadrules"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/pkg/logger"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

// TriggerNotifier receives lead lifecycle events. The journey engine
// implements it; a nil notifier disables journey triggering.
type TriggerNotifier interface {
	InboundMessage(ctx context.Context, orgID string, lead *domain.Lead, conversationID, text string)
	TagsChanged(ctx context.Context, orgID string, lead *domain.Lead, added []string)
	StageChanged(ctx context.Context, orgID string, lead *domain.Lead, fromStage string)
}

// NotifierList fans one lead lifecycle event out to several listeners
// (journey triggers, attribution conversion detection).
type NotifierList []TriggerNotifier

func (ns NotifierList) InboundMessage(ctx context.Context, orgID string, lead *domain.Lead, conversationID, text string) {
	for _, n := range ns {
		n.InboundMessage(ctx, orgID, lead, conversationID, text)
	}
}

func (ns NotifierList) TagsChanged(ctx context.Context, orgID string, lead *domain.Lead, added []string) {
	for _, n := range ns {
		n.TagsChanged(ctx, orgID, lead, added)
	}
}

func (ns NotifierList) StageChanged(ctx context.Context, orgID string, lead *domain.Lead, fromStage string) {
	for _, n := range ns {
		n.StageChanged(ctx, orgID, lead, fromStage)
	}
}

// StepResolver is told the outcome of a message sent on behalf of a
// journey step. The journey engine implements it; a nil resolver leaves
// steps to the sweep's retry budget.
type StepResolver interface {
	StepMessageSent(ctx context.Context, orgID, stepID, messageID string)
	StepMessageFailed(ctx context.Context, orgID, stepID, messageID, reason string)
}

// Service wires storage, queues, and provider adapters into the message
// pipeline.
type Service struct {
	store    *storage.Store
	queues   *queue.Client
	registry *provider.Registry
	notifier TriggerNotifier
	steps    StepResolver
}

// New creates the pipeline service.
func New(store *storage.Store, queues *queue.Client, registry *provider.Registry) *Service {
	return &Service{store: store, queues: queues, registry: registry}
}

// SetNotifier installs the journey trigger hook. Must be called before
// traffic flows.
func (s *Service) SetNotifier(n TriggerNotifier) { s.notifier = n }

// SetStepResolver installs the journey step outcome hook.
func (s *Service) SetStepResolver(r StepResolver) { s.steps = r }

// Providers exposes the adapter registry for channel validation.
func (s *Service) Providers() *provider.Registry { return s.registry }

// InboundJob is the payload carried on the inbound.events queue.
type InboundJob struct {
	OrganizationID string          `json:"organization_id"`
	ChannelID      string          `json:"channel_id"`
	Payload        json.RawMessage `json:"payload"`
}

// OutboundJob is the payload carried on the outbound.messages queue.
type OutboundJob struct {
	OrganizationID string `json:"organization_id"`
	MessageID      string `json:"message_id"`
}

// StatusJob is the payload carried on the whatsapp.status queue.
type StatusJob struct {
	OrganizationID string          `json:"organization_id"`
	ChannelID      string          `json:"channel_id"`
	Payload        json.RawMessage `json:"payload"`
}

// EnqueueInbound validates the channel and defers payload processing to
// the inbound.events queue.
func (s *Service) EnqueueInbound(ctx context.Context, orgID, channelID string, payload []byte) error {
	if _, err := s.store.GetChannel(ctx, orgID, channelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "channel not found")
		}
		return err
	}
	_, err := s.queues.Enqueue(ctx, queue.QueueInboundEvents, InboundJob{
		OrganizationID: orgID, ChannelID: channelID, Payload: payload,
	})
	return err
}

// EnqueueStatus defers a provider status callback to the whatsapp.status
// queue.
func (s *Service) EnqueueStatus(ctx context.Context, orgID, channelID string, payload []byte) error {
	if _, err := s.store.GetChannel(ctx, orgID, channelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "channel not found")
		}
		return err
	}
	_, err := s.queues.Enqueue(ctx, queue.QueueWhatsAppStatus, StatusJob{
		OrganizationID: orgID, ChannelID: channelID, Payload: payload,
	})
	return err
}

// HandleInboundJob is the inbound.events queue handler.
func (s *Service) HandleInboundJob(ctx context.Context, job queue.Job) error {
	var payload InboundJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Pipeline] dropping malformed inbound job %s: %v", job.ID, err)
		return nil
	}
	return s.IngestInbound(ctx, payload.OrganizationID, payload.ChannelID, payload.Payload)
}

// IngestInbound normalizes a provider payload into contacts,
// conversations, messages, and leads, then evaluates the org's rules.
// Re-delivery is safe: messages dedup on external id and entity upserts
// converge.
func (s *Service) IngestInbound(ctx context.Context, orgID, channelID string, payload []byte) error {
	ch, err := s.store.GetChannel(ctx, orgID, channelID)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(ch.Provider)
	if err != nil {
		return err
	}
	msgs, err := adapter.ParseInbound(payload)
	if err != nil {
		// A payload that cannot parse will not parse on retry either.
		log.Printf("[Pipeline] channel %s: dropping unparseable payload: %v", channelID, err)
		return nil
	}

	for i := range msgs {
		if err := s.ingestOne(ctx, orgID, ch, &msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ingestOne(ctx context.Context, orgID string, ch *domain.Channel, in *domain.InboundMessage) error {
	// A message without a sender or id cannot be attached to anything;
	// retrying will not fix it.
	if in.SenderExternalID == "" || in.ExternalID == "" {
		log.Printf("[Pipeline] channel %s: dropping inbound message with missing sender or id", ch.ID)
		return nil
	}
	contact, err := s.store.UpsertContact(ctx, orgID, in.SenderExternalID, in.SenderExternalID, in.SenderName)
	if err != nil {
		return err
	}
	conv, err := s.store.EnsureConversation(ctx, orgID, contact.ID, ch.ID)
	if err != nil {
		return err
	}

	msg := &domain.Message{
		OrganizationID: orgID,
		ConversationID: conv.ID,
		Direction:      domain.DirectionIn,
		Text:           in.Text,
		ExternalID:     in.ExternalID,
		ReceivedAt:     in.Timestamp,
	}
	created, err := s.store.InsertInbound(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		// Duplicate delivery; everything downstream already ran.
		return nil
	}
	log.Printf("[Pipeline] channel %s: inbound message from %s", ch.ID, logger.Redact(in.SenderExternalID))

	lead, err := s.store.ActiveLeadByContact(ctx, orgID, contact.ID)
	if errors.Is(err, storage.ErrNotFound) {
		lead = &domain.Lead{
			OrganizationID: orgID,
			ContactID:      contact.ID,
			Stage:          domain.StageNew,
			Source:         ch.Provider,
		}
		cerr := s.store.CreateLead(ctx, lead)
		if errors.Is(cerr, storage.ErrConflict) {
			// Lost the race to a concurrent ingest.
			lead, err = s.store.ActiveLeadByContact(ctx, orgID, contact.ID)
			if err != nil {
				return err
			}
		} else if cerr != nil {
			return cerr
		}
	} else if err != nil {
		return err
	}

	if err := s.store.TouchLeadActivity(ctx, orgID, lead.ID, in.Timestamp); err != nil {
		return err
	}

	lead, err = s.EvaluateRules(ctx, orgID, lead, leadrules.Context{Text: in.Text})
	if err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.InboundMessage(ctx, orgID, lead, conv.ID, in.Text)
	}
	return nil
}

// ApplySignals runs the rule engine against explicit signals, the
// /v1/leads/:id/signals surface.
func (s *Service) ApplySignals(ctx context.Context, orgID, leadID, text string, signals []string) (*domain.Lead, *leadrules.Result, error) {
	lead, err := s.store.GetLead(ctx, orgID, leadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.New(apperr.NotFound, "lead not found")
		}
		return nil, nil, err
	}

	raw, err := s.store.GetLeadRules(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	rules, err := leadrules.ParseRules(raw)
	if err != nil {
		// Stored rules passed validation at ingress; treat decay as
		// empty rather than blocking the lead surface.
		log.Printf("[Pipeline] org %s: stored rules unreadable: %v", orgID, err)
		rules = nil
	}

	res := leadrules.Evaluate(snapshotOf(lead), leadrules.Context{Text: text, Signals: signals}, rules)
	updated, err := s.applyResult(ctx, orgID, lead, &res)
	if err != nil {
		return nil, nil, err
	}
	return updated, &res, nil
}

// EvaluateRules runs the org's stored rules for the lead and applies the
// resulting diff. Returns the (possibly updated) lead.
func (s *Service) EvaluateRules(ctx context.Context, orgID string, lead *domain.Lead, rctx leadrules.Context) (*domain.Lead, error) {
	raw, err := s.store.GetLeadRules(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rules, err := leadrules.ParseRules(raw)
	if err != nil {
		log.Printf("[Pipeline] org %s: stored rules unreadable: %v", orgID, err)
		return lead, nil
	}
	res := leadrules.Evaluate(snapshotOf(lead), rctx, rules)
	return s.applyResult(ctx, orgID, lead, &res)
}

func (s *Service) applyResult(ctx context.Context, orgID string, lead *domain.Lead, res *leadrules.Result) (*domain.Lead, error) {
	if res.Updates.Empty() {
		return lead, nil
	}

	u := storage.LeadUpdates{Stage: res.Updates.Stage}
	if res.Updates.TagsChanged {
		added, removed := tagDiff(lead.Tags, res.Updates.Tags)
		u.AddTags, u.RemoveTags = added, removed
	}
	if res.Updates.Score != nil {
		u.SetScore = res.Updates.Score
	}
	if res.Updates.AssignQueue != nil {
		u.Metadata = map[string]interface{}{"assignment_queue": *res.Updates.AssignQueue}
	}
	u.Source = res.Updates.Source

	prior := lead
	updated, err := s.store.ApplyLeadUpdates(ctx, orgID, lead.ID, u)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if res.Updates.TagsChanged {
			added, _ := tagDiff(prior.Tags, res.Updates.Tags)
			if len(added) > 0 {
				s.notifier.TagsChanged(ctx, orgID, updated, added)
			}
		}
		if res.Updates.Stage != nil && *res.Updates.Stage != prior.Stage {
			s.notifier.StageChanged(ctx, orgID, updated, prior.Stage)
		}
	}
	return updated, nil
}

// UpdateLead applies manual updates (API, CRM inbound) through the same
// notification path rule-driven updates take, so stage and tag changes
// fire journey triggers and conversion detection regardless of origin.
func (s *Service) UpdateLead(ctx context.Context, orgID, leadID string, u storage.LeadUpdates) (*domain.Lead, error) {
	lead, err := s.store.GetLead(ctx, orgID, leadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "lead not found")
		}
		return nil, err
	}
	if u.Empty() {
		return lead, nil
	}
	updated, err := s.store.ApplyLeadUpdates(ctx, orgID, leadID, u)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		added, _ := tagDiff(lead.Tags, updated.Tags)
		if len(added) > 0 {
			s.notifier.TagsChanged(ctx, orgID, updated, added)
		}
		if updated.Stage != lead.Stage {
			s.notifier.StageChanged(ctx, orgID, updated, lead.Stage)
		}
	}
	return updated, nil
}

// EnqueueOutbound records a pending outbound message and defers the
// provider call to the outbound.messages queue. Returns the message.
func (s *Service) EnqueueOutbound(ctx context.Context, orgID, conversationID, text, campaignSendID, journeyStepID string) (*domain.Message, error) {
	if text == "" {
		return nil, apperr.New(apperr.InvalidInput, "message text required")
	}
	if _, err := s.store.GetConversation(ctx, orgID, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "conversation not found")
		}
		return nil, err
	}

	msg := &domain.Message{
		OrganizationID:   orgID,
		ConversationID:   conversationID,
		Text:             text,
		CampaignSendID:   campaignSendID,
		JourneyRunStepID: journeyStepID,
	}
	if err := s.store.CreateOutbound(ctx, msg); err != nil {
		return nil, err
	}
	if _, err := s.queues.Enqueue(ctx, queue.QueueOutboundMessages, OutboundJob{
		OrganizationID: orgID, MessageID: msg.ID,
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

// HandleOutboundJob is the outbound.messages queue handler. It resolves
// the conversation's channel adapter and sends. The pending status guard
// makes duplicate deliveries no-ops; the final failed attempt marks the
// message failed and propagates to campaign send linkage.
func (s *Service) HandleOutboundJob(ctx context.Context, job queue.Job) error {
	var payload OutboundJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Pipeline] dropping malformed outbound job %s: %v", job.ID, err)
		return nil
	}

	msg, err := s.store.GetMessage(ctx, payload.OrganizationID, payload.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Pipeline] outbound job %s: message %s gone", job.ID, payload.MessageID)
			return nil
		}
		return err
	}
	if msg.Status != domain.MessagePending {
		return nil
	}

	conv, err := s.store.GetConversation(ctx, msg.OrganizationID, msg.ConversationID)
	if err != nil {
		return err
	}
	ch, err := s.store.GetChannel(ctx, msg.OrganizationID, conv.ChannelID)
	if err != nil {
		return err
	}
	contact, err := s.store.GetContact(ctx, msg.OrganizationID, conv.ContactID)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(ch.Provider)
	if err != nil {
		return s.failOutbound(ctx, msg, err.Error())
	}

	providerID, err := adapter.SendText(ctx, ch, contact.ExternalID, msg.Text)
	if errors.Is(err, provider.ErrSendUnsupported) {
		return s.failOutbound(ctx, msg, fmt.Sprintf("provider %s cannot send", ch.Provider))
	}
	if err != nil {
		if job.Attempts >= maxAttempts(job) {
			return s.failOutbound(ctx, msg, err.Error())
		}
		return err // queue retries with backoff
	}

	if err := s.store.MarkMessageSent(ctx, msg.OrganizationID, msg.ID, providerID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return err
	}
	if msg.CampaignSendID != "" {
		if err := s.store.ResolveSend(ctx, msg.OrganizationID, msg.CampaignSendID, domain.SendSent, msg.ID, ""); err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	if msg.JourneyRunStepID != "" && s.steps != nil {
		s.steps.StepMessageSent(ctx, msg.OrganizationID, msg.JourneyRunStepID, msg.ID)
	}
	return nil
}

func (s *Service) failOutbound(ctx context.Context, msg *domain.Message, reason string) error {
	if err := s.store.MarkMessageFailed(ctx, msg.OrganizationID, msg.ID, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	if msg.CampaignSendID != "" {
		if err := s.store.ResolveSend(ctx, msg.OrganizationID, msg.CampaignSendID, domain.SendFailed, msg.ID, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	if msg.JourneyRunStepID != "" && s.steps != nil {
		s.steps.StepMessageFailed(ctx, msg.OrganizationID, msg.JourneyRunStepID, msg.ID, reason)
	}
	return nil
}

// HandleStatusJob is the whatsapp.status queue handler.
func (s *Service) HandleStatusJob(ctx context.Context, job queue.Job) error {
	var payload StatusJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Pipeline] dropping malformed status job %s: %v", job.ID, err)
		return nil
	}
	return s.ReconcileStatus(ctx, payload.OrganizationID, payload.ChannelID, payload.Payload)
}

// ReconcileStatus applies provider status callbacks under the status
// partial order: pending, sent, delivered, read move forward only;
// failed is terminal and only reachable from pending or sent. Ignored
// transitions and unknown provider statuses are logged, never errors, so
// out-of-order callbacks don't churn the queue.
func (s *Service) ReconcileStatus(ctx context.Context, orgID, channelID string, payload []byte) error {
	ch, err := s.store.GetChannel(ctx, orgID, channelID)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(ch.Provider)
	if err != nil {
		return err
	}
	updates, err := adapter.ParseStatus(payload)
	if err != nil {
		log.Printf("[Pipeline] channel %s: dropping unparseable status payload: %v", channelID, err)
		return nil
	}

	for _, upd := range updates {
		if !upd.Known {
			log.Printf("[Pipeline] channel %s: ignoring unknown provider status for %s", channelID, upd.ProviderMessageID)
			continue
		}
		if err := s.applyStatus(ctx, orgID, upd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyStatus(ctx context.Context, orgID string, upd domain.StatusUpdate) error {
	msg, err := s.store.FindMessageByProviderID(ctx, orgID, upd.ProviderMessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Pipeline] status for unknown provider message %s", upd.ProviderMessageID)
			return nil
		}
		return err
	}
	if !msg.Status.CanTransition(upd.Status) {
		return nil
	}
	applied, err := s.store.AdvanceMessageStatus(ctx, orgID, msg.ID, msg.Status, upd.Status, upd.Error)
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with a concurrent callback; the winner already
		// moved the message at least this far.
		return nil
	}
	if upd.Status == domain.MessageFailed {
		if msg.CampaignSendID != "" {
			if err := s.store.ResolveSend(ctx, orgID, msg.CampaignSendID, domain.SendFailed, msg.ID, upd.Error); err != nil && !errors.Is(err, storage.ErrConflict) {
				return err
			}
		}
		if msg.JourneyRunStepID != "" && s.steps != nil {
			s.steps.StepMessageFailed(ctx, orgID, msg.JourneyRunStepID, msg.ID, upd.Error)
		}
	}
	return nil
}

func snapshotOf(l *domain.Lead) leadrules.Snapshot {
	return leadrules.Snapshot{
		Tags:     l.Tags,
		Stage:    l.Stage,
		Score:    l.Score,
		Source:   l.Source,
		Metadata: l.Metadata,
	}
}

func tagDiff(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]bool, len(before))
	for _, t := range before {
		beforeSet[t] = true
	}
	afterSet := make(map[string]bool, len(after))
	for _, t := range after {
		afterSet[t] = true
		if !beforeSet[t] {
			added = append(added, t)
		}
	}
	for _, t := range before {
		if !afterSet[t] {
			removed = append(removed, t)
		}
	}
	return added, removed
}

func maxAttempts(job queue.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return queue.DefaultMaxAttempts
}
