package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

// Service owns the campaign lifecycle: drafting, audience preview,
// scheduling, cancellation, and the per-lead send jobs dispatched by the
// scheduler.
type Service struct {
	store    *storage.Store
	queues   *queue.Client
	pipeline *pipeline.Service
	renderer *Renderer
}

func New(store *storage.Store, queues *queue.Client, pl *pipeline.Service) *Service {
	return &Service{
		store:    store,
		queues:   queues,
		pipeline: pl,
		renderer: NewRenderer(),
	}
}

// CreateInput carries the draft fields accepted at POST /v1/campaigns.
type CreateInput struct {
	ChannelID   string         `json:"channel_id"`
	Name        string         `json:"name"`
	MessageText string         `json:"message_text"`
	Segment     domain.Segment `json:"segment"`
	ScheduleAt  *time.Time     `json:"schedule_at,omitempty"`
}

// Create validates and inserts a draft campaign. A schedule_at in the
// input only records intent; the draft still needs an explicit Schedule
// call to arm it.
func (s *Service) Create(ctx context.Context, orgID string, in CreateInput) (*domain.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Invalid("campaign name required", "name")
	}
	if strings.TrimSpace(in.MessageText) == "" {
		return nil, apperr.Invalid("message text required", "message_text")
	}
	if err := s.renderer.CheckTemplate(in.MessageText); err != nil {
		return nil, apperr.Invalid(fmt.Sprintf("invalid message template: %v", err), "message_text")
	}
	if in.Segment.LastActiveWithinDays < 0 {
		return nil, apperr.Invalid("last_active_within_days must be >= 0", "segment.last_active_within_days")
	}
	if _, err := s.store.GetChannel(ctx, orgID, in.ChannelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "channel not found")
		}
		return nil, err
	}

	c := &domain.Campaign{
		OrganizationID: orgID,
		ChannelID:      in.ChannelID,
		Name:           in.Name,
		MessageText:    in.MessageText,
		Segment:        in.Segment,
		ScheduleAt:     in.ScheduleAt,
		Status:         domain.CampaignDraft,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, orgID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "campaign not found")
	}
	return c, err
}

func (s *Service) List(ctx context.Context, orgID, status string, limit, offset int) ([]domain.Campaign, error) {
	return s.store.ListCampaigns(ctx, orgID, status, limit, offset)
}

// AudiencePreview is the dry-run answer for a segment: how many leads
// match right now, plus a sample.
type AudiencePreview struct {
	Count  int           `json:"count"`
	Sample []domain.Lead `json:"sample"`
}

// PreviewAudience evaluates a campaign's segment without materializing
// sends. Works on drafts and scheduled campaigns alike.
func (s *Service) PreviewAudience(ctx context.Context, orgID, campaignID string, sampleSize int) (*AudiencePreview, error) {
	c, err := s.Get(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountAudience(ctx, orgID, c.Segment)
	if err != nil {
		return nil, err
	}
	if sampleSize <= 0 || sampleSize > 25 {
		sampleSize = 10
	}
	ids, err := s.store.SelectAudience(ctx, orgID, c.Segment, sampleSize)
	if err != nil {
		return nil, err
	}
	sample := make([]domain.Lead, 0, len(ids))
	for _, id := range ids {
		lead, err := s.store.GetLead(ctx, orgID, id)
		if err != nil {
			continue
		}
		sample = append(sample, *lead)
	}
	return &AudiencePreview{Count: count, Sample: sample}, nil
}

// Schedule arms a draft campaign. schedule_at must not be in the past;
// an empty schedule_at means "as soon as the scheduler ticks".
func (s *Service) Schedule(ctx context.Context, orgID, id string, at *time.Time) (*domain.Campaign, error) {
	when := time.Now()
	if at != nil {
		if at.Before(time.Now().Add(-time.Minute)) {
			return nil, apperr.Invalid("schedule_at is in the past", "schedule_at")
		}
		when = *at
	}
	if err := s.store.ScheduleCampaign(ctx, orgID, id, when); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "only draft campaigns can be scheduled")
		}
		return nil, err
	}
	return s.Get(ctx, orgID, id)
}

// Cancel stops a scheduled or running campaign. Pending sends become
// skipped; sends already dispatched keep their outcome.
func (s *Service) Cancel(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	if err := s.store.CancelCampaign(ctx, orgID, id); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "campaign is not cancellable")
		}
		return nil, err
	}
	s.renderer.Forget(id)
	return s.Get(ctx, orgID, id)
}

// ROIReport pairs the recorded financials with attribution credit.
type ROIReport struct {
	CampaignID            string                  `json:"campaign_id"`
	Cost                  *float64                `json:"cost,omitempty"`
	Revenue               *float64                `json:"revenue,omitempty"`
	ROI                   *float64                `json:"roi,omitempty"`
	AttributedConversions float64                 `json:"attributed_conversions"`
	AttributedRevenue     float64                 `json:"attributed_revenue"`
	Counters              domain.CampaignCounters `json:"counters"`
}

// SetFinancials records cost/revenue for ROI reporting. Nil fields keep
// their current value.
func (s *Service) SetFinancials(ctx context.Context, orgID, id string, cost, revenue *float64) error {
	if cost != nil && *cost < 0 {
		return apperr.Invalid("cost must be >= 0", "cost")
	}
	if revenue != nil && *revenue < 0 {
		return apperr.Invalid("revenue must be >= 0", "revenue")
	}
	if err := s.store.SetCampaignFinancials(ctx, orgID, id, cost, revenue); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "campaign not found")
		}
		return err
	}
	return nil
}

// ROI reports recorded financials plus attributed credit under the
// org's default attribution model, over the campaign's lifetime.
func (s *Service) ROI(ctx context.Context, orgID, id string) (*ROIReport, error) {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
	if err != nil {
		return nil, err
	}
	report := &ROIReport{
		CampaignID: c.ID,
		Cost:       c.Cost,
		Revenue:    c.Revenue,
		Counters:   c.Counters,
	}
	if c.Cost != nil && c.Revenue != nil {
		v := domain.ROI(*c.Revenue, *c.Cost)
		report.ROI = &v
	}
	credits, err := s.store.CreditByCampaign(ctx, orgID,
		settings.DefaultModel, c.CreatedAt, time.Now())
	if err != nil {
		return nil, err
	}
	for _, cr := range credits {
		if cr.CampaignID == c.ID {
			report.AttributedConversions = cr.Conversions
			report.AttributedRevenue = cr.Credit
		}
	}
	return report, nil
}

// SendJob is the payload on the campaign.sends queue, one per lead.
type SendJob struct {
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id"`
	SendID         string `json:"send_id"`
}

// HandleSendJob dispatches one materialized send. Opt-out and segment
// drop-out resolve the send as skipped rather than failed; the actual
// sent/failed outcome follows the outbound message it creates.
func (s *Service) HandleSendJob(ctx context.Context, job queue.Job) error {
	var payload SendJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Campaign] dropping malformed send job %s: %v", job.ID, err)
		return nil
	}
	orgID := payload.OrganizationID

	send, err := s.store.GetSend(ctx, orgID, payload.SendID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Campaign] send job %s: send %s gone", job.ID, payload.SendID)
			return nil
		}
		return err
	}
	if send.Status != domain.SendPending {
		return nil
	}

	c, err := s.store.GetCampaign(ctx, orgID, send.CampaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignRunning {
		return s.skipSend(ctx, orgID, send.ID, "campaign no longer running")
	}

	lead, err := s.store.GetLead(ctx, orgID, send.LeadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.skipSend(ctx, orgID, send.ID, "lead gone")
		}
		return err
	}
	if lead.OptedOut() {
		return s.skipSend(ctx, orgID, send.ID, "lead opted out")
	}
	if !MatchesSegment(lead, c.Segment, time.Now()) {
		return s.skipSend(ctx, orgID, send.ID, "lead left segment")
	}

	contact, err := s.store.GetContact(ctx, orgID, lead.ContactID)
	if err != nil {
		return err
	}
	conv, err := s.store.EnsureConversation(ctx, orgID, contact.ID, c.ChannelID)
	if err != nil {
		return err
	}

	text, err := s.renderer.Render(c.ID, c.MessageText, lead, contact)
	if err != nil {
		// Authoring error; every send would fail the same way.
		return s.resolveSend(ctx, orgID, send.ID, domain.SendFailed, fmt.Sprintf("template: %v", err))
	}

	if _, err := s.pipeline.EnqueueOutbound(ctx, orgID, conv.ID, text, send.ID, ""); err != nil {
		return err
	}
	return nil
}

func (s *Service) skipSend(ctx context.Context, orgID, sendID, reason string) error {
	return s.resolveSend(ctx, orgID, sendID, domain.SendSkipped, reason)
}

func (s *Service) resolveSend(ctx context.Context, orgID, sendID string, status domain.SendStatus, reason string) error {
	err := s.store.ResolveSend(ctx, orgID, sendID, status, "", reason)
	if errors.Is(err, storage.ErrConflict) {
		// Lost the race to another resolution; nothing left to do.
		return nil
	}
	return err
}

// MatchesSegment re-checks a lead against a segment predicate at send
// time, mirroring the SQL the audience was materialized with.
func MatchesSegment(l *domain.Lead, seg domain.Segment, now time.Time) bool {
	if len(seg.StageIn) > 0 && !containsString(seg.StageIn, l.Stage) {
		return false
	}
	if len(seg.TagsAny) > 0 {
		any := false
		for _, t := range seg.TagsAny {
			if l.HasTag(t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, t := range seg.TagsAll {
		if !l.HasTag(t) {
			return false
		}
	}
	if len(seg.SourceIn) > 0 && !containsString(seg.SourceIn, l.Source) {
		return false
	}
	if seg.LastActiveWithinDays > 0 {
		cutoff := now.AddDate(0, 0, -seg.LastActiveWithinDays)
		if l.LastActivityAt.Before(cutoff) {
			return false
		}
	}
	return true
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
