package attribution

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/storage"
)

// Service computes credit on conversion and attaches revenue events.
// It listens on the pipeline's lead lifecycle notifications to catch
// stage transitions to converted from any origin.
type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

// InboundMessage implements pipeline.TriggerNotifier; not relevant here.
func (s *Service) InboundMessage(ctx context.Context, orgID string, lead *domain.Lead, conversationID, text string) {
}

// TagsChanged implements pipeline.TriggerNotifier; not relevant here.
func (s *Service) TagsChanged(ctx context.Context, orgID string, lead *domain.Lead, added []string) {
}

// StageChanged implements pipeline.TriggerNotifier: a transition to
// converted triggers credit computation.
func (s *Service) StageChanged(ctx context.Context, orgID string, lead *domain.Lead, fromStage string) {
	if lead.Stage != domain.StageConverted {
		return
	}
	if err := s.Compute(ctx, orgID, lead); err != nil {
		log.Printf("[Attribution] compute for lead %s: %v", lead.ID, err)
	}
}

// Compute (re)writes the credit rows for the lead's conversion under
// all three models. Replacement keyed by (lead, conversion_at, model)
// makes recomputation idempotent. Zero eligible touchpoints write zero
// rows.
func (s *Service) Compute(ctx context.Context, orgID string, lead *domain.Lead) error {
	if lead.ConvertedAt == nil {
		return apperr.New(apperr.InvalidInput, "lead has no conversion")
	}
	settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
	if err != nil {
		return err
	}
	conversionAt := *lead.ConvertedAt
	from := conversionAt.AddDate(0, 0, -settings.LookbackDays)

	touchpoints, err := s.store.ListTouchpoints(ctx, orgID, lead.ID, from, conversionAt)
	if err != nil {
		return err
	}
	for _, model := range []domain.AttributionModel{
		domain.ModelFirstTouch, domain.ModelLastTouch, domain.ModelLinear,
	} {
		rows := AssignCredits(orgID, lead.ID, conversionAt, model, touchpoints)
		if err := s.store.ReplaceAttributions(ctx, orgID, lead.ID, conversionAt, model, rows); err != nil {
			return err
		}
	}
	log.Printf("[Attribution] lead %s: %d touchpoints credited", lead.ID, len(touchpoints))
	return nil
}

// Report returns the lead's credit rows for one model, defaulting to
// the org's configured model.
func (s *Service) Report(ctx context.Context, orgID, leadID string, model domain.AttributionModel) ([]domain.Attribution, error) {
	if model == "" {
		settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
		if err != nil {
			return nil, err
		}
		model = settings.DefaultModel
	}
	if !domain.ValidModel(model) {
		return nil, apperr.Invalid("unknown attribution model", "model")
	}
	if _, err := s.store.GetLead(ctx, orgID, leadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "lead not found")
		}
		return nil, err
	}
	return s.store.ListAttributions(ctx, orgID, leadID, model)
}

// RevenueInput is the POST /v1/crm/revenue payload.
type RevenueInput struct {
	LeadID     string  `json:"lead_id,omitempty"`
	CampaignID string  `json:"campaign_id,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
	ExternalID string  `json:"external_id,omitempty"`
}

// AttachRevenue records a revenue event and spreads the amount across
// the lead's conversion credit rows. Attachment order: explicit
// campaign_id, then the lead's last_touch attribution, else the event
// stays unattributed. Duplicate external ids are dropped.
func (s *Service) AttachRevenue(ctx context.Context, orgID string, in RevenueInput) (*domain.RevenueEvent, bool, error) {
	if in.Amount <= 0 {
		return nil, false, apperr.Invalid("amount must be > 0", "amount")
	}
	ev := &domain.RevenueEvent{
		OrganizationID: orgID,
		LeadID:         in.LeadID,
		CampaignID:     in.CampaignID,
		Amount:         in.Amount,
		Currency:       in.Currency,
		ExternalID:     in.ExternalID,
	}

	var lead *domain.Lead
	if in.LeadID != "" {
		var err error
		lead, err = s.store.GetLead(ctx, orgID, in.LeadID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, false, apperr.New(apperr.NotFound, "lead not found")
			}
			return nil, false, err
		}
	}
	if ev.CampaignID == "" && lead != nil {
		ev.CampaignID = s.lastTouchCampaign(ctx, orgID, lead)
	}

	created, err := s.store.InsertRevenueEvent(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return ev, false, nil
	}

	if lead != nil && lead.ConvertedAt != nil {
		if err := s.store.ApplyConversionCredit(ctx, orgID, lead.ID, *lead.ConvertedAt, ev.Amount); err != nil {
			return nil, false, err
		}
	}
	return ev, true, nil
}

// lastTouchCampaign resolves the campaign behind the lead's most recent
// last_touch credit row inside the lookback window, or "".
func (s *Service) lastTouchCampaign(ctx context.Context, orgID string, lead *domain.Lead) string {
	settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
	if err != nil {
		return ""
	}
	rows, err := s.store.ListAttributions(ctx, orgID, lead.ID, domain.ModelLastTouch)
	if err != nil || len(rows) == 0 {
		return ""
	}
	cutoff := time.Now().AddDate(0, 0, -settings.LookbackDays)
	campaign := ""
	for _, a := range rows {
		if a.Weight > 0 && a.CampaignID != "" && a.ConversionAt.After(cutoff) {
			campaign = a.CampaignID
		}
	}
	return campaign
}
