// Package analytics maintains the daily rollup tables and serves the
// reporting queries over them. Rollups are recomputed as absolute
// values, so running a day twice converges instead of double-counting.
package analytics

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

const (
	// responseWindow bounds how long after an outbound message an
	// inbound reply still counts as a response.
	responseWindow = 24 * time.Hour

	// DefaultRealtimeWindow is the realtime query window in minutes
	// when the caller does not pass one.
	DefaultRealtimeWindow = 60

	// maxRealtimeCap is the hard ceiling on the realtime window, one
	// day, regardless of org settings.
	maxRealtimeCap = 1440

	// maxLookbackDays bounds the attribution lookback setting.
	maxLookbackDays = 365
)

// Service computes rollups and answers reporting queries.
type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

// RollupJob asks the worker to recompute one org's rollups for one day.
type RollupJob struct {
	OrganizationID string    `json:"organization_id"`
	Date           time.Time `json:"date"`
}

// HandleRollupJob is the analytics.metrics queue handler.
func (s *Service) HandleRollupJob(ctx context.Context, job queue.Job) error {
	var payload RollupJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		log.Printf("[Analytics] dropping malformed rollup job %s: %v", job.ID, err)
		return nil
	}
	if payload.OrganizationID == "" || payload.Date.IsZero() {
		log.Printf("[Analytics] dropping rollup job %s with missing fields", job.ID)
		return nil
	}
	return s.RollupDay(ctx, payload.OrganizationID, payload.Date)
}

// RollupDay recomputes every rollup row for one UTC day: the org-level
// totals row, one row per channel, and one row per campaign.
func (s *Service) RollupDay(ctx context.Context, orgID string, day time.Time) error {
	settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
	if err != nil {
		return err
	}

	totals, err := s.store.ComputeDailyTotals(ctx, orgID, day, settings.DefaultModel, responseWindow)
	if err != nil {
		return err
	}
	if err := s.store.UpsertDaily(ctx, totals); err != nil {
		return err
	}

	byChannel, err := s.store.ComputeDailyByChannel(ctx, orgID, day)
	if err != nil {
		return err
	}
	for i := range byChannel {
		if err := s.store.UpsertDaily(ctx, &byChannel[i]); err != nil {
			return err
		}
	}

	byCampaign, err := s.store.ComputeDailyByCampaign(ctx, orgID, day, settings.DefaultModel)
	if err != nil {
		return err
	}
	for i := range byCampaign {
		if err := s.store.UpsertDaily(ctx, &byCampaign[i]); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the org-level report over a date range.
type Summary struct {
	From   time.Time               `json:"from"`
	To     time.Time               `json:"to"`
	Totals domain.AnalyticsDaily   `json:"totals"`
	Rates  domain.Rates            `json:"rates"`
	Days   []domain.AnalyticsDaily `json:"days"`
}

// Summary aggregates the org-level rollup rows over [from, to].
func (s *Service) Summary(ctx context.Context, orgID string, from, to time.Time) (*Summary, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	days, err := s.store.QueryDaily(ctx, orgID, from, to, "", "")
	if err != nil {
		return nil, err
	}
	totals := sumRows(orgID, days)
	return &Summary{
		From:   from,
		To:     to,
		Totals: totals,
		Rates:  ratesFor(totals),
		Days:   days,
	}, nil
}

// Breakdown is the aggregated counters for one channel or campaign.
type Breakdown struct {
	Key    string                `json:"key"`
	Totals domain.AnalyticsDaily `json:"totals"`
	Rates  domain.Rates          `json:"rates"`
}

// Channels aggregates per-channel rollups over [from, to].
func (s *Service) Channels(ctx context.Context, orgID string, from, to time.Time) ([]Breakdown, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	rows, err := s.store.ListDailyByChannel(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	return groupRows(orgID, rows, func(r domain.AnalyticsDaily) string { return r.ChannelID }), nil
}

// Campaigns aggregates per-campaign rollups over [from, to].
func (s *Service) Campaigns(ctx context.Context, orgID string, from, to time.Time) ([]Breakdown, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	rows, err := s.store.ListDailyByCampaign(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	return groupRows(orgID, rows, func(r domain.AnalyticsDaily) string { return r.CampaignID }), nil
}

// Trend is a daily series for one channel or campaign.
type Trend struct {
	Key  string                  `json:"key"`
	Days []domain.AnalyticsDaily `json:"days"`
}

// ChannelTrends returns one daily series per channel over [from, to].
func (s *Service) ChannelTrends(ctx context.Context, orgID string, from, to time.Time) ([]Trend, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	rows, err := s.store.ListDailyByChannel(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	return groupTrends(rows, func(r domain.AnalyticsDaily) string { return r.ChannelID }), nil
}

// CampaignTrends returns one daily series per campaign over [from, to].
func (s *Service) CampaignTrends(ctx context.Context, orgID string, from, to time.Time) ([]Trend, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	rows, err := s.store.ListDailyByCampaign(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	return groupTrends(rows, func(r domain.AnalyticsDaily) string { return r.CampaignID }), nil
}

// Realtime holds live counters for the requested window.
type Realtime struct {
	WindowMins int `json:"window_mins"`
	storage.RealtimeCounts
}

// Realtime computes counters straight from the base tables for the last
// windowMins minutes. Zero means the default window; the org's realtime
// cap bounds the window either way.
func (s *Service) Realtime(ctx context.Context, orgID string, windowMins int) (*Realtime, error) {
	if windowMins < 0 {
		return nil, apperr.Invalid("window must not be negative", "window")
	}
	if windowMins == 0 {
		windowMins = DefaultRealtimeWindow
	}
	settings, err := s.store.GetAnalyticsSettings(ctx, orgID)
	if err != nil {
		return nil, err
	}
	capMins := settings.RealtimeCapMins
	if capMins <= 0 || capMins > maxRealtimeCap {
		capMins = maxRealtimeCap
	}
	if windowMins > capMins {
		windowMins = capMins
	}
	since := time.Now().UTC().Add(-time.Duration(windowMins) * time.Minute)
	rc, err := s.store.ComputeRealtime(ctx, orgID, since, settings.DefaultModel, responseWindow)
	if err != nil {
		return nil, err
	}
	return &Realtime{WindowMins: windowMins, RealtimeCounts: *rc}, nil
}

// Settings returns the org's analytics settings, defaulted when unset.
func (s *Service) Settings(ctx context.Context, orgID string) (*domain.AnalyticsSettings, error) {
	return s.store.GetAnalyticsSettings(ctx, orgID)
}

// UpdateSettings validates and stores the org's analytics settings.
func (s *Service) UpdateSettings(ctx context.Context, set *domain.AnalyticsSettings) (*domain.AnalyticsSettings, error) {
	if set.LookbackDays < 1 || set.LookbackDays > maxLookbackDays {
		return nil, apperr.Invalid("lookback_days must be between 1 and 365", "lookback_days")
	}
	if set.DefaultModel == "" {
		set.DefaultModel = domain.ModelLastTouch
	}
	if !domain.ValidModel(set.DefaultModel) {
		return nil, apperr.Invalid("unknown attribution model", "default_model")
	}
	if set.RealtimeCapMins < 1 || set.RealtimeCapMins > maxRealtimeCap {
		return nil, apperr.Invalid("realtime_cap_mins must be between 1 and 1440", "realtime_cap_mins")
	}
	if err := s.store.PutAnalyticsSettings(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func checkRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return apperr.Invalid("from and to are required", "from", "to")
	}
	if to.Before(from) {
		return apperr.Invalid("to must not precede from", "to")
	}
	return nil
}

// sumRows adds counters across rows into one totals row.
func sumRows(orgID string, rows []domain.AnalyticsDaily) domain.AnalyticsDaily {
	total := domain.AnalyticsDaily{OrganizationID: orgID}
	for _, r := range rows {
		total.OutboundSent += r.OutboundSent
		total.OutboundDelivered += r.OutboundDelivered
		total.OutboundFailed += r.OutboundFailed
		total.InboundCount += r.InboundCount
		total.ResponseCount += r.ResponseCount
		total.LeadCreated += r.LeadCreated
		total.LeadConverted += r.LeadConverted
		total.AttributedConversions += r.AttributedConversions
		total.AttributedRevenue += r.AttributedRevenue
	}
	return total
}

func ratesFor(t domain.AnalyticsDaily) domain.Rates {
	return domain.ComputeRates(t.OutboundSent, t.OutboundDelivered, t.ResponseCount, t.LeadCreated, t.LeadConverted)
}

// groupRows collapses rows sharing a key into one Breakdown each,
// preserving first-seen key order.
func groupRows(orgID string, rows []domain.AnalyticsDaily, keyOf func(domain.AnalyticsDaily) string) []Breakdown {
	byKey := make(map[string]int)
	var out []Breakdown
	for _, r := range rows {
		key := keyOf(r)
		i, ok := byKey[key]
		if !ok {
			i = len(out)
			byKey[key] = i
			out = append(out, Breakdown{Key: key, Totals: domain.AnalyticsDaily{OrganizationID: orgID}})
		}
		t := &out[i].Totals
		t.OutboundSent += r.OutboundSent
		t.OutboundDelivered += r.OutboundDelivered
		t.OutboundFailed += r.OutboundFailed
		t.InboundCount += r.InboundCount
		t.ResponseCount += r.ResponseCount
		t.LeadCreated += r.LeadCreated
		t.LeadConverted += r.LeadConverted
		t.AttributedConversions += r.AttributedConversions
		t.AttributedRevenue += r.AttributedRevenue
	}
	for i := range out {
		out[i].Rates = ratesFor(out[i].Totals)
	}
	return out
}

func groupTrends(rows []domain.AnalyticsDaily, keyOf func(domain.AnalyticsDaily) string) []Trend {
	byKey := make(map[string]int)
	var out []Trend
	for _, r := range rows {
		key := keyOf(r)
		i, ok := byKey[key]
		if !ok {
			i = len(out)
			byKey[key] = i
			out = append(out, Trend{Key: key})
		}
		out[i].Days = append(out[i].Days, r)
	}
	return out
}
