package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/omini/omini-core/internal/domain"
)

// zeroUUID is the placeholder for an unset rollup dimension.
const zeroUUID = "00000000-0000-0000-0000-000000000000"

// UpsertDaily writes one rollup row with absolute values, so recomputing
// a day overwrites rather than double-counts.
func (s *Store) UpsertDaily(ctx context.Context, row *domain.AnalyticsDaily) error {
	channelID := row.ChannelID
	if channelID == "" {
		channelID = zeroUUID
	}
	campaignID := row.CampaignID
	if campaignID == "" {
		campaignID = zeroUUID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_daily
			(organization_id, date, channel_id, campaign_id,
			 outbound_sent, outbound_delivered, outbound_failed,
			 inbound_count, response_count, lead_created, lead_converted,
			 attributed_conversions, attributed_revenue, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (organization_id, date, channel_id, campaign_id) DO UPDATE SET
			outbound_sent = EXCLUDED.outbound_sent,
			outbound_delivered = EXCLUDED.outbound_delivered,
			outbound_failed = EXCLUDED.outbound_failed,
			inbound_count = EXCLUDED.inbound_count,
			response_count = EXCLUDED.response_count,
			lead_created = EXCLUDED.lead_created,
			lead_converted = EXCLUDED.lead_converted,
			attributed_conversions = EXCLUDED.attributed_conversions,
			attributed_revenue = EXCLUDED.attributed_revenue,
			updated_at = NOW()
	`, row.OrganizationID, row.Date, channelID, campaignID,
		row.OutboundSent, row.OutboundDelivered, row.OutboundFailed,
		row.InboundCount, row.ResponseCount, row.LeadCreated, row.LeadConverted,
		row.AttributedConversions, row.AttributedRevenue)
	if err != nil {
		return fmt.Errorf("upsert daily rollup: %w", err)
	}
	return nil
}

// ComputeDailyTotals aggregates the org's raw activity for one UTC day
// into an org-level rollup row. A response is an inbound message arriving
// within the response window after any outbound message in the same
// conversation; at most one inbound counts per outbound.
func (s *Store) ComputeDailyTotals(ctx context.Context, orgID string, day time.Time, model domain.AttributionModel, responseWindow time.Duration) (*domain.AnalyticsDaily, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	row := &domain.AnalyticsDaily{OrganizationID: orgID, Date: start}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction = 'out' AND status IN ('sent','delivered','read')),
			COUNT(*) FILTER (WHERE direction = 'out' AND status IN ('delivered','read')),
			COUNT(*) FILTER (WHERE direction = 'out' AND status = 'failed'),
			COUNT(*) FILTER (WHERE direction = 'in')
		FROM messages
		WHERE organization_id = $1 AND received_at >= $2 AND received_at < $3
	`, orgID, start, end).Scan(
		&row.OutboundSent, &row.OutboundDelivered, &row.OutboundFailed, &row.InboundCount,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate messages: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages o
		WHERE o.organization_id = $1 AND o.direction = 'out'
		  AND o.received_at >= $2 AND o.received_at < $3
		  AND EXISTS (
			SELECT 1 FROM messages i
			WHERE i.conversation_id = o.conversation_id AND i.direction = 'in'
			  AND i.received_at > o.received_at
			  AND i.received_at <= o.received_at + $4::interval
		  )
	`, orgID, start, end, fmt.Sprintf("%d seconds", int(responseWindow.Seconds()))).Scan(&row.ResponseCount)
	if err != nil {
		return nil, fmt.Errorf("aggregate responses: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM leads
			 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3),
			(SELECT COUNT(*) FROM leads
			 WHERE organization_id = $1 AND converted_at >= $2 AND converted_at < $3)
	`, orgID, start, end).Scan(&row.LeadCreated, &row.LeadConverted)
	if err != nil {
		return nil, fmt.Errorf("aggregate leads: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(weight), 0), COALESCE(SUM(amount_credit), 0)
		FROM attributions
		WHERE organization_id = $1 AND model = $2
		  AND conversion_at >= $3 AND conversion_at < $4
	`, orgID, model, start, end).Scan(&row.AttributedConversions, &row.AttributedRevenue)
	if err != nil {
		return nil, fmt.Errorf("aggregate attributions: %w", err)
	}
	return row, nil
}

// ComputeDailyByChannel aggregates per-channel message counts for one
// UTC day. Lead and attribution counters stay at the org level.
func (s *Store) ComputeDailyByChannel(ctx context.Context, orgID string, day time.Time) ([]domain.AnalyticsDaily, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT cv.channel_id,
			COUNT(*) FILTER (WHERE m.direction = 'out' AND m.status IN ('sent','delivered','read')),
			COUNT(*) FILTER (WHERE m.direction = 'out' AND m.status IN ('delivered','read')),
			COUNT(*) FILTER (WHERE m.direction = 'out' AND m.status = 'failed'),
			COUNT(*) FILTER (WHERE m.direction = 'in')
		FROM messages m
		JOIN conversations cv ON cv.id = m.conversation_id
		WHERE m.organization_id = $1 AND m.received_at >= $2 AND m.received_at < $3
		GROUP BY cv.channel_id
	`, orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate by channel: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalyticsDaily
	for rows.Next() {
		row := domain.AnalyticsDaily{OrganizationID: orgID, Date: start}
		if err := rows.Scan(
			&row.ChannelID, &row.OutboundSent, &row.OutboundDelivered,
			&row.OutboundFailed, &row.InboundCount,
		); err != nil {
			return nil, fmt.Errorf("scan channel rollup: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ComputeDailyByCampaign aggregates per-campaign outbound counts and
// attributed credit for one UTC day.
func (s *Store) ComputeDailyByCampaign(ctx context.Context, orgID string, day time.Time, model domain.AttributionModel) ([]domain.AnalyticsDaily, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.campaign_id,
			COUNT(*) FILTER (WHERE m.status IN ('sent','delivered','read')),
			COUNT(*) FILTER (WHERE m.status IN ('delivered','read')),
			COUNT(*) FILTER (WHERE m.status = 'failed'),
			COALESCE((
				SELECT SUM(a.weight) FROM attributions a
				WHERE a.organization_id = $1 AND a.campaign_id = cs.campaign_id
				  AND a.model = $4 AND a.conversion_at >= $2 AND a.conversion_at < $3
			), 0),
			COALESCE((
				SELECT SUM(a.amount_credit) FROM attributions a
				WHERE a.organization_id = $1 AND a.campaign_id = cs.campaign_id
				  AND a.model = $4 AND a.conversion_at >= $2 AND a.conversion_at < $3
			), 0)
		FROM messages m
		JOIN campaign_sends cs ON cs.id = m.campaign_send_id
		WHERE m.organization_id = $1 AND m.direction = 'out'
		  AND m.received_at >= $2 AND m.received_at < $3
		GROUP BY cs.campaign_id
	`, orgID, start, end, model)
	if err != nil {
		return nil, fmt.Errorf("aggregate by campaign: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalyticsDaily
	for rows.Next() {
		row := domain.AnalyticsDaily{OrganizationID: orgID, Date: start}
		if err := rows.Scan(
			&row.CampaignID, &row.OutboundSent, &row.OutboundDelivered,
			&row.OutboundFailed, &row.AttributedConversions, &row.AttributedRevenue,
		); err != nil {
			return nil, fmt.Errorf("scan campaign rollup: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryDaily returns rollup rows for [from, to], optionally narrowed to
// one channel or campaign. Empty selectors return the org-level rows.
func (s *Store) QueryDaily(ctx context.Context, orgID string, from, to time.Time, channelID, campaignID string) ([]domain.AnalyticsDaily, error) {
	if channelID == "" {
		channelID = zeroUUID
	}
	if campaignID == "" {
		campaignID = zeroUUID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, date, channel_id::text, campaign_id::text,
		       outbound_sent, outbound_delivered, outbound_failed,
		       inbound_count, response_count, lead_created, lead_converted,
		       attributed_conversions, attributed_revenue
		FROM analytics_daily
		WHERE organization_id = $1 AND date >= $2 AND date <= $3
		  AND channel_id = $4 AND campaign_id = $5
		ORDER BY date
	`, orgID, from, to, channelID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query daily rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalyticsDaily
	for rows.Next() {
		var row domain.AnalyticsDaily
		if err := rows.Scan(
			&row.OrganizationID, &row.Date, &row.ChannelID, &row.CampaignID,
			&row.OutboundSent, &row.OutboundDelivered, &row.OutboundFailed,
			&row.InboundCount, &row.ResponseCount, &row.LeadCreated, &row.LeadConverted,
			&row.AttributedConversions, &row.AttributedRevenue,
		); err != nil {
			return nil, fmt.Errorf("scan daily rollup: %w", err)
		}
		if row.ChannelID == zeroUUID {
			row.ChannelID = ""
		}
		if row.CampaignID == zeroUUID {
			row.CampaignID = ""
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListDailyByChannel returns every per-channel rollup row in [from, to].
func (s *Store) ListDailyByChannel(ctx context.Context, orgID string, from, to time.Time) ([]domain.AnalyticsDaily, error) {
	return s.listDailyDimension(ctx, orgID, from, to, "channel_id")
}

// ListDailyByCampaign returns every per-campaign rollup row in [from, to].
func (s *Store) ListDailyByCampaign(ctx context.Context, orgID string, from, to time.Time) ([]domain.AnalyticsDaily, error) {
	return s.listDailyDimension(ctx, orgID, from, to, "campaign_id")
}

func (s *Store) listDailyDimension(ctx context.Context, orgID string, from, to time.Time, dim string) ([]domain.AnalyticsDaily, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT organization_id, date, channel_id::text, campaign_id::text,
		       outbound_sent, outbound_delivered, outbound_failed,
		       inbound_count, response_count, lead_created, lead_converted,
		       attributed_conversions, attributed_revenue
		FROM analytics_daily
		WHERE organization_id = $1 AND date >= $2 AND date <= $3
		  AND %s <> $4
		ORDER BY date, %s
	`, dim, dim), orgID, from, to, zeroUUID)
	if err != nil {
		return nil, fmt.Errorf("query %s rollups: %w", dim, err)
	}
	defer rows.Close()

	var out []domain.AnalyticsDaily
	for rows.Next() {
		var row domain.AnalyticsDaily
		if err := rows.Scan(
			&row.OrganizationID, &row.Date, &row.ChannelID, &row.CampaignID,
			&row.OutboundSent, &row.OutboundDelivered, &row.OutboundFailed,
			&row.InboundCount, &row.ResponseCount, &row.LeadCreated, &row.LeadConverted,
			&row.AttributedConversions, &row.AttributedRevenue,
		); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		if row.ChannelID == zeroUUID {
			row.ChannelID = ""
		}
		if row.CampaignID == zeroUUID {
			row.CampaignID = ""
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RealtimeCounts holds live counters computed straight from the base
// tables, bypassing rollups. Same counter set as the dailies, over a
// sliding window.
type RealtimeCounts struct {
	Since                 time.Time `json:"since"`
	InboundCount          int       `json:"inbound_count"`
	OutboundSent          int       `json:"outbound_sent"`
	OutboundDelivered     int       `json:"outbound_delivered"`
	OutboundFailed        int       `json:"outbound_failed"`
	OutboundPending       int       `json:"outbound_pending"`
	ResponseCount         int       `json:"response_count"`
	LeadCreated           int       `json:"lead_created"`
	LeadConverted         int       `json:"lead_converted"`
	ActiveLeadsMoved      int       `json:"active_leads_moved"`
	AttributedConversions float64   `json:"attributed_conversions"`
	AttributedRevenue     float64   `json:"attributed_revenue"`
}

// ComputeRealtime counts activity since the window start.
func (s *Store) ComputeRealtime(ctx context.Context, orgID string, since time.Time, model domain.AttributionModel, responseWindow time.Duration) (*RealtimeCounts, error) {
	rc := &RealtimeCounts{Since: since}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction = 'in'),
			COUNT(*) FILTER (WHERE direction = 'out' AND status IN ('sent','delivered','read')),
			COUNT(*) FILTER (WHERE direction = 'out' AND status IN ('delivered','read')),
			COUNT(*) FILTER (WHERE direction = 'out' AND status = 'failed'),
			COUNT(*) FILTER (WHERE direction = 'out' AND status = 'pending')
		FROM messages
		WHERE organization_id = $1 AND received_at >= $2
	`, orgID, since).Scan(
		&rc.InboundCount, &rc.OutboundSent, &rc.OutboundDelivered,
		&rc.OutboundFailed, &rc.OutboundPending,
	)
	if err != nil {
		return nil, fmt.Errorf("compute realtime counts: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages o
		WHERE o.organization_id = $1 AND o.direction = 'out' AND o.received_at >= $2
		  AND EXISTS (
			SELECT 1 FROM messages i
			WHERE i.conversation_id = o.conversation_id AND i.direction = 'in'
			  AND i.received_at > o.received_at
			  AND i.received_at <= o.received_at + $3::interval
		  )
	`, orgID, since, fmt.Sprintf("%d seconds", int(responseWindow.Seconds()))).Scan(&rc.ResponseCount)
	if err != nil {
		return nil, fmt.Errorf("count realtime responses: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM leads
			 WHERE organization_id = $1 AND created_at >= $2),
			(SELECT COUNT(*) FROM leads
			 WHERE organization_id = $1 AND converted_at >= $2),
			(SELECT COUNT(*) FROM leads
			 WHERE organization_id = $1 AND last_activity_at >= $2)
	`, orgID, since).Scan(&rc.LeadCreated, &rc.LeadConverted, &rc.ActiveLeadsMoved)
	if err != nil {
		return nil, fmt.Errorf("count realtime leads: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(weight), 0), COALESCE(SUM(amount_credit), 0)
		FROM attributions
		WHERE organization_id = $1 AND model = $2 AND conversion_at >= $3
	`, orgID, model, since).Scan(&rc.AttributedConversions, &rc.AttributedRevenue)
	if err != nil {
		return nil, fmt.Errorf("sum realtime attributions: %w", err)
	}
	return rc, nil
}

// GetAnalyticsSettings loads the org's settings, falling back to
// defaults when no row exists.
func (s *Store) GetAnalyticsSettings(ctx context.Context, orgID string) (*domain.AnalyticsSettings, error) {
	set := &domain.AnalyticsSettings{OrganizationID: orgID}
	err := s.db.QueryRowContext(ctx, `
		SELECT lookback_days, default_model, realtime_cap_mins
		FROM analytics_settings WHERE organization_id = $1
	`, orgID).Scan(&set.LookbackDays, &set.DefaultModel, &set.RealtimeCapMins)
	if err == sql.ErrNoRows {
		return &domain.AnalyticsSettings{
			OrganizationID:  orgID,
			LookbackDays:    7,
			DefaultModel:    domain.ModelLastTouch,
			RealtimeCapMins: 1440,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics settings: %w", err)
	}
	return set, nil
}

// PutAnalyticsSettings upserts the org's settings.
func (s *Store) PutAnalyticsSettings(ctx context.Context, set *domain.AnalyticsSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_settings
			(organization_id, lookback_days, default_model, realtime_cap_mins, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			lookback_days = EXCLUDED.lookback_days,
			default_model = EXCLUDED.default_model,
			realtime_cap_mins = EXCLUDED.realtime_cap_mins,
			updated_at = NOW()
	`, set.OrganizationID, set.LookbackDays, set.DefaultModel, set.RealtimeCapMins)
	if err != nil {
		return fmt.Errorf("put analytics settings: %w", err)
	}
	return nil
}
