package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/omini/omini-core/internal/domain"
)

// ListTouchpoints returns the lead's outbound touchpoints inside
// [from, to], oldest first. A touchpoint is an outbound message that
// actually left (sent or better); campaign and journey linkage rides
// along when present. Journey send_message steps surface through the
// message they created, so each interaction counts once.
func (s *Store) ListTouchpoints(ctx context.Context, orgID, leadID string, from, to time.Time) ([]domain.Touchpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.received_at,
		       COALESCE(cs.campaign_id::text, ''),
		       COALESCE(jr.journey_id::text, '')
		FROM messages m
		JOIN conversations cv ON cv.id = m.conversation_id
		JOIN leads l ON l.contact_id = cv.contact_id
		              AND l.organization_id = m.organization_id
		LEFT JOIN campaign_sends cs ON cs.id = m.campaign_send_id
		LEFT JOIN journey_run_steps js ON js.id = m.journey_run_step_id
		LEFT JOIN journey_runs jr ON jr.id = js.run_id
		WHERE m.organization_id = $1 AND l.id = $2
		  AND m.direction = 'out'
		  AND m.status IN ('sent','delivered','read')
		  AND m.received_at >= $3 AND m.received_at <= $4
		ORDER BY m.received_at, m.id
	`, orgID, leadID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list touchpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Touchpoint
	for rows.Next() {
		var tp domain.Touchpoint
		var msgID string
		if err := rows.Scan(&msgID, &tp.OccurredAt, &tp.CampaignID, &tp.JourneyID); err != nil {
			return nil, fmt.Errorf("scan touchpoint: %w", err)
		}
		tp.Ref = "message:" + msgID
		tp.Kind = "message"
		out = append(out, tp)
	}
	return out, rows.Err()
}

// ReplaceAttributions replaces all credit rows for one
// (lead, conversion, model) in a transaction, so recomputation is
// idempotent.
func (s *Store) ReplaceAttributions(ctx context.Context, orgID, leadID string, conversionAt time.Time, model domain.AttributionModel, rows []domain.Attribution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM attributions
			WHERE organization_id = $1 AND lead_id = $2
			  AND conversion_at = $3 AND model = $4
		`, orgID, leadID, conversionAt, model); err != nil {
			return fmt.Errorf("clear attributions: %w", err)
		}
		for i := range rows {
			a := &rows[i]
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attributions
					(id, organization_id, lead_id, conversion_at, model,
					 touchpoint_ref, campaign_id, weight, amount_credit)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, a.ID, orgID, leadID, conversionAt, model,
				a.TouchpointRef, nullUUID(a.CampaignID), a.Weight, a.AmountCredit); err != nil {
				return fmt.Errorf("insert attribution: %w", err)
			}
		}
		return nil
	})
}

// ListAttributions returns the credit rows for one lead conversion.
func (s *Store) ListAttributions(ctx context.Context, orgID, leadID string, model domain.AttributionModel) ([]domain.Attribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, lead_id, conversion_at, model,
		       touchpoint_ref, COALESCE(campaign_id::text,''), weight, amount_credit, created_at
		FROM attributions
		WHERE organization_id = $1 AND lead_id = $2 AND model = $3
		ORDER BY conversion_at, touchpoint_ref
	`, orgID, leadID, model)
	if err != nil {
		return nil, fmt.Errorf("list attributions: %w", err)
	}
	defer rows.Close()

	var out []domain.Attribution
	for rows.Next() {
		var a domain.Attribution
		if err := rows.Scan(
			&a.ID, &a.OrganizationID, &a.LeadID, &a.ConversionAt, &a.Model,
			&a.TouchpointRef, &a.CampaignID, &a.Weight, &a.AmountCredit, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApplyConversionCredit spreads a revenue amount across the conversion's
// credit rows as weight * amount, for every model. Absolute assignment,
// so re-applying the same amount is a no-op.
func (s *Store) ApplyConversionCredit(ctx context.Context, orgID, leadID string, conversionAt time.Time, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attributions SET amount_credit = weight * $4
		WHERE organization_id = $1 AND lead_id = $2 AND conversion_at = $3
	`, orgID, leadID, conversionAt, amount)
	if err != nil {
		return fmt.Errorf("apply conversion credit: %w", err)
	}
	return nil
}

// InsertRevenueEvent records an external revenue amount, deduplicating
// on (org, external id) when the id is present. The bool reports whether
// a new row was created.
func (s *Store) InsertRevenueEvent(ctx context.Context, ev *domain.RevenueEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Currency == "" {
		ev.Currency = "USD"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_events
			(id, organization_id, lead_id, campaign_id, amount, currency, external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (organization_id, external_id) WHERE external_id IS NOT NULL
			DO NOTHING
	`, ev.ID, ev.OrganizationID, nullUUID(ev.LeadID), nullUUID(ev.CampaignID),
		ev.Amount, ev.Currency, nullString(ev.ExternalID))
	if err != nil {
		return false, fmt.Errorf("insert revenue event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CampaignCredit is an aggregated attribution row for reporting.
type CampaignCredit struct {
	CampaignID  string  `json:"campaign_id"`
	Conversions float64 `json:"conversions"`
	Credit      float64 `json:"credit"`
}

// CreditByCampaign aggregates attributed conversions and revenue per
// campaign for one model over [from, to].
func (s *Store) CreditByCampaign(ctx context.Context, orgID string, model domain.AttributionModel, from, to time.Time) ([]CampaignCredit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(campaign_id::text, ''), SUM(weight), SUM(amount_credit)
		FROM attributions
		WHERE organization_id = $1 AND model = $2
		  AND conversion_at >= $3 AND conversion_at <= $4
		GROUP BY campaign_id
		ORDER BY SUM(amount_credit) DESC
	`, orgID, model, from, to)
	if err != nil {
		return nil, fmt.Errorf("credit by campaign: %w", err)
	}
	defer rows.Close()

	var out []CampaignCredit
	for rows.Next() {
		var cc CampaignCredit
		if err := rows.Scan(&cc.CampaignID, &cc.Conversions, &cc.Credit); err != nil {
			return nil, fmt.Errorf("scan campaign credit: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}
