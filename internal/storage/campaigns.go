package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/omini/omini-core/internal/domain"
)

const campaignCols = `id, organization_id, channel_id, name, message_text,
	segment, schedule_at, status, cost, revenue,
	queued_count, sent_count, failed_count, skipped_count,
	created_at, updated_at`

// CreateCampaign inserts a draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	segment, err := marshalJSON(c.Segment)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO campaigns
			(id, organization_id, channel_id, name, message_text, segment,
			 schedule_at, status, cost, revenue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, c.ID, c.OrganizationID, c.ChannelID, c.Name, c.MessageText, segment,
		nullTime(c.ScheduleAt), c.Status, c.Cost, c.Revenue).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches one campaign in the org.
func (s *Store) GetCampaign(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `
		SELECT `+campaignCols+` FROM campaigns
		WHERE id = $1 AND organization_id = $2
	`, id, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCampaigns returns the org's campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context, orgID, status string, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + campaignCols + ` FROM campaigns WHERE organization_id = $1`
	args := []interface{}{orgID}
	idx := 2
	if status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ScheduleCampaign moves a draft to scheduled. ErrConflict when the
// campaign already left draft.
func (s *Store) ScheduleCampaign(ctx context.Context, orgID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'scheduled', schedule_at = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'draft'
	`, id, orgID, at)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CancelCampaign cancels a scheduled or running campaign and marks its
// still-pending sends skipped. Already-dispatched sends are untouched.
func (s *Store) CancelCampaign(ctx context.Context, orgID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status = 'cancelled', updated_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status IN ('scheduled','running')
		`, id, orgID)
		if err != nil {
			return fmt.Errorf("cancel campaign: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		skipped, err := tx.ExecContext(ctx, `
			UPDATE campaign_sends
			SET status = 'skipped', error = 'campaign cancelled', updated_at = NOW()
			WHERE campaign_id = $1 AND organization_id = $2 AND status = 'pending'
		`, id, orgID)
		if err != nil {
			return fmt.Errorf("skip pending sends: %w", err)
		}
		if n, _ := skipped.RowsAffected(); n > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaigns SET skipped_count = skipped_count + $3
				WHERE id = $1 AND organization_id = $2
			`, id, orgID, n); err != nil {
				return fmt.Errorf("bump skipped count: %w", err)
			}
		}
		return nil
	})
}

// ClaimDueCampaigns atomically moves due scheduled campaigns to running
// and returns them. The status guard makes the claim safe across
// concurrent scheduler instances.
func (s *Store) ClaimDueCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE campaigns SET status = 'running', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM campaigns
			WHERE status = 'scheduled' AND schedule_at <= $1
			ORDER BY schedule_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+campaignCols+`
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// audienceWhere renders the segment predicate over leads l (joined to
// contacts c). Opt-out is not filtered here; sends for opted-out leads
// are recorded as skipped instead.
func audienceWhere(seg domain.Segment, args []interface{}) (string, []interface{}) {
	q := ""
	idx := len(args) + 1
	if len(seg.StageIn) > 0 {
		q += fmt.Sprintf(" AND l.stage = ANY($%d)", idx)
		args = append(args, pq.Array(seg.StageIn))
		idx++
	}
	if len(seg.TagsAny) > 0 {
		q += fmt.Sprintf(" AND l.tags && $%d", idx)
		args = append(args, pq.Array(seg.TagsAny))
		idx++
	}
	if len(seg.TagsAll) > 0 {
		q += fmt.Sprintf(" AND l.tags @> $%d", idx)
		args = append(args, pq.Array(seg.TagsAll))
		idx++
	}
	if len(seg.SourceIn) > 0 {
		q += fmt.Sprintf(" AND l.source = ANY($%d)", idx)
		args = append(args, pq.Array(seg.SourceIn))
		idx++
	}
	if seg.LastActiveWithinDays > 0 {
		q += fmt.Sprintf(" AND l.last_activity_at >= NOW() - ($%d || ' days')::interval", idx)
		args = append(args, seg.LastActiveWithinDays)
	}
	return q, args
}

// CountAudience returns the number of active leads matching the segment.
func (s *Store) CountAudience(ctx context.Context, orgID string, seg domain.Segment) (int, error) {
	q := `SELECT COUNT(*) FROM leads l WHERE l.organization_id = $1 AND l.active`
	where, args := audienceWhere(seg, []interface{}{orgID})
	var n int
	if err := s.db.QueryRowContext(ctx, q+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audience: %w", err)
	}
	return n, nil
}

// SelectAudience returns the ids of active leads matching the segment.
func (s *Store) SelectAudience(ctx context.Context, orgID string, seg domain.Segment, limit int) ([]string, error) {
	q := `SELECT l.id FROM leads l WHERE l.organization_id = $1 AND l.active`
	where, args := audienceWhere(seg, []interface{}{orgID})
	q += where + " ORDER BY l.created_at"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select audience: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan audience lead: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateSends materializes pending sends for the leads, skipping leads
// already holding a send for this campaign, and bumps the queued
// counter. Returns the sends actually created.
func (s *Store) CreateSends(ctx context.Context, orgID, campaignID string, leadIDs []string) ([]domain.CampaignSend, error) {
	var out []domain.CampaignSend
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, leadID := range leadIDs {
			send := domain.CampaignSend{
				ID:             uuid.New().String(),
				OrganizationID: orgID,
				CampaignID:     campaignID,
				LeadID:         leadID,
				Status:         domain.SendPending,
			}
			err := tx.QueryRowContext(ctx, `
				INSERT INTO campaign_sends (id, organization_id, campaign_id, lead_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (campaign_id, lead_id) DO NOTHING
				RETURNING created_at, updated_at
			`, send.ID, orgID, campaignID, leadID).Scan(&send.CreatedAt, &send.UpdatedAt)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("create send: %w", err)
			}
			out = append(out, send)
		}
		if len(out) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaigns SET queued_count = queued_count + $3, updated_at = NOW()
				WHERE id = $1 AND organization_id = $2
			`, campaignID, orgID, len(out)); err != nil {
				return fmt.Errorf("bump queued count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSend fetches one campaign send in the org.
func (s *Store) GetSend(ctx context.Context, orgID, id string) (*domain.CampaignSend, error) {
	send := &domain.CampaignSend{}
	var msgID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, campaign_id, lead_id, message_id, status,
		       COALESCE(error,''), created_at, updated_at
		FROM campaign_sends WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(
		&send.ID, &send.OrganizationID, &send.CampaignID, &send.LeadID,
		&msgID, &send.Status, &send.Error, &send.CreatedAt, &send.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send: %w", err)
	}
	send.MessageID = msgID.String
	return send, nil
}

// ResolveSend moves a pending send to its terminal state, links the
// outbound message when present, and bumps the matching campaign
// counter. The pending guard makes retried job deliveries idempotent.
func (s *Store) ResolveSend(ctx context.Context, orgID, sendID string, status domain.SendStatus, messageID, reason string) error {
	var counterCol string
	switch status {
	case domain.SendSent:
		counterCol = "sent_count"
	case domain.SendFailed:
		counterCol = "failed_count"
	case domain.SendSkipped:
		counterCol = "skipped_count"
	default:
		return fmt.Errorf("resolve send: invalid status %q", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var campaignID string
		err := tx.QueryRowContext(ctx, `
			UPDATE campaign_sends
			SET status = $3, message_id = $4, error = NULLIF($5,''), updated_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status = 'pending'
			RETURNING campaign_id
		`, sendID, orgID, status, nullUUID(messageID), reason).Scan(&campaignID)
		if err == sql.ErrNoRows {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("resolve send: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET `+counterCol+` = `+counterCol+` + 1, updated_at = NOW()
			WHERE id = $1 AND organization_id = $2
		`, campaignID, orgID); err != nil {
			return fmt.Errorf("bump campaign counter: %w", err)
		}
		return nil
	})
}

// CompleteCampaignIfDone moves a running campaign to completed once no
// pending sends remain. Returns whether the transition happened.
func (s *Store) CompleteCampaignIfDone(ctx context.Context, orgID, campaignID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'running'
		AND NOT EXISTS (
			SELECT 1 FROM campaign_sends
			WHERE campaign_id = $1 AND status = 'pending'
		)
	`, campaignID, orgID)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteFinishedCampaigns sweeps every running campaign across all
// orgs and completes the ones with no pending sends left. Used by the
// scheduler tick so completion does not depend on the last send's
// worker surviving.
func (s *Store) CompleteFinishedCampaigns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns c SET status = 'completed', updated_at = NOW()
		WHERE c.status = 'running'
		AND NOT EXISTS (
			SELECT 1 FROM campaign_sends cs
			WHERE cs.campaign_id = c.id AND cs.status = 'pending'
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("complete finished campaigns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetCampaignFinancials records cost and revenue figures used by ROI
// reporting.
func (s *Store) SetCampaignFinancials(ctx context.Context, orgID, id string, cost, revenue *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET cost = COALESCE($3, cost), revenue = COALESCE($4, revenue), updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`, id, orgID, cost, revenue)
	if err != nil {
		return fmt.Errorf("set campaign financials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCampaign(r rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var segment []byte
	var scheduleAt sql.NullTime
	var cost, revenue sql.NullFloat64
	err := r.Scan(
		&c.ID, &c.OrganizationID, &c.ChannelID, &c.Name, &c.MessageText,
		&segment, &scheduleAt, &c.Status, &cost, &revenue,
		&c.Counters.Queued, &c.Counters.Sent, &c.Counters.Failed, &c.Counters.Skipped,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	c.ScheduleAt = timePtr(scheduleAt)
	if cost.Valid {
		v := cost.Float64
		c.Cost = &v
	}
	if revenue.Valid {
		v := revenue.Float64
		c.Revenue = &v
	}
	if err := unmarshalJSON(segment, &c.Segment); err != nil {
		return nil, err
	}
	return c, nil
}
