package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/omini/omini-core/internal/domain"
)

const leadCols = `id, organization_id, contact_id, stage, tags, score,
	COALESCE(source,''), metadata, last_activity_at, converted_at, created_at`

// CreateLead inserts a new active lead for the contact. At most one
// active lead per (org, contact) is allowed; a second insert returns
// ErrConflict.
func (s *Store) CreateLead(ctx context.Context, l *domain.Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Stage == "" {
		l.Stage = domain.StageNew
	}
	metadata, err := marshalJSON(l.Metadata)
	if err != nil {
		return err
	}
	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO leads
			(id, organization_id, contact_id, stage, tags, score, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING last_activity_at, created_at
	`, l.ID, l.OrganizationID, l.ContactID, l.Stage, pq.Array(tags),
		l.Score, nullString(l.Source), metadata).Scan(&l.LastActivityAt, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// GetLead fetches one lead in the org.
func (s *Store) GetLead(ctx context.Context, orgID, id string) (*domain.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, `
		SELECT `+leadCols+` FROM leads WHERE id = $1 AND organization_id = $2
	`, id, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return l, err
}

// ActiveLeadByContact returns the contact's single active lead, or
// ErrNotFound.
func (s *Store) ActiveLeadByContact(ctx context.Context, orgID, contactID string) (*domain.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, `
		SELECT `+leadCols+` FROM leads
		WHERE organization_id = $1 AND contact_id = $2 AND active
	`, orgID, contactID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return l, err
}

// LeadFilter narrows ListLeads.
type LeadFilter struct {
	Stage  string
	Tag    string
	Source string
	Limit  int
	Offset int
}

// ListLeads returns the org's leads, newest first.
func (s *Store) ListLeads(ctx context.Context, orgID string, f LeadFilter) ([]domain.Lead, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + leadCols + ` FROM leads WHERE organization_id = $1`
	args := []interface{}{orgID}
	idx := 2
	if f.Stage != "" {
		q += fmt.Sprintf(" AND stage = $%d", idx)
		args = append(args, f.Stage)
		idx++
	}
	if f.Tag != "" {
		q += fmt.Sprintf(" AND $%d = ANY(tags)", idx)
		args = append(args, f.Tag)
		idx++
	}
	if f.Source != "" {
		q += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, f.Source)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// LeadUpdates is a minimal diff against a lead. Nil fields are untouched.
type LeadUpdates struct {
	Stage      *string                `json:"stage,omitempty"`
	AddTags    []string               `json:"add_tags,omitempty"`
	RemoveTags []string               `json:"remove_tags,omitempty"`
	ScoreDelta int                    `json:"score_delta,omitempty"`
	SetScore   *int                   `json:"set_score,omitempty"`
	Source     *string                `json:"source,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Empty reports whether the diff changes nothing.
func (u LeadUpdates) Empty() bool {
	return u.Stage == nil && len(u.AddTags) == 0 && len(u.RemoveTags) == 0 &&
		u.ScoreDelta == 0 && u.SetScore == nil && u.Source == nil && len(u.Metadata) == 0
}

// ApplyLeadUpdates applies a rule-engine diff in one transaction and
// returns the updated lead. A stage move to converted stamps
// converted_at exactly once; it is never cleared or moved afterwards.
func (s *Store) ApplyLeadUpdates(ctx context.Context, orgID, leadID string, u LeadUpdates) (*domain.Lead, error) {
	var updated *domain.Lead
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		l, err := scanLead(tx.QueryRowContext(ctx, `
			SELECT `+leadCols+` FROM leads
			WHERE id = $1 AND organization_id = $2 FOR UPDATE
		`, leadID, orgID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// Converted is terminal: converted_at stays set, so the stage
		// must not move off it afterwards.
		stage := l.Stage
		if u.Stage != nil && l.Stage != domain.StageConverted {
			stage = *u.Stage
		}
		tags := mergeTags(l.Tags, u.AddTags, u.RemoveTags)
		score := l.Score + u.ScoreDelta
		if u.SetScore != nil {
			score = *u.SetScore
		}
		source := l.Source
		if u.Source != nil {
			source = *u.Source
		}
		meta := l.Metadata
		if len(u.Metadata) > 0 {
			if meta == nil {
				meta = map[string]interface{}{}
			}
			for k, v := range u.Metadata {
				meta[k] = v
			}
		}
		metadata, err := marshalJSON(meta)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE leads
			SET stage = $3, tags = $4, score = $5, source = NULLIF($6,''), metadata = $7,
			    last_activity_at = NOW(),
			    converted_at = CASE
			        WHEN $3 = 'converted' AND converted_at IS NULL THEN NOW()
			        ELSE converted_at
			    END
			WHERE id = $1 AND organization_id = $2
			RETURNING `+leadCols+`
		`, leadID, orgID, stage, pq.Array(tags), score, source, metadata)
		updated, err = scanLead(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TouchLeadActivity bumps last_activity_at.
func (s *Store) TouchLeadActivity(ctx context.Context, orgID, leadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET last_activity_at = GREATEST(last_activity_at, $3)
		WHERE id = $1 AND organization_id = $2
	`, leadID, orgID, at)
	if err != nil {
		return fmt.Errorf("touch lead: %w", err)
	}
	return nil
}

// GetLeadRules loads the org's ordered rule list. A missing row is an
// empty list.
func (s *Store) GetLeadRules(ctx context.Context, orgID string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT rules FROM lead_rules WHERE organization_id = $1
	`, orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return json.RawMessage("[]"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead rules: %w", err)
	}
	return json.RawMessage(raw), nil
}

// PutLeadRules replaces the org's rule list atomically.
func (s *Store) PutLeadRules(ctx context.Context, orgID string, rules json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_rules (organization_id, rules, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (organization_id) DO UPDATE
			SET rules = EXCLUDED.rules, updated_at = NOW()
	`, orgID, []byte(rules))
	if err != nil {
		return fmt.Errorf("put lead rules: %w", err)
	}
	return nil
}

func scanLead(r rowScanner) (*domain.Lead, error) {
	l := &domain.Lead{}
	var metadata []byte
	var converted sql.NullTime
	err := r.Scan(
		&l.ID, &l.OrganizationID, &l.ContactID, &l.Stage, pq.Array(&l.Tags),
		&l.Score, &l.Source, &metadata, &l.LastActivityAt, &converted, &l.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	l.ConvertedAt = timePtr(converted)
	if err := unmarshalJSON(metadata, &l.Metadata); err != nil {
		return nil, err
	}
	return l, nil
}

// mergeTags applies add before remove and keeps the result deduplicated
// in first-seen order.
func mergeTags(base, add, remove []string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, t := range append(append([]string{}, base...), add...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(remove) > 0 {
		drop := make(map[string]bool, len(remove))
		for _, t := range remove {
			drop[t] = true
		}
		kept := out[:0]
		for _, t := range out {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		out = kept
	}
	return out
}
