package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CRMMapping holds the org's field mapping and push target.
type CRMMapping struct {
	OrganizationID string          `json:"organization_id"`
	Mapping        json.RawMessage `json:"mapping"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
}

// GetCRMMapping loads the org's CRM mapping. A missing row is an empty
// mapping.
func (s *Store) GetCRMMapping(ctx context.Context, orgID string) (*CRMMapping, error) {
	m := &CRMMapping{OrganizationID: orgID}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT mapping, webhook_url FROM crm_mappings WHERE organization_id = $1
	`, orgID).Scan(&raw, &m.WebhookURL)
	if err == sql.ErrNoRows {
		m.Mapping = json.RawMessage("{}")
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crm mapping: %w", err)
	}
	m.Mapping = json.RawMessage(raw)
	return m, nil
}

// PutCRMMapping replaces the org's CRM mapping atomically.
func (s *Store) PutCRMMapping(ctx context.Context, m *CRMMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crm_mappings (organization_id, mapping, webhook_url, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			mapping = EXCLUDED.mapping,
			webhook_url = EXCLUDED.webhook_url,
			updated_at = NOW()
	`, m.OrganizationID, []byte(m.Mapping), m.WebhookURL)
	if err != nil {
		return fmt.Errorf("put crm mapping: %w", err)
	}
	return nil
}
