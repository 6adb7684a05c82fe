package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/omini/omini-core/internal/domain"
)

// UpsertContact finds the contact identified by (org, external id),
// creating it when absent. Name and phone are filled in on first sight
// only; later payloads never overwrite them.
func (s *Store) UpsertContact(ctx context.Context, orgID, externalID, phone, name string) (*domain.Contact, error) {
	c := &domain.Contact{
		OrganizationID: orgID,
		ExternalID:     externalID,
	}
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, organization_id, external_id, phone, name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, external_id) DO UPDATE
			SET external_id = EXCLUDED.external_id
		RETURNING id, COALESCE(phone,''), COALESCE(email,''), COALESCE(name,''),
		          tags, metadata, created_at
	`, uuid.New().String(), orgID, externalID, nullString(phone), nullString(name)).Scan(
		&c.ID, &c.Phone, &c.Email, &c.Name, pq.Array(&c.Tags), &metadata, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	if err := unmarshalJSON(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return c, nil
}

// GetContact fetches one contact in the org.
func (s *Store) GetContact(ctx context.Context, orgID, id string) (*domain.Contact, error) {
	c := &domain.Contact{}
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, external_id, COALESCE(phone,''), COALESCE(email,''),
		       COALESCE(name,''), tags, metadata, created_at
		FROM contacts WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(
		&c.ID, &c.OrganizationID, &c.ExternalID, &c.Phone, &c.Email,
		&c.Name, pq.Array(&c.Tags), &metadata, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if err := unmarshalJSON(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureConversation returns the single conversation for
// (contact, channel), creating it when absent, and bumps its activity
// timestamp.
func (s *Store) EnsureConversation(ctx context.Context, orgID, contactID, channelID string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		OrganizationID: orgID,
		ContactID:      contactID,
		ChannelID:      channelID,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, organization_id, contact_id, channel_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contact_id, channel_id) DO UPDATE
			SET last_activity_at = NOW()
		RETURNING id, last_activity_at, created_at
	`, uuid.New().String(), orgID, contactID, channelID).Scan(
		&conv.ID, &conv.LastActivityAt, &conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches one conversation in the org.
func (s *Store) GetConversation(ctx context.Context, orgID, id string) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, contact_id, channel_id, last_activity_at, created_at
		FROM conversations WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(
		&conv.ID, &conv.OrganizationID, &conv.ContactID, &conv.ChannelID,
		&conv.LastActivityAt, &conv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the org's conversations ordered by recency.
func (s *Store) ListConversations(ctx context.Context, orgID string, limit, offset int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, contact_id, channel_id, last_activity_at, created_at
		FROM conversations WHERE organization_id = $1
		ORDER BY last_activity_at DESC LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(
			&conv.ID, &conv.OrganizationID, &conv.ContactID, &conv.ChannelID,
			&conv.LastActivityAt, &conv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// TouchConversation bumps last_activity_at.
func (s *Store) TouchConversation(ctx context.Context, orgID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`, id, orgID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
