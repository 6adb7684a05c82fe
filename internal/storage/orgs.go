package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/omini/omini-core/internal/domain"
)

// CreateOrganization inserts a new org and returns it.
func (s *Store) CreateOrganization(ctx context.Context, name string) (*domain.Organization, error) {
	org := &domain.Organization{ID: uuid.New().String(), Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name) VALUES ($1, $2)
		RETURNING created_at
	`, org.ID, org.Name).Scan(&org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// GetOrganization fetches one org by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	org := &domain.Organization{}
	var settings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, settings, created_at FROM organizations WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &settings, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if err := unmarshalJSON(settings, &org.Settings); err != nil {
		return nil, err
	}
	return org, nil
}

// ListOrganizationIDs returns every org id, oldest first. The rollup
// worker iterates this to aggregate each tenant in turn.
func (s *Store) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM organizations ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey stores the hash of key for the org.
func (s *Store) CreateAPIKey(ctx context.Context, orgID, name, key string) (*domain.APIKey, error) {
	k := &domain.APIKey{ID: uuid.New().String(), OrganizationID: orgID, Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, organization_id, key_hash, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, k.ID, k.OrganizationID, HashAPIKey(key), k.Name).Scan(&k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return k, nil
}

// ResolveAPIKey maps raw key material to its organization id.
func (s *Store) ResolveAPIKey(ctx context.Context, key string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id FROM api_keys WHERE key_hash = $1
	`, HashAPIKey(key)).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return orgID, nil
}

// CreateChannel registers a provider channel for the org.
func (s *Store) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	settings, err := marshalJSON(ch.Settings)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO channels (id, organization_id, name, provider, settings)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, ch.ID, ch.OrganizationID, ch.Name, ch.Provider, settings).Scan(&ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel fetches one channel in the org.
func (s *Store) GetChannel(ctx context.Context, orgID, id string) (*domain.Channel, error) {
	ch := &domain.Channel{}
	var settings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, provider, settings, created_at
		FROM channels WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(&ch.ID, &ch.OrganizationID, &ch.Name, &ch.Provider, &settings, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if err := unmarshalJSON(settings, &ch.Settings); err != nil {
		return nil, err
	}
	return ch, nil
}

// GetChannelByID fetches a channel without an org scope. Provider
// webhooks arrive unauthenticated and carry only the channel id; the
// channel row supplies the organization.
func (s *Store) GetChannelByID(ctx context.Context, id string) (*domain.Channel, error) {
	ch := &domain.Channel{}
	var settings []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, provider, settings, created_at
		FROM channels WHERE id = $1
	`, id).Scan(&ch.ID, &ch.OrganizationID, &ch.Name, &ch.Provider, &settings, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by id: %w", err)
	}
	if err := unmarshalJSON(settings, &ch.Settings); err != nil {
		return nil, err
	}
	return ch, nil
}

// ListChannels returns all channels for the org.
func (s *Store) ListChannels(ctx context.Context, orgID string) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, provider, settings, created_at
		FROM channels WHERE organization_id = $1 ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		var settings []byte
		if err := rows.Scan(&ch.ID, &ch.OrganizationID, &ch.Name, &ch.Provider, &settings, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if err := unmarshalJSON(settings, &ch.Settings); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
