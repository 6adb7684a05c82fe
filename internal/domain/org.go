package domain

import "time"

// Organization is the tenancy root. Every other entity is scoped to one.
type Organization struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// APIKey authenticates requests for one organization. Only the SHA-256
// hash of the key material is stored.
type APIKey struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
