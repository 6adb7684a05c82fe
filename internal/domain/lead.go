package domain

import "time"

// LeadStage names the common pipeline stages. Stages are free-form
// strings; these constants cover the ones the engines treat specially.
const (
	StageNew       = "new"
	StageQualified = "qualified"
	StageConverted = "converted"
	StageLost      = "lost"
)

// Lead is the sales-facing view of a contact. One active lead per
// contact per org. ConvertedAt is set exactly once, at the stage
// transition to converted, and never cleared.
type Lead struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	ContactID      string                 `json:"contact_id"`
	Stage          string                 `json:"stage"`
	Tags           []string               `json:"tags"`
	Score          int                    `json:"score"`
	Source         string                 `json:"source,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	ConvertedAt    *time.Time             `json:"converted_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// HasTag reports whether the lead carries the given tag.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// OptedOut reports whether the lead carries the terminal opt-out flag.
// Campaign sends for opted-out leads are skipped, never failed.
func (l *Lead) OptedOut() bool {
	v, ok := l.Metadata["opt_out"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
