package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Segment is the predicate selecting a campaign's audience from Leads.
// Nil/empty fields are not constrained.
type Segment struct {
	StageIn              []string `json:"stage_in,omitempty"`
	TagsAny              []string `json:"tags_any,omitempty"`
	TagsAll              []string `json:"tags_all,omitempty"`
	SourceIn             []string `json:"source_in,omitempty"`
	LastActiveWithinDays int      `json:"last_active_within_days,omitempty"`
}

// CampaignCounters tracks per-campaign send progress.
type CampaignCounters struct {
	Queued  int `json:"queued"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Campaign is a one-shot, segment-targeted outbound message blast.
type Campaign struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	ChannelID      string           `json:"channel_id"`
	Name           string           `json:"name"`
	MessageText    string           `json:"message_text"`
	Segment        Segment          `json:"segment"`
	ScheduleAt     *time.Time       `json:"schedule_at,omitempty"`
	Status         CampaignStatus   `json:"status"`
	Cost           *float64         `json:"cost,omitempty"`
	Revenue        *float64         `json:"revenue,omitempty"`
	Counters       CampaignCounters `json:"counters"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// SendStatus enumerates the per-lead send states.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
	SendSkipped SendStatus = "skipped"
)

// CampaignSend is the per-lead realization of a campaign's outbound plan.
// Unique per (campaign, lead).
type CampaignSend struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	CampaignID     string     `json:"campaign_id"`
	LeadID         string     `json:"lead_id"`
	MessageID      string     `json:"message_id,omitempty"`
	Status         SendStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
