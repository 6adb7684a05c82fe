package domain

import "time"

// Channel is a configured connection to a messaging provider.
type Channel struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	Provider       string            `json:"provider"`
	Settings       map[string]string `json:"settings,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Contact is a person reachable on at least one channel identity.
// Unique per (org, channel identity).
type Contact struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	ExternalID     string                 `json:"external_id"`
	Phone          string                 `json:"phone,omitempty"`
	Email          string                 `json:"email,omitempty"`
	Name           string                 `json:"name,omitempty"`
	Tags           []string               `json:"tags"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Conversation is the single open thread between a contact and a channel.
type Conversation struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ContactID      string    `json:"contact_id"`
	ChannelID      string    `json:"channel_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageDirection distinguishes inbound from outbound messages.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageStatus enumerates delivery states. The partial order
// pending ≤ sent ≤ delivered ≤ read is monotonic; failed is terminal
// and mutually exclusive with delivered/read.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// statusRank orders the non-failed statuses for monotonicity checks.
var statusRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// CanTransition reports whether a message may move from to next without
// violating status monotonicity. No transition leaves failed, and failed
// is only reachable from pending or sent.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s == MessageFailed {
		return false
	}
	if next == MessageFailed {
		return s == MessagePending || s == MessageSent
	}
	return statusRank[next] > statusRank[s]
}

// Message is one inbound or outbound message within a conversation.
type Message struct {
	ID                string           `json:"id"`
	OrganizationID    string           `json:"organization_id"`
	ConversationID    string           `json:"conversation_id"`
	Direction         MessageDirection `json:"direction"`
	Text              string           `json:"text,omitempty"`
	Status            MessageStatus    `json:"status"`
	ExternalID        string           `json:"external_id,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	CampaignSendID    string           `json:"campaign_send_id,omitempty"`
	JourneyRunStepID  string           `json:"journey_run_step_id,omitempty"`
	Error             string           `json:"error,omitempty"`
	Attempts          int              `json:"attempts,omitempty"`
	ReceivedAt        time.Time        `json:"received_at"`
}

// InboundMessage is the canonical form a provider adapter normalizes an
// inbound payload into.
type InboundMessage struct {
	ExternalID       string                 `json:"external_id,omitempty"`
	SenderExternalID string                 `json:"sender_external_id"`
	SenderName       string                 `json:"sender_name,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
	Text             string                 `json:"text,omitempty"`
	Raw              map[string]interface{} `json:"raw,omitempty"`
}

// StatusUpdate is the canonical form of a provider status callback.
type StatusUpdate struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            MessageStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	// Known reports whether the provider status string mapped to a
	// canonical status. Unknown strings are ignored and logged.
	Known bool `json:"-"`
}
