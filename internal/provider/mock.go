package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/omini/omini-core/internal/domain"
)

// MockAdapter is the development provider. Sends always succeed with a
// synthetic provider id, and BuildInboundPayload fabricates a payload the
// adapter itself parses, so demo traffic exercises the real pipeline.
type MockAdapter struct{}

// NewMockAdapter creates the mock provider adapter.
func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Name() string { return "mock" }

type mockPayload struct {
	EventID   string `json:"event_id"`
	From      string `json:"from"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BuildInboundPayload renders a synthetic inbound payload for the mock
// ingest endpoint.
func (a *MockAdapter) BuildInboundPayload(from, name, text string) []byte {
	raw, _ := json.Marshal(mockPayload{
		EventID:   "mock-" + uuid.New().String(),
		From:      from,
		Name:      name,
		Text:      text,
		Timestamp: time.Now().Unix(),
	})
	return raw
}

func (a *MockAdapter) ParseInbound(payload []byte) ([]domain.InboundMessage, error) {
	var p mockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.From == "" {
		return nil, fmt.Errorf("%w: missing from", ErrBadPayload)
	}
	ts := time.Unix(p.Timestamp, 0).UTC()
	if p.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return []domain.InboundMessage{{
		ExternalID:       p.EventID,
		SenderExternalID: p.From,
		SenderName:       p.Name,
		Text:             p.Text,
		Timestamp:        ts,
	}}, nil
}

func (a *MockAdapter) ParseStatus(payload []byte) ([]domain.StatusUpdate, error) {
	var p mockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrBadPayload)
	}
	upd := domain.StatusUpdate{ProviderMessageID: p.MessageID, Error: p.Error}
	switch p.Status {
	case "sent":
		upd.Status, upd.Known = domain.MessageSent, true
	case "delivered":
		upd.Status, upd.Known = domain.MessageDelivered, true
	case "read":
		upd.Status, upd.Known = domain.MessageRead, true
	case "failed":
		upd.Status, upd.Known = domain.MessageFailed, true
	}
	return []domain.StatusUpdate{upd}, nil
}

func (a *MockAdapter) SendText(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	return "mock-msg-" + uuid.New().String(), nil
}
