package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omini/omini-core/internal/domain"
)

// TwilioAdapter handles Twilio SMS callback payloads (delivered to the
// ingest endpoints as JSON). Outbound sending is not wired for this
// provider; sends fall back to ErrSendUnsupported and the pipeline fails
// the message.
type TwilioAdapter struct{}

// NewTwilioAdapter creates the Twilio adapter.
func NewTwilioAdapter() *TwilioAdapter { return &TwilioAdapter{} }

func (a *TwilioAdapter) Name() string { return "twilio_sms" }

type twilioPayload struct {
	MessageSid    string `json:"MessageSid"`
	SmsSid        string `json:"SmsSid"`
	From          string `json:"From"`
	Body          string `json:"Body"`
	SmsStatus     string `json:"SmsStatus"`
	MessageStatus string `json:"MessageStatus"`
	ErrorMessage  string `json:"ErrorMessage"`
}

func (a *TwilioAdapter) ParseInbound(payload []byte) ([]domain.InboundMessage, error) {
	var p twilioPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.From == "" {
		return nil, fmt.Errorf("%w: missing From", ErrBadPayload)
	}
	sid := p.MessageSid
	if sid == "" {
		sid = p.SmsSid
	}
	return []domain.InboundMessage{{
		ExternalID:       sid,
		SenderExternalID: strings.TrimPrefix(p.From, "whatsapp:"),
		Text:             p.Body,
		Timestamp:        time.Now().UTC(),
	}}, nil
}

func (a *TwilioAdapter) ParseStatus(payload []byte) ([]domain.StatusUpdate, error) {
	var p twilioPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	sid := p.MessageSid
	if sid == "" {
		sid = p.SmsSid
	}
	if sid == "" {
		return nil, fmt.Errorf("%w: missing MessageSid", ErrBadPayload)
	}
	status := p.MessageStatus
	if status == "" {
		status = p.SmsStatus
	}

	upd := domain.StatusUpdate{ProviderMessageID: sid}
	switch status {
	case "queued", "accepted", "sending", "sent":
		upd.Status, upd.Known = domain.MessageSent, true
	case "delivered":
		upd.Status, upd.Known = domain.MessageDelivered, true
	case "read":
		upd.Status, upd.Known = domain.MessageRead, true
	case "failed", "undelivered":
		upd.Status, upd.Known = domain.MessageFailed, true
		upd.Error = p.ErrorMessage
	}
	return []domain.StatusUpdate{upd}, nil
}

func (a *TwilioAdapter) SendText(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	return "", ErrSendUnsupported
}
