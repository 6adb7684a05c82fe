package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/httpretry"
)

const metaGraphBase = "https://graph.facebook.com/v19.0"

// MetaAdapter handles WhatsApp Cloud API payloads. Channel settings must
// carry access_token and phone_number_id for outbound sends.
type MetaAdapter struct {
	client *httpretry.RetryClient
	base   string
}

// NewMetaAdapter creates the WhatsApp Cloud adapter.
func NewMetaAdapter(client *httpretry.RetryClient) *MetaAdapter {
	return &MetaAdapter{client: client, base: metaGraphBase}
}

func (a *MetaAdapter) Name() string { return "meta_whatsapp" }

type metaEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
					Errors    []struct {
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (a *MetaAdapter) ParseInbound(payload []byte) ([]domain.InboundMessage, error) {
	var env metaEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var out []domain.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg := domain.InboundMessage{
					ExternalID:       m.ID,
					SenderExternalID: m.From,
					SenderName:       names[m.From],
					Text:             m.Text.Body,
					Timestamp:        parseUnixSeconds(m.Timestamp),
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (a *MetaAdapter) ParseStatus(payload []byte) ([]domain.StatusUpdate, error) {
	var env metaEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var out []domain.StatusUpdate
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				upd := domain.StatusUpdate{ProviderMessageID: st.ID}
				switch st.Status {
				case "sent":
					upd.Status, upd.Known = domain.MessageSent, true
				case "delivered":
					upd.Status, upd.Known = domain.MessageDelivered, true
				case "read":
					upd.Status, upd.Known = domain.MessageRead, true
				case "failed":
					upd.Status, upd.Known = domain.MessageFailed, true
					if len(st.Errors) > 0 {
						upd.Error = st.Errors[0].Title
					}
				}
				out = append(out, upd)
			}
		}
	}
	return out, nil
}

type metaSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *MetaAdapter) SendText(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	token := ch.Settings["access_token"]
	phoneID := ch.Settings["phone_number_id"]
	if token == "" || phoneID == "" {
		return "", fmt.Errorf("meta_whatsapp: channel %s missing access_token or phone_number_id", ch.ID)
	}

	reqBody := metaSendRequest{MessagingProduct: "whatsapp", To: recipient, Type: "text"}
	reqBody.Text.Body = text
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", a.base, phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("meta_whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	var body metaSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("meta_whatsapp: decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("meta_whatsapp: send failed (%d): %s", resp.StatusCode, body.Error.Message)
	}
	if len(body.Messages) == 0 {
		return "", fmt.Errorf("meta_whatsapp: response carried no message id")
	}
	return body.Messages[0].ID, nil
}

func parseUnixSeconds(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
