package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/pkg/httpretry"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

// Service owns the org's CRM mapping and the outbound lead push path.
// Pushes go through the crm.webhooks queue so a flapping CRM endpoint
// retries with backoff instead of blocking the API request.
type Service struct {
	store  *storage.Store
	queues *queue.Client
	attrib *attribution.Service
	signer *provider.Verifier
	client httpretry.HTTPDoer
}

func New(store *storage.Store, queues *queue.Client, attrib *attribution.Service, signer *provider.Verifier) *Service {
	return &Service{
		store:  store,
		queues: queues,
		attrib: attrib,
		signer: signer,
		client: httpretry.NewRetryClient(nil, 3),
	}
}

// SetHTTPClient overrides the webhook client, mainly for tests.
func (s *Service) SetHTTPClient(c httpretry.HTTPDoer) { s.client = c }

// GetMapping returns the org's stored mapping. Missing rows come back
// as an empty mapping.
func (s *Service) GetMapping(ctx context.Context, orgID string) (*storage.CRMMapping, error) {
	return s.store.GetCRMMapping(ctx, orgID)
}

// PutMapping validates and stores the org's mapping and webhook URL.
func (s *Service) PutMapping(ctx context.Context, orgID string, raw json.RawMessage, webhookURL string) (*storage.CRMMapping, error) {
	m, err := ParseMapping(raw)
	if err != nil {
		return nil, err
	}
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperr.Invalid("webhook_url must be an http(s) URL", "webhook_url")
		}
	}
	normalized, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal mapping: %w", err)
	}
	stored := &storage.CRMMapping{
		OrganizationID: orgID,
		Mapping:        normalized,
		WebhookURL:     webhookURL,
	}
	if err := s.store.PutCRMMapping(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// ValidateMapping checks candidate mapping JSON without storing it.
func (s *Service) ValidateMapping(raw json.RawMessage) error {
	_, err := ParseMapping(raw)
	return err
}

// Preview applies a candidate mapping (or the stored one when raw is
// empty) to a real lead and returns the payload that would be pushed.
// Nothing is written and nothing leaves the process.
func (s *Service) Preview(ctx context.Context, orgID, leadID string, raw json.RawMessage) (map[string]interface{}, error) {
	var m Mapping
	var err error
	if len(raw) > 0 {
		m, err = ParseMapping(raw)
	} else {
		var stored *storage.CRMMapping
		stored, err = s.store.GetCRMMapping(ctx, orgID)
		if err == nil {
			m, err = ParseMapping(stored.Mapping)
		}
	}
	if err != nil {
		return nil, err
	}
	lead, contact, err := s.loadLead(ctx, orgID, leadID)
	if err != nil {
		return nil, err
	}
	return m.Apply(lead, contact), nil
}

// PushJob asks the worker to deliver one lead to the org's CRM.
type PushJob struct {
	OrganizationID string `json:"organization_id"`
	LeadID         string `json:"lead_id"`
}

// PushLead queues delivery of the lead to the configured CRM webhook.
func (s *Service) PushLead(ctx context.Context, orgID, leadID string) error {
	mapping, err := s.store.GetCRMMapping(ctx, orgID)
	if err != nil {
		return err
	}
	if mapping.WebhookURL == "" {
		return apperr.New(apperr.InvalidInput, "no CRM webhook_url configured")
	}
	if _, _, err := s.loadLead(ctx, orgID, leadID); err != nil {
		return err
	}
	_, err = s.queues.Enqueue(ctx, queue.QueueCRMWebhooks, PushJob{
		OrganizationID: orgID,
		LeadID:         leadID,
	})
	return err
}

// HandlePushJob is the crm.webhooks queue handler. Transient delivery
// failures return an error so the substrate retries; permanent ones are
// logged and dropped.
func (s *Service) HandlePushJob(ctx context.Context, qjob queue.Job) error {
	var job PushJob
	if err := json.Unmarshal(qjob.Data, &job); err != nil {
		log.Printf("[CRM] dropping malformed push job %s: %v", qjob.ID, err)
		return nil
	}
	mapping, err := s.store.GetCRMMapping(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	if mapping.WebhookURL == "" {
		log.Printf("[CRM] dropping push for lead %s: webhook_url removed", job.LeadID)
		return nil
	}
	m, err := ParseMapping(mapping.Mapping)
	if err != nil {
		log.Printf("[CRM] dropping push for lead %s: stored mapping invalid: %v", job.LeadID, err)
		return nil
	}
	lead, contact, err := s.loadLead(ctx, job.OrganizationID, job.LeadID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			log.Printf("[CRM] dropping push for missing lead %s", job.LeadID)
			return nil
		}
		return err
	}
	return s.deliver(ctx, mapping.WebhookURL, m.Apply(lead, contact))
}

func (s *Service) deliver(ctx context.Context, webhookURL string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal crm payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, httpretry.DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(provider.HeaderTimestamp, ts)
		req.Header.Set(provider.HeaderSignature, s.signer.Sign(ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientDependency, "crm webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperr.Newf(apperr.TransientDependency, "crm webhook returned %d", resp.StatusCode)
	}
	// A 4xx will never succeed on retry.
	log.Printf("[CRM] webhook rejected payload with %d, dropping", resp.StatusCode)
	return nil
}

// Revenue records an inbound revenue event from the CRM side.
func (s *Service) Revenue(ctx context.Context, orgID string, in attribution.RevenueInput) (*domain.RevenueEvent, bool, error) {
	return s.attrib.AttachRevenue(ctx, orgID, in)
}

func (s *Service) loadLead(ctx context.Context, orgID, leadID string) (*domain.Lead, *domain.Contact, error) {
	lead, err := s.store.GetLead(ctx, orgID, leadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.New(apperr.NotFound, "lead not found")
		}
		return nil, nil, err
	}
	contact, err := s.store.GetContact(ctx, orgID, lead.ContactID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.New(apperr.NotFound, "contact not found")
		}
		return nil, nil, err
	}
	return lead, contact, nil
}
