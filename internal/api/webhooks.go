package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/pkg/httputil"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/storage"
)

// maxWebhookBody caps provider payload size at 1 MiB.
const maxWebhookBody = 1 << 20

type mockInboundRequest struct {
	ChannelID  string `json:"channel_id"`
	ChannelID2 string `json:"channelId"`
	From       string `json:"from"`
	Name       string `json:"name,omitempty"`
	Text       string `json:"text"`
}

// handleMockInbound fabricates an inbound payload in the mock
// provider's wire shape and feeds it through the same ingest path real
// webhooks take.
func (s *Server) handleMockInbound(w http.ResponseWriter, r *http.Request) {
	var req mockInboundRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = req.ChannelID2
	}
	if channelID == "" || req.From == "" || req.Text == "" {
		httputil.BadRequest(w, "channel_id, from and text are required")
		return
	}
	payload := s.mock.BuildInboundPayload(req.From, req.Name, req.Text)
	if err := s.pipeline.EnqueueInbound(r.Context(), OrgID(r), channelID, payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook(w, r, s.pipeline.EnqueueInbound)
}

func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleProviderWebhook(w, r, s.pipeline.EnqueueStatus)
}

func (s *Server) handleProviderWebhook(
	w http.ResponseWriter, r *http.Request,
	enqueue func(ctx context.Context, orgID, channelID string, payload []byte) error,
) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	ch, err := s.store.GetChannelByID(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "channel not found")
			return
		}
		httputil.WriteError(w, err)
		return
	}
	providerName := chi.URLParam(r, "provider")
	if ch.Provider != providerName {
		// Misrouted delivery, usually a provider console pointed at the
		// wrong channel. Name both sides so it can be diagnosed.
		log.Printf("[API] webhook provider mismatch: channel %s is %s, url says %s", ch.ID, ch.Provider, providerName)
		httputil.Conflict(w, fmt.Sprintf("channel is registered to provider %q, not %q", ch.Provider, providerName))
		return
	}

	if !s.verifySignature(w, r, body) {
		return
	}

	if err := enqueue(r.Context(), ch.OrganizationID, ch.ID, body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "accepted"})
}

// verifySignature checks the HMAC headers. With a signing secret
// configured every payload must carry a valid signature; the required
// flag only decides whether traffic is accepted when no secret is set.
// Failures are logged and rejected; they are never retried.
func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if s.verifier == nil {
		if s.webhooks.SignatureRequired {
			log.Printf("[API] webhook rejected: signatures required but no signing secret configured")
			httputil.Unauthorized(w, "invalid webhook signature")
			return false
		}
		return true
	}
	ts := r.Header.Get(provider.HeaderTimestamp)
	sig := r.Header.Get(provider.HeaderSignature)
	if err := s.verifier.Verify(r.Context(), ts, sig, body); err != nil {
		log.Printf("[API] webhook signature rejected: %v", err)
		httputil.Unauthorized(w, "invalid webhook signature")
		return false
	}
	return true
}
