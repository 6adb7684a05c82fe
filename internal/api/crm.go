package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/pkg/httputil"
)

func (s *Server) handleGetCRMMapping(w http.ResponseWriter, r *http.Request) {
	m, err := s.crm.GetMapping(r.Context(), OrgID(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, m)
}

type crmMappingRequest struct {
	Mapping    json.RawMessage `json:"mapping"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

func (s *Server) handlePutCRMMapping(w http.ResponseWriter, r *http.Request) {
	var req crmMappingRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	m, err := s.crm.PutMapping(r.Context(), OrgID(r), req.Mapping, req.WebhookURL)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, m)
}

func (s *Server) handleValidateCRMMapping(w http.ResponseWriter, r *http.Request) {
	var req crmMappingRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := s.crm.ValidateMapping(req.Mapping); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"valid": true})
}

type crmPreviewRequest struct {
	LeadID  string          `json:"lead_id"`
	Mapping json.RawMessage `json:"mapping,omitempty"`
}

func (s *Server) handlePreviewCRMMapping(w http.ResponseWriter, r *http.Request) {
	var req crmPreviewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.LeadID == "" {
		httputil.BadRequest(w, "lead_id is required")
		return
	}
	payload, err := s.crm.Preview(r.Context(), OrgID(r), req.LeadID, req.Mapping)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"payload": payload})
}

func (s *Server) handlePushCRMLead(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")
	if err := s.crm.PushLead(r.Context(), OrgID(r), leadID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "queued", "lead_id": leadID})
}

func (s *Server) handleCRMRevenue(w http.ResponseWriter, r *http.Request) {
	var in attribution.RevenueInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	ev, created, err := s.crm.Revenue(r.Context(), OrgID(r), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httputil.JSON(w, status, ev)
}
