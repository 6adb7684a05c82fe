package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/leadrules"
	"github.com/omini/omini-core/internal/pkg/httputil"
	"github.com/omini/omini-core/internal/storage"
)

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	q := r.URL.Query()
	leads, err := s.store.ListLeads(r.Context(), OrgID(r), storage.LeadFilter{
		Stage:  q.Get("stage"),
		Tag:    q.Get("tag"),
		Source: q.Get("source"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"leads": emptyIfNil(leads)})
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.store.GetLead(r.Context(), OrgID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "lead not found")
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, lead)
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var updates storage.LeadUpdates
	if !httputil.Decode(w, r, &updates) {
		return
	}
	lead, err := s.pipeline.UpdateLead(r.Context(), OrgID(r), chi.URLParam(r, "id"), updates)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, lead)
}

type signalsRequest struct {
	Signals []string `json:"signals"`
	Text    string   `json:"text,omitempty"`
}

func (s *Server) handleLeadSignals(w http.ResponseWriter, r *http.Request) {
	var req signalsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Signals) == 0 && req.Text == "" {
		httputil.BadRequest(w, "signals or text is required")
		return
	}
	lead, res, err := s.pipeline.ApplySignals(r.Context(), OrgID(r), chi.URLParam(r, "id"), req.Text, req.Signals)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"lead":    lead,
		"matched": emptyIfNil(res.Matched),
	})
}

func (s *Server) handleGetLeadRules(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.GetLeadRules(r.Context(), OrgID(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"rules": raw})
}

type putLeadRulesRequest struct {
	Rules json.RawMessage `json:"rules"`
}

func (s *Server) handlePutLeadRules(w http.ResponseWriter, r *http.Request) {
	var req putLeadRulesRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	rules, err := leadrules.ParseRules(req.Rules)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.PutLeadRules(r.Context(), OrgID(r), req.Rules); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"rules": req.Rules, "count": len(rules)})
}
