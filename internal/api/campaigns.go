package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/campaign"
	"github.com/omini/omini-core/internal/pkg/httputil"
)

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := s.campaigns.Create(r.Context(), OrgID(r), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	campaigns, err := s.campaigns.List(r.Context(), OrgID(r), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaigns": emptyIfNil(campaigns)})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), OrgID(r), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, c)
}

type scheduleRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := s.campaigns.Schedule(r.Context(), OrgID(r), chi.URLParam(r, "id"), req.At)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Cancel(r.Context(), OrgID(r), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (s *Server) handlePreviewCampaign(w http.ResponseWriter, r *http.Request) {
	sample, _ := strconv.Atoi(r.URL.Query().Get("sample"))
	preview, err := s.campaigns.PreviewAudience(r.Context(), OrgID(r), chi.URLParam(r, "id"), sample)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, preview)
}

type roiRequest struct {
	Cost    *float64 `json:"cost,omitempty"`
	Revenue *float64 `json:"revenue,omitempty"`
}

func (s *Server) handleSetCampaignROI(w http.ResponseWriter, r *http.Request) {
	var req roiRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.campaigns.SetFinancials(r.Context(), OrgID(r), id, req.Cost, req.Revenue); err != nil {
		httputil.WriteError(w, err)
		return
	}
	report, err := s.campaigns.ROI(r.Context(), OrgID(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, report)
}

func (s *Server) handleGetCampaignROI(w http.ResponseWriter, r *http.Request) {
	report, err := s.campaigns.ROI(r.Context(), OrgID(r), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, report)
}
