package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/httputil"
)

type journeyRequest struct {
	Name            string                  `json:"name"`
	Triggers        []domain.JourneyTrigger `json:"triggers"`
	Nodes           []domain.JourneyNode    `json:"nodes"`
	Edges           []domain.JourneyEdge    `json:"edges"`
	DebounceMinutes int                     `json:"debounce_minutes,omitempty"`
}

func (req *journeyRequest) toJourney() *domain.Journey {
	return &domain.Journey{
		Name:            req.Name,
		Triggers:        req.Triggers,
		Nodes:           req.Nodes,
		Edges:           req.Edges,
		DebounceMinutes: req.DebounceMinutes,
	}
}

func (s *Server) handleCreateJourney(w http.ResponseWriter, r *http.Request) {
	var req journeyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	j, err := s.journeys.Create(r.Context(), OrgID(r), req.toJourney())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, j)
}

func (s *Server) handleListJourneys(w http.ResponseWriter, r *http.Request) {
	journeys, err := s.journeys.List(r.Context(), OrgID(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"journeys": emptyIfNil(journeys)})
}

func (s *Server) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.journeys.Get(r.Context(), OrgID(r), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, j)
}

func (s *Server) handleUpdateJourney(w http.ResponseWriter, r *http.Request) {
	var req journeyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	j := req.toJourney()
	j.ID = chi.URLParam(r, "id")
	updated, err := s.journeys.UpdateGraph(r.Context(), OrgID(r), j)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, updated)
}

func (s *Server) handleActivateJourney(w http.ResponseWriter, r *http.Request) {
	s.setJourneyStatus(w, r, domain.JourneyActive)
}

func (s *Server) handlePauseJourney(w http.ResponseWriter, r *http.Request) {
	s.setJourneyStatus(w, r, domain.JourneyPaused)
}

func (s *Server) setJourneyStatus(w http.ResponseWriter, r *http.Request, to domain.JourneyStatus) {
	j, err := s.journeys.SetStatus(r.Context(), OrgID(r), chi.URLParam(r, "id"), to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, j)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r)
	runs, err := s.journeys.Runs(r.Context(), OrgID(r), chi.URLParam(r, "id"), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"runs": emptyIfNil(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, steps, err := s.journeys.RunSteps(r.Context(), OrgID(r), chi.URLParam(r, "runID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"run": run, "steps": emptyIfNil(steps)})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.journeys.CancelRun(r.Context(), OrgID(r), chi.URLParam(r, "runID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, run)
}
