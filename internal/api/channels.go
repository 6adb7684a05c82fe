package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/httputil"
	"github.com/omini/omini-core/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type createChannelRequest struct {
	Name     string                 `json:"name"`
	Provider string                 `json:"provider"`
	Settings map[string]string `json:"settings,omitempty"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if _, err := s.pipeline.Providers().Get(req.Provider); err != nil {
		httputil.BadRequest(w, "unknown provider "+strconv.Quote(req.Provider))
		return
	}
	ch := &domain.Channel{
		OrganizationID: OrgID(r),
		Name:           req.Name,
		Provider:       req.Provider,
		Settings:       req.Settings,
	}
	if err := s.store.CreateChannel(r.Context(), ch); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context(), OrgID(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"channels": emptyIfNil(channels)})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	convs, err := s.store.ListConversations(r.Context(), OrgID(r), limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"conversations": emptyIfNil(convs)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if _, err := s.store.GetConversation(r.Context(), OrgID(r), convID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.NotFound(w, "conversation not found")
			return
		}
		httputil.WriteError(w, err)
		return
	}
	limit, _ := pageParams(r)
	msgs, err := s.store.ListMessages(r.Context(), OrgID(r), convID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"messages": emptyIfNil(msgs)})
}

// pageParams reads limit/offset query params with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
