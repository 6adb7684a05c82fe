package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/omini/omini-core/internal/pkg/httputil"
	"github.com/omini/omini-core/internal/queue"
)

type bootstrapRequest struct {
	Name string `json:"name"`
}

// handleBootstrap creates an organization and its first api key. The
// raw key is returned exactly once; only its hash is stored.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	org, err := s.store.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rawKey, err := newAPIKey()
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	key, err := s.store.CreateAPIKey(r.Context(), org.ID, "bootstrap", rawKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, map[string]interface{}{
		"organization": org,
		"api_key":      rawKey,
		"api_key_id":   key.ID,
	})
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "ok_" + hex.EncodeToString(buf), nil
}

type queueStatus struct {
	Name         string      `json:"name"`
	Depth        int64       `json:"depth"`
	DelayedDepth int64       `json:"delayed_depth"`
	DeadLetters  []queue.Job `json:"dead_letters"`
}

// handleQueues reports depth and recent dead letters for every declared
// queue so operators can see terminal failures.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	out := make([]queueStatus, 0, len(queue.AllQueues))
	for _, name := range queue.AllQueues {
		depth, err := s.queues.Depth(r.Context(), name)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		delayed, err := s.queues.DelayedDepth(r.Context(), name)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		dead, err := s.queues.DeadLetters(r.Context(), name, 20)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if dead == nil {
			dead = []queue.Job{}
		}
		out = append(out, queueStatus{
			Name:         name,
			Depth:        depth,
			DelayedDepth: delayed,
			DeadLetters:  dead,
		})
	}
	httputil.OK(w, map[string]interface{}{"queues": out})
}
