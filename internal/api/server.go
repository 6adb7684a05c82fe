// Package api exposes the HTTP surface: tenant-scoped v1 endpoints
// behind bearer auth, unauthenticated provider webhooks, and a token
// guarded admin surface.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/omini/omini-core/internal/analytics"
	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/campaign"
	"github.com/omini/omini-core/internal/config"
	"github.com/omini/omini-core/internal/crm"
	"github.com/omini/omini-core/internal/journey"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"
)

// Server wires handlers over the core services and owns the listener.
type Server struct {
	cfg      config.ServerConfig
	webhooks config.WebhookConfig

	store     *storage.Store
	pipeline  *pipeline.Service
	campaigns *campaign.Service
	journeys  *journey.Engine
	attrib    *attribution.Service
	analytics *analytics.Service
	crm       *crm.Service
	queues    *queue.Client
	verifier  *provider.Verifier
	mock      *provider.MockAdapter

	auth   *authCache
	router *chi.Mux
	server *http.Server
}

// Deps collects everything the server needs.
type Deps struct {
	Store     *storage.Store
	Pipeline  *pipeline.Service
	Campaigns *campaign.Service
	Journeys  *journey.Engine
	Attrib    *attribution.Service
	Analytics *analytics.Service
	CRM       *crm.Service
	Queues    *queue.Client
	Verifier  *provider.Verifier
}

func NewServer(cfg config.ServerConfig, webhooks config.WebhookConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		webhooks:  webhooks,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		campaigns: deps.Campaigns,
		journeys:  deps.Journeys,
		attrib:    deps.Attrib,
		analytics: deps.Analytics,
		crm:       deps.CRM,
		queues:    deps.Queues,
		verifier:  deps.Verifier,
		mock:      provider.NewMockAdapter(),
		auth:      newAuthCache(deps.Store),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	// Provider webhooks authenticate by signature, not bearer token.
	r.Post("/v1/webhooks/whatsapp/status/{provider}/{channelID}", s.handleStatusWebhook)
	r.Post("/v1/webhooks/whatsapp/{provider}/{channelID}", s.handleInboundWebhook)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireBootstrapToken)
		r.Post("/bootstrap", s.handleBootstrap)
		r.Get("/queues", s.handleQueues)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireOrg)

		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels", s.handleListChannels)

		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}/messages", s.handleListMessages)

		r.Post("/mock/whatsapp/inbound", s.handleMockInbound)

		r.Get("/leads", s.handleListLeads)
		r.Get("/leads/{id}", s.handleGetLead)
		r.Put("/leads/{id}", s.handleUpdateLead)
		r.Post("/leads/{id}/signals", s.handleLeadSignals)

		r.Get("/lead-rules", s.handleGetLeadRules)
		r.Put("/lead-rules", s.handlePutLeadRules)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/schedule", s.handleScheduleCampaign)
		r.Post("/campaigns/{id}/cancel", s.handleCancelCampaign)
		r.Get("/campaigns/{id}/preview", s.handlePreviewCampaign)
		r.Put("/campaigns/{id}/roi", s.handleSetCampaignROI)
		r.Get("/campaigns/{id}/roi", s.handleGetCampaignROI)

		r.Post("/journeys", s.handleCreateJourney)
		r.Get("/journeys", s.handleListJourneys)
		r.Get("/journeys/{id}", s.handleGetJourney)
		r.Put("/journeys/{id}", s.handleUpdateJourney)
		r.Post("/journeys/{id}/activate", s.handleActivateJourney)
		r.Post("/journeys/{id}/pause", s.handlePauseJourney)
		r.Get("/journeys/{id}/runs", s.handleListRuns)
		r.Get("/journeys/runs/{runID}", s.handleGetRun)
		r.Post("/journeys/runs/{runID}/cancel", s.handleCancelRun)

		r.Get("/attribution/report", s.handleAttributionReport)

		r.Get("/analytics/summary", s.handleAnalyticsSummary)
		r.Get("/analytics/channels", s.handleAnalyticsChannels)
		r.Get("/analytics/campaigns", s.handleAnalyticsCampaigns)
		r.Get("/analytics/realtime", s.handleAnalyticsRealtime)
		r.Get("/analytics/trends/channels", s.handleAnalyticsChannelTrends)
		r.Get("/analytics/trends/campaigns", s.handleAnalyticsCampaignTrends)
		r.Get("/analytics/settings", s.handleGetAnalyticsSettings)
		r.Put("/analytics/settings", s.handlePutAnalyticsSettings)

		r.Get("/crm/mapping", s.handleGetCRMMapping)
		r.Put("/crm/mapping", s.handlePutCRMMapping)
		r.Post("/crm/mapping/validate", s.handleValidateCRMMapping)
		r.Post("/crm/mapping/preview", s.handlePreviewCRMMapping)
		r.Post("/crm/leads/{id}", s.handlePushCRMLead)
		r.Post("/crm/revenue", s.handleCRMRevenue)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[API] listening on %s", s.cfg.Addr())
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
