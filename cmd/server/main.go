package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omini/omini-core/internal/analytics"
	"github.com/omini/omini-core/internal/api"
	"github.com/omini/omini-core/internal/attribution"
	"github.com/omini/omini-core/internal/campaign"
	"github.com/omini/omini-core/internal/config"
	"github.com/omini/omini-core/internal/crm"
	"github.com/omini/omini-core/internal/journey"
	"github.com/omini/omini-core/internal/pipeline"
	"github.com/omini/omini-core/internal/pkg/httpretry"
	"github.com/omini/omini-core/internal/provider"
	"github.com/omini/omini-core/internal/queue"
	"github.com/omini/omini-core/internal/storage"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting omini API server...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	opts, err := cfg.Redis.RedisOptions()
	if err != nil {
		log.Fatalf("Invalid redis config: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to database and redis")

	queues := queue.NewClient(rdb)

	registry := provider.NewRegistry()
	registry.Register(provider.NewMockAdapter())
	registry.Register(provider.NewMetaAdapter(httpretry.NewRetryClient(nil, 3)))
	registry.Register(provider.NewTwilioAdapter())

	var verifier *provider.Verifier
	if cfg.Webhook.SigningSecret != "" {
		verifier = provider.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.SignatureTTL, rdb)
	}

	pl := pipeline.New(store, queues, registry)
	journeys := journey.NewEngine(store, queues, pl, rdb)
	attrib := attribution.New(store)
	pl.SetNotifier(pipeline.NotifierList{journeys, attrib})
	pl.SetStepResolver(journeys)

	campaigns := campaign.New(store, queues, pl)
	metrics := analytics.New(store)
	crmSvc := crm.New(store, queues, attrib, verifier)

	srv := api.NewServer(cfg.Server, cfg.Webhook, api.Deps{
		Store:     store,
		Pipeline:  pl,
		Campaigns: campaigns,
		Journeys:  journeys,
		Attrib:    attrib,
		Analytics: metrics,
		CRM:       crmSvc,
		Queues:    queues,
		Verifier:  verifier,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
