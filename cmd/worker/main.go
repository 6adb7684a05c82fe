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
	log.Println("Starting omini worker...")

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

	concurrency := cfg.Queue.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	pool := queue.NewWorkerPool(rdb)
	pool.Register(queue.QueueInboundEvents, pl.HandleInboundJob, concurrency)
	pool.Register(queue.QueueOutboundMessages, pl.HandleOutboundJob, concurrency)
	pool.Register(queue.QueueWhatsAppStatus, pl.HandleStatusJob, concurrency)
	pool.Register(queue.QueueCampaignSends, campaigns.HandleSendJob, concurrency)
	pool.Register(queue.QueueJourneyRuns, journeys.HandleRunJob, concurrency)
	pool.Register(queue.QueueAnalyticsMetrics, metrics.HandleRollupJob, 1)
	pool.Register(queue.QueueCRMWebhooks, crmSvc.HandlePushJob, concurrency)
	pool.Start()

	scheduler := campaign.NewScheduler(store, queues, rdb)
	scheduler.SetPollInterval(cfg.Schedulers.CampaignInterval)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start campaign scheduler: %v", err)
	}

	sweeper := journey.NewSweeper(journeys)
	sweeper.SetInterval(cfg.Schedulers.JourneyInterval)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start journey sweeper: %v", err)
	}

	rollup := analytics.NewRollup(store, queues, rdb)
	rollup.SetPollInterval(cfg.Schedulers.AnalyticsInterval)
	if err := rollup.Start(); err != nil {
		log.Fatalf("Failed to start analytics rollup: %v", err)
	}

	log.Printf("Worker running (queue concurrency %d)", concurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	rollup.Stop()
	sweeper.Stop()
	scheduler.Stop()
	pool.Stop()
	log.Println("Worker stopped")
}
