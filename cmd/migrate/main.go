package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/omini/omini-core/internal/config"
	"github.com/omini/omini-core/internal/storage"

	_ "github.com/lib/pq"
)

// Applies the embedded schema to the configured database. The schema is
// written with IF NOT EXISTS guards so re-running is safe.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := store.ApplySchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	log.Println("Schema applied")
}
