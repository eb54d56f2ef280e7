// Command sspid is the SSPI scoring service.
// It serves the scoring API, saved configurations, a health check, and the
// signed refresh hook called when the dataset store changes.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sspi-data/sspi/internal/api"
	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/datastore"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/internal/registry"
	"github.com/sspi-data/sspi/internal/webhook"
	"github.com/sspi-data/sspi/pkg/config"
	"github.com/sspi-data/sspi/pkg/scoring"
)

func loadConfig() *config.Config {
	cfg := config.DefaultConfig()
	path := os.Getenv("SSPI_CONFIG")
	if path == "" {
		if cwd, err := os.Getwd(); err == nil {
			path = config.FindConfigFile(cwd)
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services
	store, err := datastore.NewStorage(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("open dataset store: %v", err)
	}
	src := datastore.NewSource(store, cfg.Metadata.DefaultKey)

	cache, err := cachestore.Open(ctx, cfg.Cache)
	if err != nil {
		log.Fatalf("open score cache: %v", err)
	}
	defer cache.Close()

	// Saved configurations share the cache database when it is Postgres.
	var configs registry.Store = registry.NewMemory()
	if pg, ok := cache.(*cachestore.Postgres); ok {
		configs = registry.NewPostgres(pg.DB())
	}

	reg := jobs.New(jobs.Options{
		Workers:     cfg.Jobs.Workers,
		Queue:       cfg.Jobs.Queue,
		EventBuffer: cfg.Jobs.EventBuffer,
		Timeout:     cfg.Jobs.Timeout(),
		Retain:      cfg.Jobs.Retain(),
	})
	defer reg.Close()

	svc := pipeline.NewService(cache, src, src, reg, pipeline.Options{
		Window:    scoring.Window{Start: cfg.Scoring.StartYear, End: cfg.Scoring.EndYear},
		Countries: cfg.Scoring.Countries,
	})

	// Warm the default configuration so custom configs can reuse its scores.
	if jobID, hash, err := svc.ScoreDefault(ctx); err != nil {
		log.Printf("default config warmup skipped: %v", err)
	} else {
		log.Printf("default config %s: warmup job %s", hash, jobID)
	}

	// Set up HTTP routes
	lines := api.NewLineCacheFromEnv()
	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(svc, configs, lines).Routes(os.Getenv("API_KEY")))
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		mux.Handle("POST /hooks/refresh", webhook.NewHandler([]byte(secret), svc, lines.Invalidate))
	} else {
		log.Printf("WEBHOOK_SECRET not set, refresh hook disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("starting sspid on :%s (cache %s, storage %s)", cfg.Server.Port, cfg.Cache.Backend, cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
