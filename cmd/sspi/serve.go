package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sspi-data/sspi/internal/api"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/internal/registry"
	"github.com/sspi-data/sspi/pkg/scoring"
)

func newServeCmd() *cobra.Command {
	var (
		port         string
		dataDir      string
		cacheBackend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a local API server",
		Long: `Starts an HTTP server on localhost backed by the local score cache and
dataset store. Saved configurations are kept in memory. Use sspid for a
shared deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, dataDir, cacheBackend)
		},
	}

	cmd.Flags().StringVar(&port, "port", "7700", "Port to serve on")
	cmd.Flags().StringVar(&dataDir, "data", "", "Local dataset store directory (overrides storage config)")
	cmd.Flags().StringVar(&cacheBackend, "cache", "", "Cache backend: memory, sqlite or postgres")

	return cmd
}

func runServe(cmd *cobra.Command, port, dataDir, cacheBackend string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(cmd)
	src, err := openSource(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	cache, err := openCache(ctx, cfg, cacheBackend)
	if err != nil {
		return err
	}
	defer cache.Close()

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
	handler := api.NewHandler(svc, registry.NewMemory(), nil)

	srv := &http.Server{Addr: "localhost:" + port, Handler: handler.Routes("")}

	fmt.Fprintf(os.Stderr, "SSPI API server\n")
	fmt.Fprintf(os.Stderr, "  Cache:      %s\n", firstNonEmpty(cacheBackend, cfg.Cache.Backend))
	fmt.Fprintf(os.Stderr, "  Window:     %d-%d\n", cfg.Scoring.StartYear, cfg.Scoring.EndYear)
	fmt.Fprintf(os.Stderr, "  Listening:  http://localhost:%s\n", port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	fmt.Fprintf(os.Stderr, "Shutting down...\n")
	return srv.Shutdown(context.Background())
}
