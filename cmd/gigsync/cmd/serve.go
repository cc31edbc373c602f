package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfenderov/gigsync/internal/ingestion"
	"github.com/mfenderov/gigsync/internal/mcp"
	"github.com/mfenderov/gigsync/internal/provider"
	"github.com/mfenderov/gigsync/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveMCP         bool
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker, metrics endpoint and MCP tools",
	Long: `Run gigsync as a long-lived service.

The worker runs queued jobs one at a time and, when worker.discovery_interval
is set, schedules a discovery job periodically. Prometheus metrics are served
on metrics.addr at /metrics, with a /healthz health check.

With --mcp, operator tools are served over stdio:
  - error_stats, recent_errors: classified error summaries
  - search_concerts: query the concert index
  - run_job, last_job: queue ingestion jobs and read results
  - limiter_status: provider blocks and recent rate limit violations

Example:
  gigsync serve --mcp`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Serve MCP operator tools over stdio")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics listen address (overrides metrics.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	if serveMetricsAddr != "" {
		cfg.Metrics.Addr = serveMetricsAddr
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	w := worker.New(a.engine, worker.Config{
		QueueSize:         cfg.Worker.QueueSize,
		DiscoveryInterval: cfg.Worker.DiscoveryInterval,
		Discovery: ingestion.Params{
			Source:      cfg.Worker.DiscoverySource,
			City:        cfg.Worker.DiscoveryCity,
			CountryCode: cfg.Worker.DiscoveryCountry,
			Limit:       cfg.Worker.DiscoveryLimit,
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if !a.store.Ping(r.Context()) {
			http.Error(rw, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gctx)
	})

	if cfg.Errors.SweepInterval > 0 {
		g.Go(func() error {
			a.errors.Sweep(gctx, cfg.Errors.SweepInterval, cfg.Errors.MaxAge)
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-w.Completed():
				if ev.Result != nil {
					slog.Info("job finished", "kind", ev.Request.Kind, "job_id", ev.Result.JobID, "success", ev.Result.Success)
				}
			}
		}
	})

	g.Go(func() error {
		slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if serveMCP {
		deps := mcp.Deps{
			Errors:  a.errors,
			Jobs:    w,
			Limiter: a.limiter,
			Gate:    provider.GatePrefix,
		}
		if a.search != nil {
			deps.Search = a.search
		}
		server := mcp.NewServer(mcp.Config{Name: cfg.MCP.Name, Version: cfg.MCP.Version}, deps)
		go func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "Starting MCP server...")
			if err := server.ServeStdio(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
			stop()
		}()
	}

	return g.Wait()
}
