package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/app"
	"mnemo/internal/mcpserver"
)

var (
	serveMCP         bool
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP agent gateway, the sync worker and the expiry sweep",
	Long: `serve runs until interrupted:
  - the MCP tool server on stdin/stdout (disable with --mcp=false)
  - the background worker that retries degraded pushes
  - the sweep that expires proposals older than PROPOSAL_TTL_HOURS
  - /healthz, /readyz and /metrics on METRICS_ADDR`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := cfg.MetricsAddr
		if serveMetricsAddr != "" {
			addr = serveMetricsAddr
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           app.NewOpsServer(rt.checks).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return ignoreCanceled(rt.projector.Run(groupCtx))
		})
		group.Go(func() error {
			runSweep(groupCtx, rt.service)
			return nil
		})
		group.Go(func() error {
			logger.Info("ops server listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		if serveMCP {
			gateway := mcpserver.New(rt.service, version)
			group.Go(func() error {
				logger.Info("mcp gateway serving on stdio")
				err := gateway.Listen(groupCtx, os.Stdin, os.Stdout)
				stop()
				return ignoreCanceled(err)
			})
		}

		err = group.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout)
		defer cancel()
		if left := rt.projector.Flush(flushCtx); left > 0 {
			logger.Warn("shutting down with degraded sync", "documents", left)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", true, "Serve MCP tools on stdin/stdout")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Override METRICS_ADDR")
}

func runSweep(ctx context.Context, service *app.Service) {
	if cfg.ProposalTTL <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := service.ExpireStale(ctx, cfg.ProposalTTL); err != nil && ctx.Err() == nil {
			logger.Error("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
