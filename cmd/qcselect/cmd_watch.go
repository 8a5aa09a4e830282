package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qcselect/internal/knowledge"
)

func newWatchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the fact directory and re-activate edited fact files",
		Long: `Keeps the knowledge base in step with fact files edited outside qcselect
and, when metrics are enabled, serves Prometheus metrics on /metrics.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := knowledge.NewWatcher(a.store, cfg.GetWatchDebounce())
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			if err := w.Start(ctx); err != nil {
				w.Stop()
				return fmt.Errorf("failed to start watcher: %w", err)
			}
			defer w.Stop()

			addr := metricsAddr
			if addr == "" && cfg.Metrics.Enabled {
				addr = cfg.Metrics.Addr
			}
			var srv *http.Server
			if addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				logger.Info("serving metrics", zap.String("addr", addr))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", a.store.BaseDir())
			<-ctx.Done()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			stats := w.GetStats()
			logger.Info("watcher stopped",
				zap.Int("activations", stats.Activations),
				zap.Int("deactivations", stats.Deactivations),
				zap.Int("errors", stats.Errors))
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	return cmd
}
