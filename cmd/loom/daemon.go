package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// buildDaemonCmd creates the "daemon" command. It keeps the engine resident,
// serves Prometheus metrics, and prunes expired approval requests on a
// schedule.
func buildDaemonCmd() *cobra.Command {
	var (
		configPath    string
		pruneSchedule string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the engine with metrics and scheduled maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(ctx))

			if err := r.registerProviders(ctx); err != nil {
				return err
			}

			scheduler := cron.New()
			ttl := r.cfg.Approval.RequestTTL
			if _, err := scheduler.AddFunc(pruneSchedule, func() {
				pruned := r.approvals.Prune(context.Background(), ttl)
				if pruned > 0 {
					r.logger.Info(context.Background(), "pruned approval requests", "count", pruned)
				}
				if deleted, err := r.events.Delete(24 * time.Hour); err == nil && deleted > 0 {
					r.logger.Info(context.Background(), "pruned events", "count", deleted)
				}
			}); err != nil {
				return fmt.Errorf("invalid prune schedule %q: %w", pruneSchedule, err)
			}
			scheduler.Start()
			defer scheduler.Stop()

			var srv *http.Server
			if addr := r.cfg.Observability.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
					fmt.Fprintln(w, "ok")
				})
				mux.HandleFunc("/events", func(w http.ResponseWriter, req *http.Request) {
					serveEvents(w, req, r.events)
				})
				srv = &http.Server{Addr: addr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						r.logger.Error(ctx, "metrics server failed", "error", err)
					}
				}()
				r.logger.Info(ctx, "metrics server started", "addr", addr)
			}

			r.logger.Info(ctx, "daemon started")
			<-ctx.Done()
			r.logger.Info(context.Background(), "daemon shutting down")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					r.logger.Warn(shutdownCtx, "metrics server shutdown failed", "error", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&pruneSchedule, "prune-schedule", "@every 5m", "Cron schedule for approval request pruning")
	return cmd
}

// serveEvents returns recorded events as JSON. Filters: ?conversation=<id>,
// ?turn=<id>, or ?since=<RFC3339>; unfiltered requests cover the last hour.
func serveEvents(w http.ResponseWriter, req *http.Request, events observability.EventStore) {
	var (
		result []*observability.Event
		err    error
	)
	switch {
	case req.URL.Query().Get("conversation") != "":
		result, err = events.GetByConversationID(req.URL.Query().Get("conversation"))
	case req.URL.Query().Get("turn") != "":
		result, err = events.GetByTurnID(req.URL.Query().Get("turn"))
	case req.URL.Query().Get("since") != "":
		var since time.Time
		since, err = time.Parse(time.RFC3339, req.URL.Query().Get("since"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid since: %v", err), http.StatusBadRequest)
			return
		}
		result, err = events.GetByTimeRange(since, time.Now())
	default:
		result, err = events.GetByTimeRange(time.Now().Add(-time.Hour), time.Now())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
