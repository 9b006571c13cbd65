package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start webhook server for scheduled pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// The merger requires at most one active run; reject webhook
		// requests while a run is in flight.
		var running atomic.Bool

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /webhook/run", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				IsInitialLoad bool   `json:"is_initial_load"`
				MaxApps       int    `json:"max_apps"`
				RunDate       string `json:"run_date"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}

			if req.MaxApps < 0 {
				http.Error(w, `{"error":"max_apps must be >= 0"}`, http.StatusBadRequest)
				return
			}

			runDate, err := parseRunDate(req.RunDate)
			if err != nil {
				http.Error(w, `{"error":"run_date must be YYYY-MM-DD"}`, http.StatusBadRequest)
				return
			}

			if !running.CompareAndSwap(false, true) {
				http.Error(w, `{"error":"a run is already in progress"}`, http.StatusConflict)
				return
			}

			opts := pipeline.RunOpts{
				RunDate:     runDate,
				InitialLoad: req.IsInitialLoad,
				MaxApps:     req.MaxApps,
			}

			go func() {
				defer running.Store(false)
				result, err := env.Pipeline.Run(ctx, opts)
				if err != nil {
					zap.L().Error("webhook run failed",
						zap.String("run_date", runDate.Format(model.DateLayout)),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("webhook run complete",
					zap.String("run_date", runDate.Format(model.DateLayout)),
					zap.Int("fetched", result.Fetched),
					zap.Int64("staged", result.Staged),
				)
			}()

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{
				"status":   "accepted",
				"run_date": runDate.Format(model.DateLayout),
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
