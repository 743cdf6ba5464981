package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	servePort      int
	serveCronOwner string
	serveCronTerm  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and optional scheduled runs",
	Long:  "Serves run triggers and the opportunity feed over HTTP. When server.cron is configured, also runs the pipeline on that schedule for --cron-owner.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				OwnerID    string `json:"owner_id"`
				SearchTerm string `json:"search_term"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.OwnerID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id is required"})
				return
			}

			// Run asynchronously; poll GET /runs for the outcome.
			go func() {
				run, err := env.Pipeline.Run(ctx, body.OwnerID, body.SearchTerm)
				if err != nil {
					zap.L().Error("triggered run failed",
						zap.String("owner_id", body.OwnerID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("triggered run finished",
					zap.String("run_id", run.ID),
					zap.String("status", string(run.Status)),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"owner_id": body.OwnerID,
			})
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
			run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		r.Get("/feed/{owner}", func(w http.ResponseWriter, req *http.Request) {
			date := time.Now().UTC()
			if d := req.URL.Query().Get("date"); d != "" {
				parsed, err := time.Parse("2006-01-02", d)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
					return
				}
				date = parsed
			}

			opps, err := env.Store.ListOpportunities(req.Context(), chi.URLParam(req, "owner"), date)
			if err != nil {
				zap.L().Error("feed query failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "feed query failed"})
				return
			}
			writeJSON(w, http.StatusOK, opps)
		})

		// Scheduled runs.
		if cfg.Server.Cron != "" {
			if serveCronOwner == "" {
				return eris.New("serve: --cron-owner is required when server.cron is set")
			}
			c := cron.New()
			_, err := c.AddFunc(cfg.Server.Cron, func() {
				run, err := env.Pipeline.Run(ctx, serveCronOwner, serveCronTerm)
				if err != nil {
					zap.L().Error("scheduled run failed", zap.Error(err))
					return
				}
				zap.L().Info("scheduled run finished",
					zap.String("run_id", run.ID),
					zap.String("status", string(run.Status)),
				)
			})
			if err != nil {
				return eris.Wrapf(err, "serve: bad cron expression %q", cfg.Server.Cron)
			}
			c.Start()
			defer c.Stop()
			zap.L().Info("scheduler started",
				zap.String("cron", cfg.Server.Cron),
				zap.String("owner_id", serveCronOwner),
			)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveCronOwner, "cron-owner", "", "owner ID for scheduled runs")
	serveCmd.Flags().StringVar(&serveCronTerm, "cron-term", "", "search term for scheduled runs")
	rootCmd.AddCommand(serveCmd)
}
