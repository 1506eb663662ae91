package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/pipeline"
	"github.com/episteme-ai/episteme/internal/store"
	"github.com/episteme-ai/episteme/internal/task"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		router := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// analysisRequest is the trigger payload. Ticker is the only required field;
// the rest override per-source defaults for this run only.
type analysisRequest struct {
	Ticker       string   `json:"ticker"`
	Name         string   `json:"name"`
	Subreddits   []string `json:"subreddits,omitempty"`
	Timeframe    string   `json:"timeframe,omitempty"`
	RedditLimit  int      `json:"reddit_limit,omitempty"`
	AnalystLimit int      `json:"analyst_limit,omitempty"`
}

func newRouter(env *analysisEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/analysis", func(w http.ResponseWriter, r *http.Request) {
		var req analysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Ticker == "" {
			writeError(w, http.StatusBadRequest, "ticker is required")
			return
		}

		runID := uuid.NewString()

		// The run outlives the trigger request, so it detaches from the
		// request context. The per-stage timeout bounds a run that keeps
		// going past shutdown.
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			_ = env.Pipeline.Run(runCtx, runID, pipeline.Request{
				Symbol:      req.Ticker,
				Name:        req.Name,
				Subreddits:  req.Subreddits,
				Timeframe:   req.Timeframe,
				PostLimit:   req.RedditLimit,
				MaxArticles: req.AnalystLimit,
			})
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	})

	r.Get("/api/analysis/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")

		state, err := env.Tracker.Read(r.Context(), runID)
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown run id")
			return
		}
		if err != nil {
			zap.L().Error("tracker read failed", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, state)
	})

	r.Get("/api/tickers/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		symbol := model.NormalizeSymbol(chi.URLParam(r, "symbol"))

		detail, err := env.Store.GetTickerDetail(r.Context(), symbol)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown ticker")
			return
		}
		if err != nil {
			zap.L().Error("ticker detail lookup failed", zap.String("ticker", symbol), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, detail)
	})

	r.Get("/api/tickers/{symbol}/analysis-state", func(w http.ResponseWriter, r *http.Request) {
		symbol := model.NormalizeSymbol(chi.URLParam(r, "symbol"))

		ticker, err := env.Store.GetTicker(r.Context(), symbol)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"exists": false})
			return
		}
		if err != nil {
			zap.L().Error("ticker lookup failed", zap.String("ticker", symbol), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"exists":        true,
			"last_analyzed": ticker.LastAnalyzed,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
