// Package api serves the printer panel over HTTP for the service mode.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/events"
	"github.com/scionmmu/mmuctl/internal/history"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/poller"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

// Panel is the part of panel.Controller the API drives.
type Panel interface {
	Snapshot() panel.Snapshot
	Lines(n int) []panel.Line
	CheckStatus() (string, error)
	Pause() (string, error)
	Resume() (string, error)
	Stop() (string, error)
	ListFiles() (string, error)
	PrintFile(name string) (string, error)
	PumpRun(run command.PumpRun) (string, error)
	StartMultiMaterial() (string, error)
	Cancel()
	SetPolling(on bool)
	Rows() []recipe.Row
	SaveRows(rows []recipe.Row, confirm recipe.Confirm) (*recipe.Saved, error)
}

// History is the invocation and recipe log.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, id string) (*history.Entry, error)
	Recipes(ctx context.Context, limit int) ([]history.RecipeEntry, error)
}

// PollerStats reports the background status poller's counters.
type PollerStats interface {
	Stats() poller.Stats
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token. Empty leaves the API open, which the
	// config check only tolerates on a loopback listener.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	panel     Panel
	history   History
	poller    PollerStats
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Server. hist may be nil when no state database is open.
func New(config Config, p Panel, hist History, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		panel:     p,
		history:   hist,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// SetPoller adds the poller's counters to GET /status.
func (s *Server) SetPoller(p PollerStats) { s.poller = p }

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)

		r.Post("/printer/print", s.handlePrint)
		r.Post("/printer/{action}", s.handlePrinterAction)
		r.Post("/pump", s.handlePump)
		r.Post("/multi-material/start", s.handleMultiMaterial)
		r.Post("/cancel", s.handleCancel)
		r.Post("/polling", s.handlePolling)

		r.Get("/recipe", s.handleGetRecipe)
		r.Put("/recipe", s.handlePutRecipe)

		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleHistoryEntry)
		r.Get("/recipes", s.handleRecipeHistory)

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
