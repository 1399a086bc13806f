// Package api exposes export, restore and audit endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/config"
	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/guard"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/store"
)

// Store is the read side of the node used by the audit endpoints.
type Store interface {
	Count(ctx context.Context) (int64, error)
	StatsByEntityType(ctx context.Context) ([]store.EntityTypeStats, error)
	GetSession(ctx context.Context, sessionID string) (store.RestoreSession, bool, error)
	ListSessions(ctx context.Context, limit int) ([]store.RestoreSession, error)
	ListBatches(ctx context.Context, sessionID string) ([]store.BatchRecord, error)
	ListRejects(ctx context.Context, sessionID string) ([]store.RejectRecord, error)
}

type Application struct {
	config   config.HTTPConfig
	store    Store
	exporter *export.Service
	restorer *restore.Coordinator
	schema   *restore.Schema
	guard    *guard.Guard
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func NewApplication(
	cfg config.HTTPConfig,
	st Store,
	exporter *export.Service,
	restorer *restore.Coordinator,
	schema *restore.Schema,
	g *guard.Guard,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Application {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Application{
		config:   cfg,
		store:    st,
		exporter: exporter,
		restorer: restorer,
		schema:   schema,
		guard:    g,
		metrics:  m,
		logger:   logger,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.requestLogger)
	r.Use(middleware.Recoverer)
	if app.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(app.config.RequestTimeout))
	}

	r.Get("/health", app.healthHandler)
	r.Get("/stats", app.statsHandler)
	r.Get("/export", app.exportHandler)
	if app.metrics != nil {
		r.Handle("/metrics", app.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(app.guard.Middleware(writeGuardError))
		r.Post("/restore", app.restoreHandler)
		r.Get("/restore/history", app.historyHandler)
		r.Get("/restore/{session_id}", app.sessionHandler)
		r.Get("/restore/{session_id}/rejects", app.rejectsHandler)
	})

	return otelhttp.NewHandler(r, "lifeboat",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (app *Application) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		app.logger.Debugw("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves mux until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (app *Application) Run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.Addr(),
		Handler:      mux,
		ReadTimeout:  app.config.ReadTimeout,
		WriteTimeout: app.config.WriteTimeout,
		IdleTimeout:  app.config.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		app.logger.Infow("shutting down", "addr", srv.Addr)

		timeout := app.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdown <- srv.Shutdown(sctx)
	}()

	app.logger.Infow("server has started", "addr", srv.Addr)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.logger.Infow("server has stopped", "addr", srv.Addr)
	return nil
}
