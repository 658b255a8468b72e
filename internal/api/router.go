// Package api serves the local display surface: sensor snapshots, connection
// refresh, OTA state and a WebSocket push stream.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/its-billboard/billboard-agent/internal/metrics"
	"github.com/its-billboard/billboard-agent/internal/ota"
	"github.com/its-billboard/billboard-agent/internal/sensor"
	"github.com/its-billboard/billboard-agent/internal/service"
)

const shutdownTimeout = 5 * time.Second

// Connection is the broker lifecycle owner.
type Connection interface {
	Refresh(ctx context.Context) error
	Status() service.Status
}

// Updater is the OTA orchestrator as seen by the HTTP surface.
type Updater interface {
	State() ota.State
	TriggerReset(reason string) error
}

type Server struct {
	store      *sensor.Store
	conn       Connection
	updater    Updater
	thresholds sensor.Thresholds
	hub        *Hub
	metrics    *metrics.Metrics
	logger     *log.Logger
	ctx        context.Context
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithContext sets the context reconnects started from the API run under.
// It must outlive individual requests.
func WithContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

// NewServer builds the HTTP surface and starts forwarding store updates to
// WebSocket clients.
func NewServer(store *sensor.Store, conn Connection, updater Updater, thresholds sensor.Thresholds, opts ...Option) *Server {
	s := &Server{
		store:      store,
		conn:       conn,
		updater:    updater,
		thresholds: thresholds,
		logger:     log.New(os.Stderr, "[API] ", log.LstdFlags),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(store, s.logger)
	return s
}

// Router returns the full handler chain: logging, panic recovery, CORS and routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	route := func(path string, h http.Handler, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(path, h)).Methods(methods...)
	}

	route("/health", http.HandlerFunc(s.health), http.MethodGet)
	route("/api/era-iot/data", http.HandlerFunc(s.getData), http.MethodGet)
	route("/api/era-iot/refresh", http.HandlerFunc(s.refresh), http.MethodPost)
	route("/api/era-iot/air-quality", http.HandlerFunc(s.airQuality), http.MethodGet)
	route("/api/ota/status", http.HandlerFunc(s.otaStatus), http.MethodGet)
	route("/api/ota/reset", http.HandlerFunc(s.otaReset), http.MethodPost)
	route("/api/events", s.hub, http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger), handlers.PrintRecoveryStack(true))(h)
	return handlers.LoggingHandler(s.logger.Writer(), h)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
