package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/auth"
	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/health"
	"telemetry-hub/internal/ingest"
	"telemetry-hub/internal/types"
)

// Ingester accepts one inbound message
type Ingester interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
}

// OperatorStore is the read/write surface behind the operator endpoints
type OperatorStore interface {
	GetDevice(ctx context.Context, deviceID string) (*types.Device, error)
	ListDevices(ctx context.Context, tenantID string) ([]*types.Device, error)
	ListReadings(ctx context.Context, deviceID string, limit int) ([]types.TelemetryReading, error)
	ListInboundMessages(ctx context.Context, filter database.MessageFilter) ([]*types.InboundMessage, error)
	ListAlerts(ctx context.Context, filter database.AlertFilter) ([]*types.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*types.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, to types.AlertStatus) (*types.Alert, error)
}

// DeviceAssessor scores a device's health
type DeviceAssessor interface {
	Assess(ctx context.Context, deviceID string) (*health.Assessment, error)
}

// HealthChecker reports the hub's own health
type HealthChecker interface {
	Check(ctx context.Context) health.SystemHealth
}

// Dependencies are the components the API serves
type Dependencies struct {
	Ingester Ingester
	Store    OperatorStore
	Assessor DeviceAssessor
	Health   HealthChecker
	Stream   *AlertStream
}

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	jwt        *auth.JWTManager
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *Server {
	if deps.Stream == nil {
		deps.Stream = NewAlertStream(logger)
	}

	server := &Server{
		config:   cfg,
		logger:   logger,
		router:   mux.NewRouter(),
		handlers: NewHandlers(cfg, logger, deps),
	}
	if cfg.Auth.Enabled {
		server.jwt = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server
}

// Router exposes the configured router, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"addr":         s.httpServer.Addr,
		"auth_enabled": s.config.Auth.Enabled,
	}).Info("Starting API server")

	s.handlers.stream.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.handlers.stream.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handlers.HealthCheck).Methods(http.MethodGet)

	// Device-facing ingestion, never authenticated
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/ingest", s.handlers.IngestJSON).Methods(http.MethodPost)
	api.HandleFunc("/ingest", s.handlers.IngestQuery).Methods(http.MethodGet)
	api.HandleFunc("/ingest/text", s.handlers.IngestText).Methods(http.MethodPost)
	api.HandleFunc("/ingest/{source}", s.handlers.IngestJSONFromSource).Methods(http.MethodPost)
	s.router.HandleFunc("/api/legacy/telemetry", s.handlers.IngestLegacy).Methods(http.MethodGet)

	// Operator endpoints
	ops := s.router.PathPrefix("/api/v1").Subrouter()
	ops.Use(s.authenticationMiddleware)

	ops.HandleFunc("/devices", s.handlers.ListDevices).Methods(http.MethodGet)
	ops.HandleFunc("/devices/{id}/diagnostic", s.handlers.DeviceDiagnostic).Methods(http.MethodGet)
	ops.HandleFunc("/devices/{id}/health", s.handlers.DeviceHealth).Methods(http.MethodGet)
	ops.HandleFunc("/messages", s.handlers.ListMessages).Methods(http.MethodGet)
	ops.HandleFunc("/alerts", s.handlers.ListAlerts).Methods(http.MethodGet)
	ops.HandleFunc("/alerts/stream", s.handlers.AlertStreamHandler).Methods(http.MethodGet)
	ops.HandleFunc("/alerts/{id}/status", s.handlers.UpdateAlertStatus).Methods(http.MethodPut)
}
