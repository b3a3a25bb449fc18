// Package server wires the transports, the security perimeter, the
// pipeline and storage into one lifecycle.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kart-io/ingesthub/config"
	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/observability"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
	"github.com/kart-io/ingesthub/store"
	"github.com/kart-io/ingesthub/transformer"
	"github.com/kart-io/ingesthub/transport/filewatcher"
	transporthttp "github.com/kart-io/ingesthub/transport/http"
	"github.com/kart-io/ingesthub/transport/unixsock"
	"github.com/kart-io/ingesthub/transport/websocket"
)

// Server is the coordinator owning every transport and shared service.
type Server struct {
	config    *config.Config
	logger    logger.Logger
	security  *security.Manager
	store     *store.Store
	metrics   *monitoring.Metrics
	telemetry *observability.TelemetryProvider
	processor *processor.Processor

	httpServer *transporthttp.Server
	wsGateway  *websocket.Gateway
	watcher    *filewatcher.Watcher
	unixServer *unixsock.Server

	redisClient *redis.Client

	running atomic.Bool
	httpErr chan error
}

// New builds a fully wired but not yet started server.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New().LogMode(logger.ParseLevel(cfg.Logger.Level))
	}

	s := &Server{
		config:  cfg,
		logger:  log,
		metrics: monitoring.NewMetrics(),
		httpErr: make(chan error, 1),
	}

	var rateLimitStore security.RateLimitStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore, err := security.NewRedisRateLimitStore(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting redis rate-limit store: %w", err)
		}
		s.redisClient = client
		rateLimitStore = redisStore
	} else {
		rateLimitStore = security.NewMemoryRateLimitStore()
	}

	manager, err := security.NewManager(cfg.Security, rateLimitStore, log)
	if err != nil {
		return nil, fmt.Errorf("building security perimeter: %w", err)
	}
	s.security = manager

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		manager.Stop()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s.store = st

	telemetry, err := observability.NewTelemetryProvider(observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		manager.Stop()
		st.Close()
		return nil, fmt.Errorf("building telemetry: %w", err)
	}
	s.telemetry = telemetry

	registry := transformer.NewDefaultRegistry(log)
	s.processor = processor.New(registry, processor.Hooks{
		OnAccepted: s.onAccepted,
		OnRejected: s.onRejected,
	}, log)

	s.wsGateway = websocket.NewGateway(websocket.Config{
		PingInterval:    cfg.Server.WSPingInterval,
		MaxMessageBytes: cfg.Server.WSMaxMessageBytes,
	}, manager, s.processor, s.metrics, log)
	s.wsGateway.Hub().OnConnect = func() { s.telemetry.ConnectionOpened(context.Background()) }
	s.wsGateway.Hub().OnDisconnect = func() { s.telemetry.ConnectionClosed(context.Background()) }

	s.httpServer = transporthttp.NewServer(transporthttp.Config{
		Addr: cfg.Addr(),
	}, manager, s.processor, s.metrics, log)
	s.httpServer.Mount("/ws", s.wsGateway.HandleUpgrade)

	if cfg.Server.WatchDir != "" {
		watcher, err := filewatcher.NewWatcher(filewatcher.Config{
			Dir: cfg.Server.WatchDir,
		}, s.processor, st, s.metrics, log)
		if err != nil {
			manager.Stop()
			st.Close()
			return nil, fmt.Errorf("building file watcher: %w", err)
		}
		watcher.OnStored = s.broadcast
		s.watcher = watcher
	}

	if cfg.Server.UnixSocketPath != "" {
		unixServer, err := unixsock.NewServer(unixsock.Config{
			Path: cfg.Server.UnixSocketPath,
		}, manager, s.processor, s.metrics, log)
		if err != nil {
			manager.Stop()
			st.Close()
			return nil, fmt.Errorf("building unix socket server: %w", err)
		}
		s.unixServer = unixServer
	}

	return s, nil
}

// onAccepted persists and fans out every notification the pipeline
// accepts, regardless of which transport carried it in. A persistence
// failure vetoes the acceptance so callers never get a success
// response for a notification that was not stored.
func (s *Server) onAccepted(ctx context.Context, n *notification.Notification, elapsed time.Duration) *errors.IngestError {
	source := n.Metadata["ingestionSource"]
	ctx, span := s.telemetry.TraceIngestion(ctx, source)
	defer span.End()

	if err := s.store.Save(ctx, n); err != nil {
		s.logger.Error("persisting notification", "id", n.ID, "error", err.Error())
		s.telemetry.SetSpanError(span, err)
		return storageError(err)
	}

	s.broadcast(n)
	s.telemetry.SetSpanSuccess(span)
	s.telemetry.RecordIngested(ctx, source, elapsed)
	return nil
}

// storageError maps store failures onto the error taxonomy. Unresolved
// references are the caller's fault and get their own code.
func storageError(err error) *errors.IngestError {
	if stderrors.Is(err, store.ErrUnknownUser) {
		return errors.Wrap(errors.CodeUserNotFound, errors.CategoryStorage, err.Error(), err)
	}
	if stderrors.Is(err, store.ErrUnknownProject) {
		return errors.Wrap(errors.CodeStorageFailed, errors.CategoryStorage, err.Error(), err)
	}
	return errors.Wrap(errors.CodeStorageFailed, errors.CategoryStorage, "persisting notification failed", err)
}

// broadcast fans an accepted notification out to WebSocket clients and
// Unix socket subscribers.
func (s *Server) broadcast(n *notification.Notification) {
	s.wsGateway.Hub().Broadcast(n)
	if s.unixServer != nil {
		s.unixServer.Broadcast(n)
	}
}

func (s *Server) onRejected(ctx context.Context, source string, ierr *errors.IngestError, elapsed time.Duration) {
	s.telemetry.RecordRejected(ctx, source, string(ierr.Code), elapsed)
}

// Start brings the transports up: HTTP (carrying WebSocket), then the
// file watcher, then the Unix socket. It returns once everything is
// accepting work.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	go func() {
		if err := s.httpServer.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err.Error())
			s.httpErr <- err
		}
	}()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.running.Store(false)
			return fmt.Errorf("starting file watcher: %w", err)
		}
	}

	if s.unixServer != nil {
		if err := s.unixServer.Start(ctx); err != nil {
			if s.watcher != nil {
				s.watcher.Stop()
			}
			s.running.Store(false)
			return fmt.Errorf("starting unix socket: %w", err)
		}
	}

	s.logger.Info("ingestion server started",
		"addr", s.config.Addr(),
		"watch_dir", s.config.Server.WatchDir,
		"unix_socket", s.config.Server.UnixSocketPath,
	)
	return nil
}

// Err surfaces a fatal HTTP listener failure.
func (s *Server) Err() <-chan error {
	return s.httpErr
}

// Stop shuts the transports down in reverse start order, concurrently,
// bounded by the configured grace period. Shared services close after
// the transports drain.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	if s.unixServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.unixServer.Stop()
		}()
	}
	if s.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watcher.Stop()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.wsGateway.Stop()
		if err := s.httpServer.Stop(ctx); err != nil {
			s.logger.Warn("http shutdown", "error", err.Error())
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace exceeded, abandoning stragglers")
	}

	s.security.Stop()
	if err := s.telemetry.Shutdown(context.Background()); err != nil {
		s.logger.Warn("telemetry shutdown", "error", err.Error())
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	s.logger.Info("ingestion server stopped")
	return nil
}

// Stats aggregates counters across the shared services.
type Stats struct {
	Metrics       monitoring.Snapshot `json:"metrics"`
	WSConnections int                 `json:"wsConnections"`
	Stored        int                 `json:"stored"`
	CollectedAt   time.Time           `json:"collectedAt"`
}

// Stats returns a point-in-time aggregate.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	stored, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Metrics:       s.metrics.GetSnapshot(),
		WSConnections: s.wsGateway.Hub().Count(),
		Stored:        stored,
		CollectedAt:   time.Now(),
	}, nil
}

// Processor exposes the pipeline for embedding callers.
func (s *Server) Processor() *processor.Processor {
	return s.processor
}

// Security exposes the perimeter, mainly for provisioning API keys.
func (s *Server) Security() *security.Manager {
	return s.security
}

// Store exposes the persistence layer.
func (s *Server) Store() *store.Store {
	return s.store
}
