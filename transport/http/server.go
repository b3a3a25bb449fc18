// Package http implements the webhook ingestion endpoint plus the
// health and stats endpoints shared with the WebSocket upgrade path.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the webhook endpoint behind the security perimeter.
type Server struct {
	config    Config
	security  *security.Manager
	processor *processor.Processor
	metrics   *monitoring.Metrics
	logger    logger.Logger

	server *http.Server

	// extraRoutes lets the coordinator mount the WebSocket upgrade
	// handler on the same listener.
	extraRoutes map[string]http.HandlerFunc
}

// NewServer creates the HTTP transport.
func NewServer(config Config, sec *security.Manager, proc *processor.Processor, metrics *monitoring.Metrics, log logger.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	return &Server{
		config:      config,
		security:    sec,
		processor:   proc,
		metrics:     metrics,
		logger:      log,
		extraRoutes: make(map[string]http.HandlerFunc),
	}
}

// Mount registers an extra route before Start.
func (s *Server) Mount(path string, handler http.HandlerFunc) {
	s.extraRoutes[path] = handler
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhook", s.chain(s.handleWebhook))
	mux.HandleFunc("/webhook/validate", s.chain(s.handleValidate))
	mux.HandleFunc("/health", s.withHeaders(s.handleHealth))
	mux.HandleFunc("/stats", s.withHeaders(s.handleStats))
	for path, handler := range s.extraRoutes {
		mux.HandleFunc(path, handler)
	}
	return mux
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:           s.config.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	if s.security.Transport.TLSEnabled() {
		tlsConfig, err := s.security.Transport.TLSConfig()
		if err != nil {
			return err
		}
		s.server.TLSConfig = tlsConfig
		return s.server.ListenAndServeTLS("", "")
	}
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Middleware composes per-request behavior.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// chain applies the standard ingestion middleware stack.
func (s *Server) chain(handler http.HandlerFunc) http.HandlerFunc {
	wrapped := handler
	for _, mw := range []Middleware{s.perimeterMiddleware, s.loggingMiddleware, s.headersMiddleware} {
		wrapped = mw(wrapped)
	}
	return wrapped
}

// withHeaders applies only security headers and logging, used for the
// read-only endpoints that skip the ingestion perimeter.
func (s *Server) withHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return s.headersMiddleware(s.loggingMiddleware(handler))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errors.New(errors.CodeServerError, errors.CategoryInternal, "method not allowed").WithDetails(map[string]any{"method": r.Method}), http.StatusMethodNotAllowed)
		return
	}
	s.ingest(w, r, false)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errors.New(errors.CodeServerError, errors.CategoryInternal, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	s.ingest(w, r, true)
}

// ingest runs payload validation and the pipeline. Dry runs report the
// transformation outcome without accepting the notification.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, dryRun bool) {
	start := time.Now()
	sc := securityContextFrom(r)

	if ierr := s.security.Payloads.CheckContentType(r.Header.Get("Content-Type")); ierr != nil {
		s.reject(w, r, sc, ierr, start, 0)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.security.Payloads.MaxBytes()+1))
	if err != nil {
		s.reject(w, r, sc, errors.Wrap(errors.CodeServerError, errors.CategoryInternal, "reading request body", err), start, 0)
		return
	}
	if ierr := s.security.Payloads.CheckBody(body); ierr != nil {
		s.reject(w, r, sc, ierr, start, int64(len(body)))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.reject(w, r, sc, errors.ErrInvalidJSON, start, int64(len(body)))
		return
	}

	if dryRun {
		result := s.processor.TestTransformation(r.Context(), payload, "http")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        result.Success,
			"wouldAccept":    result.Success,
			"suggestions":    s.processor.Suggestions(payload),
			"error":          errorBody(result.Error),
			"processingTime": time.Since(start).String(),
		})
		return
	}

	result := s.processor.Process(r.Context(), payload, "http")
	if !result.Success {
		s.reject(w, r, sc, result.Error, start, int64(len(body)))
		return
	}

	s.metrics.RecordIngested("http")
	if sc != nil {
		s.security.AuditRequest(sc, r.URL.Path, r.Method, true, http.StatusAccepted, time.Since(start), int64(len(body)), "")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"notificationId": result.Notification.ID,
		"processingTime": time.Since(start).String(),
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, sc *security.SecurityContext, ierr *errors.IngestError, start time.Time, size int64) {
	status := ierr.HTTPStatusCode()
	s.metrics.RecordRejected("http", string(ierr.Code))
	if sc != nil {
		s.security.AuditRequest(sc, r.URL.Path, r.Method, false, status, time.Since(start), size, ierr.Message)
	}
	writeError(w, ierr, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.metrics.GetSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptime":        snap.Uptime.String(),
		"startTime":     snap.StartTime,
		"totalIngested": snap.TotalIngested,
		"totalRejected": snap.TotalRejected,
		"timestamp":     time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	recent, err := s.security.Audit.RecentEntries(20)
	if err != nil {
		s.logger.Warn("reading recent audit entries", "error", err.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":         s.metrics.GetSnapshot(),
		"rateLimiterKeys": s.security.RateLimiter.TrackedKeys(),
		"auditBuffered":   s.security.Audit.BufferedEntries(),
		"recentAudit":     recent,
	})
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// apiKeyFrom reads the key from the X-API-Key header or a Bearer token.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(ierr *errors.IngestError) map[string]any {
	if ierr == nil {
		return nil
	}
	body := map[string]any{
		"code":    ierr.Code,
		"message": ierr.Message,
	}
	if len(ierr.Details) > 0 {
		body["details"] = ierr.Details
	}
	return body
}

func writeError(w http.ResponseWriter, ierr *errors.IngestError, status int) {
	writeJSON(w, status, map[string]any{"error": errorBody(ierr)})
}
