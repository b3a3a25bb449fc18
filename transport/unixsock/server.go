// Package unixsock ingests newline-delimited JSON over a local Unix
// socket. Each line is one payload; each response is one JSON line.
// Lines on a connection are processed in order, connections run
// concurrently. A connection may also subscribe to the accepted
// stream and receive notifications as JSON lines.
package unixsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
)

// Config holds Unix socket settings.
type Config struct {
	Path string
	// MaxLineBytes caps a single NDJSON line.
	MaxLineBytes int
	// IdleTimeout closes connections with no traffic.
	IdleTimeout time.Duration
}

// Response is the per-line reply.
type Response struct {
	Success        bool           `json:"success"`
	NotificationID string         `json:"notificationId,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

// Server accepts local ingestion connections.
type Server struct {
	config    Config
	security  *security.Manager
	processor *processor.Processor
	metrics   *monitoring.Metrics
	logger    logger.Logger

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	subMu       sync.RWMutex
	subscribers map[string]*connState
}

// connState holds the per-connection writer. The mutex serializes the
// line responses with broadcast deliveries.
type connState struct {
	id     string
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
	tags   []string
}

func (cs *connState) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, err := cs.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return cs.writer.Flush()
}

// NewServer creates the Unix socket transport.
func NewServer(config Config, sec *security.Manager, proc *processor.Processor, metrics *monitoring.Metrics, log logger.Logger) (*Server, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("socket path not configured")
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = 1 << 20
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	return &Server{
		config:      config,
		security:    sec,
		processor:   proc,
		metrics:     metrics,
		logger:      log,
		done:        make(chan struct{}),
		subscribers: make(map[string]*connState),
	}, nil
}

// Start binds the socket and begins accepting connections. A stale
// socket file from an unclean shutdown is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.config.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.Path)
	if err != nil {
		return fmt.Errorf("binding unix socket: %w", err)
	}
	if err := os.Chmod(s.config.Path, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for active connections to drain.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.done) })
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.config.Path)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed") {
				return
			}
			s.logger.Error("accept failed", "error", err.Error())
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	cs := &connState{
		id:     uuid.NewString(),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}
	defer func() {
		s.dropSubscriber(cs.id)
		conn.Close()
	}()

	start := time.Now()
	lines, ingested, rejected := 0, 0, 0

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.config.MaxLineBytes)

	for {
		select {
		case <-s.done:
			s.auditConn(cs.id, start, lines, ingested, rejected)
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines++

		if tags, ok := parseSubscribe([]byte(line)); ok {
			s.addSubscriber(cs, tags)
			if err := cs.writeLine(Response{Success: true}); err != nil {
				break
			}
			continue
		}

		resp := s.ingestLine(ctx, cs.id, []byte(line))
		if resp.Success {
			ingested++
		} else {
			rejected++
		}
		if err := cs.writeLine(resp); err != nil {
			break
		}
	}

	if err := scanner.Err(); err != nil && !os.IsTimeout(err) {
		s.logger.Warn("socket read ended", "conn", cs.id, "error", err.Error())
	}
	s.auditConn(cs.id, start, lines, ingested, rejected)
}

// parseSubscribe recognizes a {"type":"subscribe","tags":[...]} control
// line. Every other line is treated as a payload.
func parseSubscribe(line []byte) ([]string, bool) {
	var control struct {
		Type string   `json:"type"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(line, &control); err != nil || control.Type != "subscribe" {
		return nil, false
	}
	return control.Tags, true
}

func (s *Server) addSubscriber(cs *connState, tags []string) {
	s.subMu.Lock()
	cs.tags = notification.NormalizeTags(tags)
	s.subscribers[cs.id] = cs
	s.subMu.Unlock()
	s.logger.Info("unix socket subscriber added", "conn", cs.id, "tags", strings.Join(cs.tags, ","))
}

func (s *Server) dropSubscriber(id string) {
	s.subMu.Lock()
	delete(s.subscribers, id)
	s.subMu.Unlock()
}

// Broadcast delivers an accepted notification to subscribed
// connections whose tag filter matches. A failed write drops only that
// subscriber.
func (s *Server) Broadcast(n *notification.Notification) {
	s.subMu.RLock()
	targets := make([]*connState, 0, len(s.subscribers))
	for _, cs := range s.subscribers {
		if len(cs.tags) == 0 || n.MatchesAnyTag(cs.tags) {
			targets = append(targets, cs)
		}
	}
	s.subMu.RUnlock()

	for _, cs := range targets {
		// A stalled reader must not block the accept path.
		_ = cs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := cs.writeLine(map[string]any{"type": "notification", "payload": n}); err != nil {
			s.logger.Warn("dropping unix socket subscriber", "conn", cs.id, "error", err.Error())
			s.dropSubscriber(cs.id)
			_ = cs.conn.Close()
		}
	}
}

func (s *Server) ingestLine(ctx context.Context, connID string, line []byte) Response {
	decision := s.security.RateLimiter.CheckConnection(ctx, connID)
	if !decision.Allowed {
		s.metrics.RecordRejected("unix", string(errors.CodeRateLimitExceeded))
		return Response{Error: errorBody(errors.ErrRateLimitExceeded)}
	}

	if ierr := s.security.Payloads.CheckBody(line); ierr != nil {
		s.metrics.RecordRejected("unix", string(ierr.Code))
		return Response{Error: errorBody(ierr)}
	}

	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		s.metrics.RecordRejected("unix", string(errors.CodeInvalidJSON))
		return Response{Error: errorBody(errors.ErrInvalidJSON)}
	}

	result := s.processor.Process(ctx, payload, "unix")
	if !result.Success {
		s.metrics.RecordRejected("unix", string(result.Error.Code))
		return Response{Error: errorBody(result.Error)}
	}

	s.metrics.RecordIngested("unix")
	return Response{Success: true, NotificationID: result.Notification.ID}
}

func (s *Server) auditConn(connID string, start time.Time, lines, ingested, rejected int) {
	if lines == 0 {
		return
	}
	s.security.Audit.Record(&security.AuditLogEntry{
		Source:       "unix",
		Endpoint:     s.config.Path,
		IPAddress:    "local",
		Success:      rejected == 0,
		ResponseTime: time.Since(start),
		Metadata: map[string]string{
			"connection": connID,
			"lines":      fmt.Sprintf("%d", lines),
			"ingested":   fmt.Sprintf("%d", ingested),
			"rejected":   fmt.Sprintf("%d", rejected),
		},
	})
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
