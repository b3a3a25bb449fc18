package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
)

// Config holds WebSocket endpoint settings.
type Config struct {
	PingInterval    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Gateway upgrades authenticated HTTP requests and runs ingestion over
// the resulting connections.
type Gateway struct {
	config    Config
	security  *security.Manager
	processor *processor.Processor
	metrics   *monitoring.Metrics
	logger    logger.Logger
	hub       *Hub
	upgrader  websocket.Upgrader
}

// NewGateway creates the WebSocket transport.
func NewGateway(config Config, sec *security.Manager, proc *processor.Processor, metrics *monitoring.Metrics, log logger.Logger) *Gateway {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 256 * 1024
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	return &Gateway{
		config:    config,
		security:  sec,
		processor: proc,
		metrics:   metrics,
		logger:    log,
		hub:       NewHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Hub exposes the connection registry for broadcast fan-out.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// HandleUpgrade authenticates the request and promotes it to a
// WebSocket connection. The API key comes from the api_key query
// parameter since browser clients cannot set headers on upgrade.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := clientIP(r)

	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}

	sc, ierr := g.security.Authorize(r.Context(), "websocket", ip, r.UserAgent(), apiKey, "/ws")
	if ierr == nil && sc.APIKey != nil {
		ierr = g.security.Keys.Authorize(sc.APIKey, security.ScopeIngestWrite)
	}
	if ierr != nil {
		status := ierr.HTTPStatusCode()
		g.metrics.RecordRejected("websocket", string(ierr.Code))
		g.security.AuditRequest(sc, "/ws", r.Method, false, status, time.Since(start), 0, ierr.Message)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": errorBody(ierr)})
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "ip", ip, "error", err.Error())
		return
	}

	g.security.AuditRequest(sc, "/ws", r.Method, true, http.StatusSwitchingProtocols, time.Since(start), 0, "")

	client := &Client{
		id:      uuid.NewString(),
		ip:      ip,
		apiKey:  sc.APIKey,
		tags:    notification.NormalizeTags(splitTags(r.URL.Query().Get("tags"))),
		conn:    conn,
		send:    make(chan *notification.Notification, g.config.SendBuffer),
		gateway: g,
		done:    make(chan struct{}),
	}

	g.hub.register(client)
	go client.writePump()
	go client.readPump(context.Background())
}

// ingestOne runs one notification message through the pipeline.
func (g *Gateway) ingestOne(ctx context.Context, c *Client, payload json.RawMessage) Ack {
	if ierr := g.checkMessage(ctx, c); ierr != nil {
		g.metrics.RecordRejected("websocket", string(ierr.Code))
		return Ack{Type: "ack", Error: errorBody(ierr)}
	}

	result, ierr := g.process(ctx, payload)
	if ierr != nil {
		g.metrics.RecordRejected("websocket", string(ierr.Code))
		return Ack{Type: "ack", Error: errorBody(ierr)}
	}

	g.metrics.RecordIngested("websocket")
	return Ack{Type: "ack", Success: true, NotificationID: result.Notification.ID}
}

// ingestBatch processes each item independently and reports per-item
// outcomes. One bad item never sinks its siblings.
func (g *Gateway) ingestBatch(ctx context.Context, c *Client, payloads []json.RawMessage) BatchAck {
	ack := BatchAck{Type: "batch_ack", Results: make([]BatchItemAck, 0, len(payloads))}

	if c.apiKey != nil {
		if ierr := g.security.Keys.Authorize(c.apiKey, security.ScopeIngestBatch); ierr != nil {
			g.metrics.RecordRejected("websocket", string(ierr.Code))
			for i := range payloads {
				ack.Results = append(ack.Results, BatchItemAck{Index: i, Error: errorBody(ierr)})
			}
			return ack
		}
	}

	for i, payload := range payloads {
		item := BatchItemAck{Index: i}

		if ierr := g.checkMessage(ctx, c); ierr != nil {
			g.metrics.RecordRejected("websocket", string(ierr.Code))
			item.Error = errorBody(ierr)
			ack.Results = append(ack.Results, item)
			continue
		}

		result, ierr := g.process(ctx, payload)
		if ierr != nil {
			g.metrics.RecordRejected("websocket", string(ierr.Code))
			item.Error = errorBody(ierr)
		} else {
			g.metrics.RecordIngested("websocket")
			item.Success = true
			item.NotificationID = result.Notification.ID
		}
		ack.Results = append(ack.Results, item)
	}
	return ack
}

// checkMessage applies the per-connection rate limit.
func (g *Gateway) checkMessage(ctx context.Context, c *Client) *errors.IngestError {
	decision := g.security.RateLimiter.CheckConnection(ctx, c.id)
	if !decision.Allowed {
		return errors.ErrRateLimitExceeded.WithDetails(map[string]any{
			"resetTime": decision.ResetTime,
		})
	}
	return nil
}

func (g *Gateway) process(ctx context.Context, payload json.RawMessage) (processor.IngestionResult, *errors.IngestError) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return processor.IngestionResult{}, errors.ErrInvalidJSON
	}

	result := g.processor.Process(ctx, decoded, "websocket")
	if !result.Success {
		return result, result.Error
	}
	return result, nil
}

// Stop disconnects all clients.
func (g *Gateway) Stop() {
	g.hub.CloseAll()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
