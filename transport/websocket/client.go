package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/security"
)

// Message is the wire envelope for both directions. Clients may send
// the notification body under either payload or data.
type Message struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Payloads []json.RawMessage `json:"payloads,omitempty"`
}

// body returns the single-notification payload, preferring payload
// over its data alias.
func (m *Message) body() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	return m.Data
}

// batch returns the batch items, accepting a data array as an alias
// for payloads.
func (m *Message) batch() []json.RawMessage {
	if len(m.Payloads) > 0 {
		return m.Payloads
	}
	if len(m.Data) > 0 {
		var items []json.RawMessage
		if err := json.Unmarshal(m.Data, &items); err == nil {
			return items
		}
	}
	return nil
}

// Ack is the reply to a single notification message.
type Ack struct {
	Type           string         `json:"type"`
	Success        bool           `json:"success"`
	NotificationID string         `json:"notificationId,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

// BatchItemAck is one per-item outcome inside a batch ack.
type BatchItemAck struct {
	Index          int            `json:"index"`
	Success        bool           `json:"success"`
	NotificationID string         `json:"notificationId,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

// BatchAck is the reply to a batch_notification message.
type BatchAck struct {
	Type    string         `json:"type"`
	Results []BatchItemAck `json:"results"`
}

const (
	msgPing              = "ping"
	msgPong              = "pong"
	msgNotification      = "notification"
	msgBatchNotification = "batch_notification"
)

// Client is one live connection. Inbound messages are processed
// sequentially; outbound traffic goes through the send channel so the
// write pump is the only writer.
type Client struct {
	id      string
	ip      string
	apiKey  *security.APIKey
	tags    []string
	conn    *websocket.Conn
	send    chan *notification.Notification
	gateway *Gateway

	// writeMu serializes writes between the write pump and the acks
	// sent from the read loop.
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// wants reports whether the client's tag filter matches. An empty
// filter subscribes to everything.
func (c *Client) wants(n *notification.Notification) bool {
	if len(c.tags) == 0 {
		return true
	}
	return n.MatchesAnyTag(c.tags)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump consumes inbound messages until the connection dies.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.gateway.config.MaxMessageBytes)
	deadline := c.gateway.config.PingInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if stderrors.Is(err, websocket.ErrReadLimit) {
				// The library has already queued a 1009 close frame;
				// record the rejection and attempt a last error ack.
				c.gateway.metrics.RecordRejected("websocket", string(errors.CodeMessageTooLarge))
				c.writeJSON(Ack{Type: "error", Error: errorBody(errors.ErrMessageTooLarge)})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gateway.logger.Warn("websocket read failed", "id", c.id, "error", err.Error())
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(ctx, raw)
	}
}

// writePump owns all writes: broadcasts, acks and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case n := <-c.send:
			if err := c.write(map[string]any{"type": msgNotification, "payload": n}); err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeJSON(v any) {
	_ = c.write(v)
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.writeJSON(Ack{Type: "error", Error: errorBody(errors.ErrInvalidJSON)})
		return
	}

	switch msg.Type {
	case msgPing:
		c.writeJSON(map[string]string{"type": msgPong})
	case msgNotification:
		c.writeJSON(c.gateway.ingestOne(ctx, c, msg.body()))
	case msgBatchNotification:
		c.writeJSON(c.gateway.ingestBatch(ctx, c, msg.batch()))
	default:
		ierr := errors.ErrUnknownType.WithDetails(map[string]any{"type": msg.Type})
		c.gateway.metrics.RecordRejected("websocket", string(ierr.Code))
		c.writeJSON(Ack{Type: "error", Error: errorBody(ierr)})
	}
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
