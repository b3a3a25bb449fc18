package unixsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
	"github.com/kart-io/ingesthub/transformer"
)

type fixture struct {
	server  *Server
	metrics *monitoring.Metrics
	path    string
}

func newFixture(t *testing.T, mutate func(*security.Config)) *fixture {
	t.Helper()

	secConfig := security.DefaultConfig()
	secConfig.Audit.Dir = t.TempDir()
	if mutate != nil {
		mutate(&secConfig)
	}

	manager, err := security.NewManager(secConfig, security.NewMemoryRateLimitStore(), logger.Discard)
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	metrics := monitoring.NewMetrics()
	proc := processor.New(transformer.NewDefaultRegistry(logger.Discard), processor.Hooks{}, logger.Discard)

	path := filepath.Join(t.TempDir(), "hub.sock")
	srv, err := NewServer(Config{Path: path}, manager, proc, metrics, logger.Discard)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	return &fixture{server: srv, metrics: metrics, path: path}
}

type client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *client) roundTrip(t *testing.T, line string) Response {
	t.Helper()
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan(), "expected a response line")

	var resp Response
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &resp))
	return resp
}

func TestIngestOverSocket(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	resp := c.roundTrip(t, `{"title":"backup done","source":"cron"}`)

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.NotificationID)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().BySource["unix"].Ingested)
}

func TestLinesAnsweredInOrder(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	var ids []string
	for i := 0; i < 5; i++ {
		resp := c.roundTrip(t, fmt.Sprintf(`{"title":"msg %d","source":"s"}`, i))
		require.True(t, resp.Success)
		ids = append(ids, resp.NotificationID)
	}
	assert.Len(t, ids, 5)
}

func TestInvalidJSONLine(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	resp := c.roundTrip(t, `{"title": unclosed`)

	assert.False(t, resp.Success)
	assert.Equal(t, "INVALID_JSON", resp.Error["code"])
}

func TestValidationFailureLine(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	resp := c.roundTrip(t, `{"title":"x","source":"s","priority":9}`)

	assert.False(t, resp.Success)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error["code"])

	// The connection survives a rejected line.
	next := c.roundTrip(t, `{"title":"still here","source":"s"}`)
	assert.True(t, next.Success)
}

func TestPerConnectionRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *security.Config) {
		cfg.RateLimit.PerConnection = 2
	})
	c := f.dial(t)

	for i := 0; i < 2; i++ {
		require.True(t, c.roundTrip(t, `{"title":"x","source":"s"}`).Success)
	}
	resp := c.roundTrip(t, `{"title":"x","source":"s"}`)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error["code"])

	// A fresh connection has its own budget.
	other := f.dial(t)
	assert.True(t, other.roundTrip(t, `{"title":"x","source":"s"}`).Success)
}

func TestConcurrentConnections(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("unix", f.path)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			for j := 0; j < 5; j++ {
				fmt.Fprintf(conn, `{"title":"conn %d msg %d","source":"s"}`+"\n", i, j)
				if !scanner.Scan() {
					t.Errorf("conn %d: missing response %d", i, j)
					return
				}
				if !strings.Contains(scanner.Text(), `"success":true`) {
					t.Errorf("conn %d: unexpected response %s", i, scanner.Text())
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(20), f.metrics.GetSnapshot().BySource["unix"].Ingested)
}

func TestSuspiciousLineRejected(t *testing.T) {
	f := newFixture(t, func(cfg *security.Config) {
		cfg.Payload.SuspiciousThreshold = 2
	})
	c := f.dial(t)

	resp := c.roundTrip(t, `{"a":"<script>","b":"eval(x)"}`)

	assert.False(t, resp.Success)
	assert.Equal(t, "SUSPICIOUS_PAYLOAD", resp.Error["code"])
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	resp := c.roundTrip(t, `{"type":"subscribe"}`)
	require.True(t, resp.Success)

	n := &notification.Notification{ID: notification.NewID(), Title: "deploy finished", Source: "ci"}
	f.server.Broadcast(n)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan(), "expected a broadcast line")

	var msg struct {
		Type    string                    `json:"type"`
		Payload notification.Notification `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &msg))
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "deploy finished", msg.Payload.Title)
}

func TestSubscribeFiltersByTag(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	require.True(t, c.roundTrip(t, `{"type":"subscribe","tags":["deploy"]}`).Success)

	f.server.Broadcast(&notification.Notification{ID: notification.NewID(), Title: "backup", Source: "cron", Tags: []string{"backup"}})
	f.server.Broadcast(&notification.Notification{ID: notification.NewID(), Title: "deploy", Source: "ci", Tags: []string{"deploy"}})

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan())

	var msg struct {
		Payload notification.Notification `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &msg))
	assert.Equal(t, "deploy", msg.Payload.Title, "non-matching broadcast skipped")
}

func TestSubscribedConnectionStillIngests(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	require.True(t, c.roundTrip(t, `{"type":"subscribe","tags":["x"]}`).Success)

	resp := c.roundTrip(t, `{"title":"still ingesting","source":"s"}`)
	assert.True(t, resp.Success)
}

func TestStopRemovesSocketFile(t *testing.T) {
	f := newFixture(t, nil)

	f.server.Stop()

	_, err := net.Dial("unix", f.path)
	assert.Error(t, err)
}
