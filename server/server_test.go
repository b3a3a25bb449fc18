package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/config"
	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.WatchDir = filepath.Join(t.TempDir(), "inbox")
	cfg.Server.UnixSocketPath = filepath.Join(t.TempDir(), "hub.sock")
	cfg.Storage.Path = ":memory:"
	cfg.Security.Audit.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, logger.Discard)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	// Wait for the HTTP listener to come up.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.Addr())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0

	_, err := New(cfg, logger.Discard)
	assert.Error(t, err)
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Storage.Path = ":memory:"
	cfg.Security.Audit.Dir = t.TempDir()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(cfg, logger.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestStartIsExclusive(t *testing.T) {
	s := newServer(t, nil)

	err := s.Start(context.Background())
	assert.Error(t, err, "second start is rejected")
}

func TestStopIsIdempotent(t *testing.T) {
	s := newServer(t, nil)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}

func TestAcceptedNotificationIsPersisted(t *testing.T) {
	s := newServer(t, nil)

	result := s.Processor().Process(context.Background(),
		map[string]any{"title": "wired", "source": "test"}, "test")
	require.True(t, result.Success)

	loaded, err := s.Store().Get(context.Background(), result.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, "wired", loaded.Title)
}

func TestUnknownUserReferenceRejectsSynchronously(t *testing.T) {
	s := newServer(t, nil)

	result := s.Processor().Process(context.Background(), map[string]any{
		"title":    "for nobody",
		"source":   "test",
		"metadata": map[string]any{"user_id": "ghost"},
	}, "test")

	require.False(t, result.Success)
	assert.Equal(t, errors.CodeUserNotFound, result.Error.Code)

	count, err := s.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "nothing persisted, nothing acknowledged")
}

func TestUnixSocketEndToEnd(t *testing.T) {
	s := newServer(t, nil)

	conn, err := net.Dial("unix", s.config.Server.UnixSocketPath)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, `{"title":"via socket","source":"local"}`)
	scanner := bufio.NewScanner(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"success":true`)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, int64(1), stats.Metrics.BySource["unix"].Ingested)
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	s := newServer(t, nil)

	url := "ws://" + s.config.Addr() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return s.wsGateway.Hub().Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Any accepted notification fans out to subscribers.
	result := s.Processor().Process(context.Background(),
		map[string]any{"title": "fan out", "source": "test"}, "http")
	require.True(t, result.Success)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "notification", msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "fan out", payload["title"])
}

func TestFileDropEndToEnd(t *testing.T) {
	s := newServer(t, nil)

	path := filepath.Join(s.config.Server.WatchDir, "drop.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"from disk","source":"ops"}`), 0o644))

	require.Eventually(t, func() bool {
		stats, err := s.Stats(context.Background())
		return err == nil && stats.Stored == 1
	}, 3*time.Second, 20*time.Millisecond)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Metrics.BySource["filewatcher"].Ingested)
}

func TestStatsAggregation(t *testing.T) {
	s := newServer(t, nil)

	for i := 0; i < 3; i++ {
		result := s.Processor().Process(context.Background(),
			map[string]any{"title": fmt.Sprintf("n%d", i), "source": "test"}, "http")
		require.True(t, result.Success)
	}
	s.Processor().Process(context.Background(), map[string]any{"source": "test"}, "http")

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Stored)
	assert.False(t, stats.CollectedAt.IsZero())
}
