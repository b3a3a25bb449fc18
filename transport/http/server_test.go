package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/monitoring"
	"github.com/kart-io/ingesthub/processor"
	"github.com/kart-io/ingesthub/security"
	"github.com/kart-io/ingesthub/transformer"
)

type fixture struct {
	server   *Server
	security *security.Manager
	metrics  *monitoring.Metrics
	ts       *httptest.Server
}

func newFixture(t *testing.T, mutate func(*security.Config)) *fixture {
	t.Helper()

	secConfig := security.DefaultConfig()
	secConfig.Audit.Dir = t.TempDir()
	secConfig.APIKeys.BcryptCost = bcrypt.MinCost
	if mutate != nil {
		mutate(&secConfig)
	}

	manager, err := security.NewManager(secConfig, security.NewMemoryRateLimitStore(), logger.Discard)
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	metrics := monitoring.NewMetrics()
	proc := processor.New(transformer.NewDefaultRegistry(logger.Discard), processor.Hooks{}, logger.Discard)
	srv := NewServer(Config{}, manager, proc, metrics, logger.Discard)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, security: manager, metrics: metrics, ts: ts}
}

func postJSON(t *testing.T, url, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestWebhookAcceptsValidPayload(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := postJSON(t, f.ts.URL+"/webhook", `{"title":"deploy finished","source":"ci"}`, nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["notificationId"])
	assert.NotEmpty(t, body["processingTime"])
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().BySource["http"].Ingested)
}

func TestWebhookSetsSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`, nil)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestWebhookRejectsWrongContentType(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/webhook", strings.NewReader("title=x"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := postJSON(t, f.ts.URL+"/webhook", `{"title": unclosed`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_JSON", errObj["code"])
}

func TestWebhookRejectsOversizedPayload(t *testing.T) {
	f := newFixture(t, func(cfg *security.Config) {
		cfg.Payload.MaxBytes = 64
	})

	big := `{"title":"` + strings.Repeat("a", 200) + `"}`
	resp, body := postJSON(t, f.ts.URL+"/webhook", big, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errObj["code"])
}

func TestWebhookValidationFailureReportsFields(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"ci","priority":9}`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_FAILED", errObj["code"])
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().BySource["http"].Rejected)
}

func TestWebhookRateLimitReturns429WithRetryAfter(t *testing.T) {
	f := newFixture(t, func(cfg *security.Config) {
		cfg.RateLimit.PerIP = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errObj["code"])
}

func TestWebhookRequiresAPIKeyWhenConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *security.Config) {
		cfg.RequireAPIKey = true
	})

	resp, _ := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	plaintext, _, err := f.security.Keys.Generate("ci", []string{security.ScopeIngestWrite}, time.Hour)
	require.NoError(t, err)

	resp, _ = postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`,
		map[string]string{"X-API-Key": plaintext})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWebhookForbidsKeyWithoutScope(t *testing.T) {
	f := newFixture(t, nil)

	plaintext, _, err := f.security.Keys.Generate("readonly", []string{"other:scope"}, time.Hour)
	require.NoError(t, err)

	resp, body := postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`,
		map[string]string{"Authorization": "Bearer " + plaintext})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "FORBIDDEN", errObj["code"])
}

func TestValidateEndpointIsDryRun(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := postJSON(t, f.ts.URL+"/webhook/validate", `{"title":"x","source":"s"}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["wouldAccept"])
	assert.Zero(t, f.metrics.GetSnapshot().TotalIngested, "dry run does not ingest")
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	_, _ = postJSON(t, f.ts.URL+"/webhook", `{"title":"x","source":"s"}`, nil)

	resp, err := http.Get(f.ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Metrics         monitoring.Snapshot      `json:"metrics"`
		RateLimiterKeys int                      `json:"rateLimiterKeys"`
		AuditBuffered   int                      `json:"auditBuffered"`
		RecentAudit     []security.AuditLogEntry `json:"recentAudit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1), body.Metrics.TotalIngested)
	assert.Equal(t, int64(1), body.Metrics.BySource["http"].Ingested)
	assert.Greater(t, body.RateLimiterKeys, 0, "the webhook call created counters")
	assert.Equal(t, 0, body.AuditBuffered, "reading recent entries flushes the buffer")
	require.NotEmpty(t, body.RecentAudit)
	assert.Equal(t, "http", body.RecentAudit[0].Source)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/webhook")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
