package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/logger"
)

func newAuditLogger(t *testing.T, config AuditConfig) *AuditLogger {
	t.Helper()
	config.Dir = t.TempDir()
	al, err := NewAuditLogger(config, logger.Discard)
	require.NoError(t, err)
	t.Cleanup(al.Stop)
	return al
}

func readEntries(t *testing.T, path string) []AuditLogEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []AuditLogEntry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry AuditLogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestMaskingHappensBeforeBuffering(t *testing.T) {
	al := newAuditLogger(t, DefaultAuditConfig())

	entry := &AuditLogEntry{
		Source:    "http",
		IPAddress: "203.0.113.42",
		APIKeyID:  "abcdef123456",
		Metadata: map[string]string{
			"auth_token": "supersecret",
			"request_id": "r-1",
		},
	}
	al.Record(entry)

	// The buffered entry itself is already masked.
	assert.Equal(t, "203.0.113.xxx", entry.IPAddress)
	assert.Equal(t, "abcd****", entry.APIKeyID)
	assert.Equal(t, "[REDACTED]", entry.Metadata["auth_token"])
	assert.Equal(t, "r-1", entry.Metadata["request_id"])
	assert.NotEmpty(t, entry.ID)
}

func TestMaskIP(t *testing.T) {
	assert.Equal(t, "203.0.113.xxx", MaskIP("203.0.113.42"))
	assert.Equal(t, "2001:db8:0:0:xxxx:xxxx:xxxx:xxxx", MaskIP("2001:db8:0:0:1:2:3:4"))
	assert.Equal(t, "xxxx:xxxx", MaskIP("::1"))
	assert.Equal(t, "", MaskIP(""))
}

func TestFlushWritesDailyFile(t *testing.T) {
	al := newAuditLogger(t, DefaultAuditConfig())

	al.Record(&AuditLogEntry{Source: "http", IPAddress: "1.2.3.4", Success: true})
	al.Record(&AuditLogEntry{Source: "websocket", IPAddress: "1.2.3.5", Success: false})
	require.Equal(t, 2, al.BufferedEntries())

	al.Flush()
	assert.Equal(t, 0, al.BufferedEntries())

	entries := readEntries(t, al.fileFor(time.Now()))
	assert.Len(t, entries, 2)
}

func TestServerErrorFlushesImmediately(t *testing.T) {
	al := newAuditLogger(t, DefaultAuditConfig())

	al.Record(&AuditLogEntry{Source: "http", IPAddress: "1.2.3.4", StatusCode: 500})

	assert.Equal(t, 0, al.BufferedEntries())
	entries := readEntries(t, al.fileFor(time.Now()))
	require.Len(t, entries, 1)
	assert.Equal(t, 500, entries[0].StatusCode)
}

func TestRetentionDeletesOnlyWhenAllowed(t *testing.T) {
	config := DefaultAuditConfig()
	config.RetentionDays = 7
	config.AnonymizeAfterDays = 0
	al := newAuditLogger(t, config)

	old := al.fileFor(time.Now().AddDate(0, 0, -30))
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o640))

	al.RunRetention()
	_, err := os.Stat(old)
	assert.NoError(t, err, "deletion gated by AllowDataDeletion")

	al.config.AllowDataDeletion = true
	al.RunRetention()
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestAnonymizationSweepKeepsEntries(t *testing.T) {
	config := DefaultAuditConfig()
	config.RetentionDays = 365
	config.AnonymizeAfterDays = 7
	al := newAuditLogger(t, config)

	entry := AuditLogEntry{
		ID:        "e1",
		Timestamp: time.Now().AddDate(0, 0, -30),
		Source:    "http",
		IPAddress: "203.0.113.xxx",
		UserAgent: "curl/8",
		APIKeyID:  "abcd****",
	}
	line, err := json.Marshal(&entry)
	require.NoError(t, err)

	old := al.fileFor(time.Now().AddDate(0, 0, -30))
	require.NoError(t, os.WriteFile(old, append(line, '\n'), 0o640))

	al.RunRetention()

	entries := readEntries(t, old)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Anonymized)
	assert.Equal(t, "anonymized", entries[0].IPAddress)
	assert.Empty(t, entries[0].UserAgent)
	assert.Empty(t, entries[0].APIKeyID)
	assert.Equal(t, "e1", entries[0].ID)
}

func TestRecentEntries(t *testing.T) {
	al := newAuditLogger(t, DefaultAuditConfig())

	for i := 0; i < 5; i++ {
		al.Record(&AuditLogEntry{Source: "http", IPAddress: "1.2.3.4", Endpoint: fmt.Sprintf("/e%d", i)})
	}

	recent, err := al.RecentEntries(3)
	require.NoError(t, err)
	require.Len(t, recent, 3, "oldest entries fall off")
	assert.Equal(t, "/e4", recent[2].Endpoint)
	assert.Equal(t, 0, al.BufferedEntries(), "reading flushes the buffer first")

	none, err := al.RecentEntries(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMaxFilesPrune(t *testing.T) {
	config := DefaultAuditConfig()
	config.RetentionDays = 365
	config.MaxFiles = 2
	config.AnonymizeAfterDays = 0
	config.AllowDataDeletion = true
	al := newAuditLogger(t, config)

	for i := 0; i < 4; i++ {
		path := al.fileFor(time.Now().AddDate(0, 0, -i))
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o640))
	}

	al.RunRetention()

	matches, err := filepath.Glob(filepath.Join(al.config.Dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 2, "oldest files beyond MaxFiles are pruned")
}
