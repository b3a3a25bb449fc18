package security

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kart-io/ingesthub/logger"
)

// AuditLogEntry is one append-only audit record. Sensitive fields are
// masked before the entry ever enters the buffer, so cleartext values
// never outlive entry creation.
type AuditLogEntry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       string            `json:"source"`
	Method       string            `json:"method,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	IPAddress    string            `json:"ipAddress"`
	UserAgent    string            `json:"userAgent,omitempty"`
	APIKeyID     string            `json:"apiKeyId,omitempty"`
	Success      bool              `json:"success"`
	StatusCode   int               `json:"statusCode,omitempty"`
	ResponseTime time.Duration     `json:"responseTime"`
	PayloadSize  int64             `json:"payloadSize"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Anonymized   bool              `json:"anonymized,omitempty"`
}

// sensitiveMetaRe matches metadata keys whose values are redacted wholesale.
var sensitiveMetaRe = regexp.MustCompile(`(?i)password|token|secret|key|auth`)

// AuditConfig configures buffering, rotation and retention.
type AuditConfig struct {
	Dir           string        `json:"dir" yaml:"dir"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	RetentionDays int           `json:"retention_days" yaml:"retention_days"`
	MaxFiles      int           `json:"max_files" yaml:"max_files"`
	// AnonymizeAfterDays rewrites entries older than this without
	// deleting them (GDPR sweep). Zero disables the sweep.
	AnonymizeAfterDays int `json:"anonymize_after_days" yaml:"anonymize_after_days"`
	// AllowDataDeletion gates retention deletion. Without it old files
	// are only anonymized, never removed.
	AllowDataDeletion bool `json:"allow_data_deletion" yaml:"allow_data_deletion"`
	// SweepInterval controls how often retention/anonymization run.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultAuditConfig returns the documented defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Dir:                "audit",
		FlushInterval:      5 * time.Second,
		RetentionDays:      30,
		MaxFiles:           60,
		AnonymizeAfterDays: 14,
		AllowDataDeletion:  false,
		SweepInterval:      time.Hour,
	}
}

// AuditLogger is a buffered, batched audit writer with daily file
// rotation. Entries representing server errors flush immediately.
type AuditLogger struct {
	config AuditConfig
	logger logger.Logger

	mu     sync.Mutex
	buffer []*AuditLogEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAuditLogger creates the audit directory and starts the flush and
// retention loops.
func NewAuditLogger(config AuditConfig, log logger.Logger) (*AuditLogger, error) {
	if config.Dir == "" {
		config.Dir = "audit"
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}

	al := &AuditLogger{
		config: config,
		logger: log,
		stopCh: make(chan struct{}),
	}

	al.wg.Add(2)
	go al.flushLoop()
	go al.sweepLoop()
	return al, nil
}

// Record masks and buffers an entry. Server-error entries (status >=
// 500) are flushed immediately.
func (al *AuditLogger) Record(entry *AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	mask(entry)

	al.mu.Lock()
	al.buffer = append(al.buffer, entry)
	al.mu.Unlock()

	if entry.StatusCode >= 500 {
		al.Flush()
	}
}

// Flush writes all buffered entries to the current day's file. The
// buffer is swapped under the lock so concurrent Records are not lost.
func (al *AuditLogger) Flush() {
	al.mu.Lock()
	pending := al.buffer
	al.buffer = nil
	al.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := al.write(pending); err != nil {
		al.logger.Error("audit flush failed", "entries", len(pending), "error", err)
	}
}

// BufferedEntries returns the current buffer depth, for stats reporting.
func (al *AuditLogger) BufferedEntries() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.buffer)
}

// RecentEntries returns up to limit of today's entries, newest last.
// The buffer is flushed first so the result includes entries not yet
// written out.
func (al *AuditLogger) RecentEntries(limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	al.Flush()

	f, err := os.Open(al.fileFor(time.Now()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []AuditLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry AuditLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
		if len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Stop flushes remaining entries and halts the background loops.
func (al *AuditLogger) Stop() {
	al.stopOnce.Do(func() { close(al.stopCh) })
	al.wg.Wait()
	al.Flush()
}

func (al *AuditLogger) flushLoop() {
	defer al.wg.Done()

	ticker := time.NewTicker(al.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopCh:
			return
		case <-ticker.C:
			al.Flush()
		}
	}
}

func (al *AuditLogger) sweepLoop() {
	defer al.wg.Done()

	ticker := time.NewTicker(al.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopCh:
			return
		case <-ticker.C:
			al.RunRetention()
		}
	}
}

// fileFor returns the rotated file name for a day.
func (al *AuditLogger) fileFor(day time.Time) string {
	return filepath.Join(al.config.Dir, "audit-"+day.Format("2006-01-02")+".log")
}

func (al *AuditLogger) write(entries []*AuditLogEntry) error {
	path := al.fileFor(time.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return w.Flush()
}

// RunRetention applies the age and count prune plus the anonymization
// sweep. Deletion requires AllowDataDeletion; otherwise expired files
// are anonymized in place.
func (al *AuditLogger) RunRetention() {
	files, err := al.auditFiles()
	if err != nil {
		al.logger.Error("audit retention listing failed", "error", err)
		return
	}

	now := time.Now()
	cutoff := now.AddDate(0, 0, -al.config.RetentionDays)
	anonymizeCutoff := now.AddDate(0, 0, -al.config.AnonymizeAfterDays)

	for i, file := range files {
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), "audit-"), ".log"))
		if err != nil {
			continue
		}

		overAge := al.config.RetentionDays > 0 && day.Before(cutoff)
		overCount := al.config.MaxFiles > 0 && i < len(files)-al.config.MaxFiles

		if overAge || overCount {
			if al.config.AllowDataDeletion {
				if err := os.Remove(file); err != nil {
					al.logger.Error("audit prune failed", "file", file, "error", err)
				} else {
					al.logger.Info("audit file pruned", "file", file)
				}
				continue
			}
			// Deletion not permitted: fall through to anonymization.
		}

		if al.config.AnonymizeAfterDays > 0 && day.Before(anonymizeCutoff) {
			if err := al.anonymizeFile(file); err != nil {
				al.logger.Error("audit anonymization failed", "file", file, "error", err)
			}
		}
	}
}

// auditFiles lists rotated audit files sorted oldest first.
func (al *AuditLogger) auditFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(al.config.Dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// anonymizeFile rewrites entries older than the anonymization window,
// removing identifying fields while keeping the record itself.
func (al *AuditLogger) anonymizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var out strings.Builder
	changed := false
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry AuditLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			out.WriteString(line + "\n")
			continue
		}
		if !entry.Anonymized {
			entry.IPAddress = "anonymized"
			entry.UserAgent = ""
			entry.APIKeyID = ""
			entry.Metadata = nil
			entry.Anonymized = true
			changed = true
		}
		encoded, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		out.Write(encoded)
		out.WriteByte('\n')
	}

	if !changed {
		return nil
	}
	return os.WriteFile(path, []byte(out.String()), 0o640)
}

// mask redacts sensitive entry fields in place: IPs are truncated,
// API key ids keep a 4-character prefix, and sensitive metadata values
// are replaced wholesale.
func mask(entry *AuditLogEntry) {
	entry.IPAddress = MaskIP(entry.IPAddress)

	if len(entry.APIKeyID) > 4 {
		entry.APIKeyID = entry.APIKeyID[:4] + "****"
	}

	for k := range entry.Metadata {
		if sensitiveMetaRe.MatchString(k) {
			entry.Metadata[k] = "[REDACTED]"
		}
	}
}

// MaskIP truncates an address: the last octet for IPv4, the last four
// groups for IPv6.
func MaskIP(address string) string {
	if address == "" {
		return ""
	}
	if strings.Contains(address, ":") {
		groups := strings.Split(address, ":")
		if len(groups) <= 4 {
			return "xxxx:xxxx"
		}
		return strings.Join(groups[:len(groups)-4], ":") + ":xxxx:xxxx:xxxx:xxxx"
	}
	octets := strings.Split(address, ".")
	if len(octets) != 4 {
		return address
	}
	octets[3] = "xxx"
	return strings.Join(octets, ".")
}
