// Package monitoring tracks ingestion counters served by the health
// and stats endpoints.
package monitoring

import (
	"sync"
	"time"
)

// SourceStats holds the per-transport counters.
type SourceStats struct {
	Ingested int64 `json:"ingested"`
	Rejected int64 `json:"rejected"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	StartTime     time.Time              `json:"startTime"`
	Uptime        time.Duration          `json:"uptime"`
	TotalIngested int64                  `json:"totalIngested"`
	TotalRejected int64                  `json:"totalRejected"`
	BySource      map[string]SourceStats `json:"bySource"`
	ByErrorCode   map[string]int64       `json:"byErrorCode"`
	LastIngestAt  time.Time              `json:"lastIngestAt,omitempty"`
}

// Metrics accumulates ingestion outcomes. Safe for concurrent use.
type Metrics struct {
	mu           sync.RWMutex
	startTime    time.Time
	bySource     map[string]*SourceStats
	byErrorCode  map[string]int64
	lastIngestAt time.Time
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:   time.Now(),
		bySource:    make(map[string]*SourceStats),
		byErrorCode: make(map[string]int64),
	}
}

// RecordIngested counts one accepted notification from source.
func (m *Metrics) RecordIngested(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source(source).Ingested++
	m.lastIngestAt = time.Now()
}

// RecordRejected counts one rejection from source with its error code.
func (m *Metrics) RecordRejected(source, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source(source).Rejected++
	if code != "" {
		m.byErrorCode[code]++
	}
}

func (m *Metrics) source(name string) *SourceStats {
	stats, ok := m.bySource[name]
	if !ok {
		stats = &SourceStats{}
		m.bySource[name] = stats
	}
	return stats
}

// GetSnapshot returns a copy of the current counters.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		StartTime:    m.startTime,
		Uptime:       time.Since(m.startTime),
		BySource:     make(map[string]SourceStats, len(m.bySource)),
		ByErrorCode:  make(map[string]int64, len(m.byErrorCode)),
		LastIngestAt: m.lastIngestAt,
	}
	for name, stats := range m.bySource {
		snap.BySource[name] = *stats
		snap.TotalIngested += stats.Ingested
		snap.TotalRejected += stats.Rejected
	}
	for code, count := range m.byErrorCode {
		snap.ByErrorCode[code] = count
	}
	return snap
}

// Reset clears all counters but keeps the start time.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySource = make(map[string]*SourceStats)
	m.byErrorCode = make(map[string]int64)
	m.lastIngestAt = time.Time{}
}
