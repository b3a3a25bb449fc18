package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersBySource(t *testing.T) {
	m := NewMetrics()

	m.RecordIngested("http")
	m.RecordIngested("http")
	m.RecordIngested("websocket")
	m.RecordRejected("http", "VALIDATION_FAILED")
	m.RecordRejected("filewatcher", "INVALID_JSON")

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.TotalIngested)
	assert.Equal(t, int64(2), snap.TotalRejected)
	assert.Equal(t, int64(2), snap.BySource["http"].Ingested)
	assert.Equal(t, int64(1), snap.BySource["http"].Rejected)
	assert.Equal(t, int64(1), snap.BySource["websocket"].Ingested)
	assert.Equal(t, int64(1), snap.ByErrorCode["VALIDATION_FAILED"])
	assert.Equal(t, int64(1), snap.ByErrorCode["INVALID_JSON"])
	assert.False(t, snap.LastIngestAt.IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMetrics()
	m.RecordIngested("http")

	snap := m.GetSnapshot()
	snap.BySource["http"] = SourceStats{Ingested: 99}

	assert.Equal(t, int64(1), m.GetSnapshot().BySource["http"].Ingested)
}

func TestConcurrentRecording(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordIngested("unix")
				m.RecordRejected("unix", "RATE_LIMIT_EXCEEDED")
			}
		}()
	}
	wg.Wait()

	snap := m.GetSnapshot()
	assert.Equal(t, int64(1000), snap.TotalIngested)
	assert.Equal(t, int64(1000), snap.TotalRejected)
}

func TestReset(t *testing.T) {
	m := NewMetrics()
	m.RecordIngested("http")
	m.Reset()

	snap := m.GetSnapshot()
	assert.Zero(t, snap.TotalIngested)
	assert.Empty(t, snap.BySource)
	assert.True(t, snap.LastIngestAt.IsZero())
}
