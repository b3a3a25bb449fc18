package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	tp, err := NewTelemetryProvider(Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// All record paths must be no-ops, not panics.
	tp.RecordIngested(ctx, "http", 5*time.Millisecond)
	tp.RecordRejected(ctx, "websocket", "VALIDATION_FAILED", time.Millisecond)
	tp.ConnectionOpened(ctx)
	tp.ConnectionClosed(ctx)

	spanCtx, span := tp.TraceIngestion(ctx, "http")
	assert.NotNil(t, spanCtx)
	tp.SetSpanSuccess(span)
	tp.SetSpanError(span, assert.AnError)
	span.End()

	assert.NotNil(t, tp.GetTracer())
	assert.NotNil(t, tp.GetMeter())
	assert.NoError(t, tp.Shutdown(ctx))
}
