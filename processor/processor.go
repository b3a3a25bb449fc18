// Package processor orchestrates the ingestion pipeline:
// transform -> validate -> sanitize -> enrich -> final-validate.
// The processor is stateless apart from the transformer registry and is
// safe for any number of concurrent callers.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/transformer"
	"github.com/kart-io/ingesthub/validator"
)

// IngestionResult is the only value returned across the processor
// boundary. The processor never panics past this point.
type IngestionResult struct {
	Success      bool                       `json:"success"`
	Notification *notification.Notification `json:"notification,omitempty"`
	Error        *errors.IngestError        `json:"error,omitempty"`
	Source       string                     `json:"source"`
}

// Hooks are fired on terminal pipeline outcomes. Both are optional.
// OnAccepted may return an error to veto the acceptance, turning the
// result into a rejection; persistence failures surface this way so
// callers never see success for a notification that was not stored.
// Elapsed covers the pipeline run plus the accept hook itself.
type Hooks struct {
	OnAccepted func(ctx context.Context, n *notification.Notification, elapsed time.Duration) *errors.IngestError
	OnRejected func(ctx context.Context, source string, err *errors.IngestError, elapsed time.Duration)
}

// Processor runs payloads through the ingestion pipeline.
type Processor struct {
	registry *transformer.Registry
	hooks    Hooks
	logger   logger.Logger
}

// New creates a processor backed by the given transformer registry.
func New(registry *transformer.Registry, hooks Hooks, log logger.Logger) *Processor {
	return &Processor{
		registry: registry,
		hooks:    hooks,
		logger:   log,
	}
}

// Process runs a payload through the full pipeline. The returned result
// is terminal: failures are never retried by the processor itself.
func (p *Processor) Process(ctx context.Context, payload transformer.Payload, source string) IngestionResult {
	started := time.Now()
	result := p.run(ctx, payload, source, true)

	if result.Success && p.hooks.OnAccepted != nil {
		if err := p.hooks.OnAccepted(ctx, result.Notification, time.Since(started)); err != nil {
			p.logger.Warn("accepted notification not committed",
				"source", source, "id", result.Notification.ID, "code", err.Code)
			result = IngestionResult{Success: false, Error: err.WithSource(source), Source: source}
		}
	}
	if !result.Success && p.hooks.OnRejected != nil {
		p.hooks.OnRejected(ctx, source, result.Error, time.Since(started))
	}
	return result
}

// TestTransformation runs the full pipeline without firing callbacks.
// Used by client-side debugging tools.
func (p *Processor) TestTransformation(ctx context.Context, payload transformer.Payload, source string) IngestionResult {
	return p.run(ctx, payload, source, false)
}

// ValidatePayload transforms and validates a payload without enrichment
// or callbacks, returning per-field messages on failure.
func (p *Processor) ValidatePayload(payload transformer.Payload) (bool, []validator.FieldError) {
	tr := p.registry.Transform(payload)
	if !tr.Success {
		return false, []validator.FieldError{{Field: "", Message: tr.Err.Error()}}
	}
	vr := validator.ValidateRaw(tr.Data)
	return vr.IsValid, vr.Details
}

// Suggestions exposes the registry's transformer suggestions.
func (p *Processor) Suggestions(payload transformer.Payload) []transformer.Suggestion {
	return p.registry.Suggestions(payload)
}

func (p *Processor) run(ctx context.Context, payload transformer.Payload, source string, logOutcome bool) IngestionResult {
	reject := func(err *errors.IngestError) IngestionResult {
		if logOutcome {
			p.logger.Warn("payload rejected", "source", source, "code", err.Code, "error", err.Message)
		}
		return IngestionResult{Success: false, Error: err.WithSource(source), Source: source}
	}

	// transformed
	tr := p.registry.Transform(payload)
	if !tr.Success {
		return reject(errors.AsIngestError(tr.Err))
	}

	// validated
	vr := validator.ValidateRaw(tr.Data)
	if !vr.IsValid {
		return reject(errors.ErrValidationFailed.WithDetails(detailsMap(vr.Details)))
	}

	// sanitized
	raw := validator.Sanitize(vr.Data)

	// enriched
	n := p.enrich(raw, source)

	// finalValidated: defense against transformer and enrichment bugs.
	if details := validator.ValidateFinal(n); len(details) > 0 {
		return reject(errors.ErrFinalValidationFailed.WithDetails(detailsMap(details)))
	}

	if logOutcome {
		p.logger.Debug("payload accepted", "source", source, "id", n.ID, "title", n.Title)
	}
	return IngestionResult{Success: true, Notification: n, Source: source}
}

// enrich builds the canonical notification: generated ID, resolved
// timestamp, defaulted priority, ingestion metadata and temporal tags.
func (p *Processor) enrich(raw *notification.RawPayload, source string) *notification.Notification {
	now := time.Now()

	ts := now
	if raw.Timestamp != "" {
		if parsed, err := validator.ParseTimestamp(raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	id := raw.ID
	if id == "" {
		id = notification.NewID()
	}

	priority := raw.Priority
	if priority == 0 {
		priority = notification.PriorityNormal
	}

	metadata := make(map[string]string, len(raw.Metadata)+2)
	for k, v := range raw.Metadata {
		metadata[k] = v
	}
	metadata["ingestionSource"] = source
	metadata["processedAt"] = now.UTC().Format(time.RFC3339)

	tags := append([]string{}, raw.Tags...)
	tags = append(tags,
		"ingestion:"+source,
		fmt.Sprintf("hour:%02d", ts.Hour()),
		"day:"+strings.ToLower(ts.Weekday().String()),
	)

	return &notification.Notification{
		ID:        id,
		Title:     raw.Title,
		Source:    raw.Source,
		Timestamp: ts,
		Content:   raw.Content,
		Priority:  priority,
		Metadata:  metadata,
		Actions:   append([]notification.Action{}, raw.Actions...),
		Tags:      notification.NormalizeTags(tags),
	}
}

func detailsMap(details []validator.FieldError) map[string]any {
	m := make(map[string]any, len(details))
	for _, d := range details {
		field := d.Field
		if field == "" {
			field = "_payload"
		}
		m[field] = d.Message
	}
	return m
}
