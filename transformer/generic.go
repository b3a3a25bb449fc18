package transformer

import (
	"strings"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
)

// titleFields and sourceFields list the common field names the generic
// transformer probes, in preference order.
var (
	titleFields  = []string{"title", "message", "msg", "summary", "text", "description"}
	sourceFields = []string{"source", "service", "app", "application", "origin", "host"}
)

// errorKeywords categorize free text as error-related for tagging.
var errorKeywords = []string{"fail", "error", "exception", "fatal", "panic", "crash"}

// GenericTransformer is the last-resort fallback: it extracts a title
// and source heuristically from common field names. It never Detects a
// payload on its own; the registry invokes it explicitly.
type GenericTransformer struct{}

// NewGenericTransformer creates the generic fallback transformer.
func NewGenericTransformer() *GenericTransformer {
	return &GenericTransformer{}
}

// Name implements Transformer.
func (t *GenericTransformer) Name() string { return "generic" }

// Priority implements Transformer. Lowest, so explicit formats always win.
func (t *GenericTransformer) Priority() int { return 0 }

// Detect implements Transformer. The generic transformer only runs as
// the registry fallback, so it never claims a payload during resolution.
func (t *GenericTransformer) Detect(payload Payload) bool { return false }

// Transform implements Transformer.
func (t *GenericTransformer) Transform(payload Payload) Result {
	title := firstString(payload, titleFields)
	if title == "" {
		return Result{Err: errors.Newf(errors.CodeTransformationFailed, errors.CategoryTransformation,
			"payload has no recognizable title field (tried %s)", strings.Join(titleFields, ", "))}
	}

	source := firstString(payload, sourceFields)
	if source == "" {
		source = "generic"
	}

	raw := &notification.RawPayload{
		Title:    title,
		Source:   source,
		Priority: notification.PriorityNormal,
		Metadata: map[string]string{},
		Tags:     []string{"generic"},
		Original: payload,
	}

	if content, ok := stringField(payload, "content"); ok {
		raw.Content = content
	} else if body, ok := stringField(payload, "body"); ok {
		raw.Content = body
	}

	if containsErrorKeyword(title) || containsErrorKeyword(raw.Content) {
		raw.Tags = append(raw.Tags, "error")
		raw.Priority = notification.PriorityHigh
	}

	for _, key := range []string{"timestamp", "time", "date"} {
		if ts, ok := stringField(payload, key); ok {
			raw.Timestamp = ts
			break
		}
	}

	return Result{Success: true, Data: raw, Confidence: 0.4}
}

func firstString(payload Payload, keys []string) string {
	for _, key := range keys {
		if s, ok := stringField(payload, key); ok {
			return s
		}
	}
	return ""
}

func containsErrorKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
