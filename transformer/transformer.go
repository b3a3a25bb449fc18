// Package transformer converts arbitrary JSON payloads into the raw
// notification shape. Transformers are pluggable: each one detects
// whether it recognizes a payload and, if so, transforms it.
package transformer

import (
	"github.com/kart-io/ingesthub/core/notification"
)

// Payload is a decoded JSON object as received from a transport.
type Payload map[string]any

// Result is the outcome of a transformation attempt.
type Result struct {
	Success    bool
	Data       *notification.RawPayload
	Err        error
	Confidence float64
}

// Transformer detects and converts one payload format. Detect must be a
// pure function of the payload shape; it must never mutate the payload
// or carry state between calls.
type Transformer interface {
	// Name identifies the transformer in suggestions and tags.
	Name() string
	// Priority ranks this transformer among others that also detect a
	// payload. Higher wins; ties break by registration order.
	Priority() int
	// Detect reports whether this transformer recognizes the payload.
	Detect(payload Payload) bool
	// Transform converts the payload into a raw notification.
	Transform(payload Payload) Result
}

// Suggestion names a transformer that could handle a payload and how
// confident it is.
type Suggestion struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// stringField returns the payload field as a string if present and non-empty.
func stringField(payload Payload, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// mapField returns the payload field as a nested object if present.
func mapField(payload Payload, key string) (map[string]any, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// sliceField returns the payload field as a slice if present.
func sliceField(payload Payload, key string) ([]any, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
