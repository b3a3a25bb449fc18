package transformer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
)

// PassthroughTransformer handles payloads already shaped like a raw
// notification: explicit title and source, optionally carrying id,
// priority, content, metadata, tags and actions. Caller-supplied fields
// are preserved verbatim so the pipeline validates what the caller sent
// rather than a regenerated default.
type PassthroughTransformer struct{}

// NewPassthroughTransformer creates the passthrough transformer.
func NewPassthroughTransformer() *PassthroughTransformer {
	return &PassthroughTransformer{}
}

// Name implements Transformer.
func (t *PassthroughTransformer) Name() string { return "passthrough" }

// Priority implements Transformer. Highest of the built-ins: a payload
// that spells out title and source is claiming the canonical shape.
func (t *PassthroughTransformer) Priority() int { return 110 }

// Detect recognizes payloads with explicit title and source fields.
func (t *PassthroughTransformer) Detect(payload Payload) bool {
	if _, ok := stringField(payload, "title"); !ok {
		return false
	}
	_, ok := stringField(payload, "source")
	return ok
}

// Transform implements Transformer.
func (t *PassthroughTransformer) Transform(payload Payload) Result {
	title, ok := stringField(payload, "title")
	if !ok {
		return Result{Err: errors.New(errors.CodeTransformationFailed, errors.CategoryTransformation,
			"passthrough payload has no title")}
	}
	source, ok := stringField(payload, "source")
	if !ok {
		return Result{Err: errors.New(errors.CodeTransformationFailed, errors.CategoryTransformation,
			"passthrough payload has no source")}
	}

	raw := &notification.RawPayload{
		Title:    title,
		Source:   source,
		Metadata: map[string]string{},
		Original: payload,
	}

	if id, ok := stringField(payload, "id"); ok {
		raw.ID = id
	}
	if content, ok := stringField(payload, "content"); ok {
		raw.Content = content
	}
	if ts, ok := stringField(payload, "timestamp"); ok {
		raw.Timestamp = ts
	}
	if p, ok := intField(payload, "priority"); ok {
		raw.Priority = p
	}

	if meta, ok := mapField(payload, "metadata"); ok {
		for k, v := range meta {
			raw.Metadata[k] = stringify(v)
		}
	}
	// Routing identifiers may also arrive at the top level.
	for _, key := range []string{"user_id", "project_id"} {
		if v, ok := stringField(payload, key); ok {
			raw.Metadata[key] = v
		}
	}

	if tags, ok := sliceField(payload, "tags"); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok && s != "" {
				raw.Tags = append(raw.Tags, s)
			}
		}
	}

	if actions, ok := payload["actions"]; ok {
		if encoded, err := json.Marshal(actions); err == nil {
			var parsed []notification.Action
			if err := json.Unmarshal(encoded, &parsed); err == nil {
				raw.Actions = parsed
			}
		}
	}

	return Result{Success: true, Data: raw, Confidence: 0.9}
}

// intField returns the payload field as an int, accepting the JSON
// number form (float64) as well as numeric strings.
func intField(payload Payload, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

// stringify renders a metadata value as a string. Scalars format
// directly; nested structures fall back to their JSON encoding.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
