// Package validator enforces the canonical notification schema and
// strips unsafe markup from free-text fields.
package validator

import (
	"fmt"
	"time"

	"github.com/kart-io/ingesthub/core/notification"
)

// Field length limits for the canonical schema.
const (
	MaxTitleLength  = 500
	MaxSourceLength = 255
	MaxTagLength    = 64
)

// FieldError describes a single validation failure with enough context
// for the caller to self-correct.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a raw payload. A payload
// is never partially accepted: IsValid is false if any field fails.
type ValidationResult struct {
	IsValid bool                     `json:"isValid"`
	Data    *notification.RawPayload `json:"data,omitempty"`
	Details []FieldError             `json:"details,omitempty"`
}

// ValidateRaw checks the structural constraints of a raw payload. It
// collects every field error rather than stopping at the first.
func ValidateRaw(raw *notification.RawPayload) ValidationResult {
	var details []FieldError

	if raw == nil {
		return ValidationResult{Details: []FieldError{{Field: "", Message: "payload is nil"}}}
	}

	if raw.Title == "" {
		details = append(details, FieldError{Field: "title", Message: "title is required"})
	} else if len(raw.Title) > MaxTitleLength {
		details = append(details, FieldError{
			Field:   "title",
			Message: fmt.Sprintf("title exceeds %d characters", MaxTitleLength),
		})
	}

	if raw.Source == "" {
		details = append(details, FieldError{Field: "source", Message: "source is required"})
	} else if len(raw.Source) > MaxSourceLength {
		details = append(details, FieldError{
			Field:   "source",
			Message: fmt.Sprintf("source exceeds %d characters", MaxSourceLength),
		})
	}

	if raw.Priority != 0 && (raw.Priority < notification.PriorityCritical || raw.Priority > notification.PriorityLowest) {
		details = append(details, FieldError{Field: "priority", Message: "priority must be between 1 and 5"})
	}

	if raw.Timestamp != "" {
		if _, err := ParseTimestamp(raw.Timestamp); err != nil {
			details = append(details, FieldError{Field: "timestamp", Message: "timestamp is not a valid ISO-8601 date"})
		}
	}

	for i, tag := range raw.Tags {
		if len(tag) > MaxTagLength {
			details = append(details, FieldError{
				Field:   fmt.Sprintf("tags[%d]", i),
				Message: fmt.Sprintf("tag exceeds %d characters", MaxTagLength),
			})
		}
	}

	for i, action := range raw.Actions {
		if action.ID == "" {
			details = append(details, FieldError{
				Field:   fmt.Sprintf("actions[%d].id", i),
				Message: "action id is required",
			})
		}
		if action.Label == "" {
			details = append(details, FieldError{
				Field:   fmt.Sprintf("actions[%d].label", i),
				Message: "action label is required",
			})
		}
		if !notification.ValidActionType(action.Type) {
			details = append(details, FieldError{
				Field:   fmt.Sprintf("actions[%d].type", i),
				Message: "action type must be one of url, callback, dismiss",
			})
		}
	}

	if len(details) > 0 {
		return ValidationResult{Details: details}
	}
	return ValidationResult{IsValid: true, Data: raw}
}

// ValidateFinal re-checks the canonical invariants after enrichment.
// This is a hard gate against transformer or enrichment bugs.
func ValidateFinal(n *notification.Notification) []FieldError {
	var details []FieldError

	if n.ID == "" {
		details = append(details, FieldError{Field: "id", Message: "id is required"})
	}
	if n.Title == "" {
		details = append(details, FieldError{Field: "title", Message: "title is required"})
	}
	if n.Source == "" {
		details = append(details, FieldError{Field: "source", Message: "source is required"})
	}
	if n.Timestamp.IsZero() {
		details = append(details, FieldError{Field: "timestamp", Message: "timestamp is required"})
	}
	if n.Priority < notification.PriorityCritical || n.Priority > notification.PriorityLowest {
		details = append(details, FieldError{Field: "priority", Message: "priority must be between 1 and 5"})
	}
	if len(n.Tags) > notification.MaxTags {
		details = append(details, FieldError{Field: "tags", Message: "too many tags"})
	}
	return details
}

// timestampLayouts are accepted source timestamp formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601-ish timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
