// Package notification defines the canonical notification model produced
// by the ingestion pipeline and the raw pre-validation payload shape that
// transformers emit.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// ActionType enumerates the supported notification action kinds.
type ActionType string

const (
	ActionTypeURL      ActionType = "url"
	ActionTypeCallback ActionType = "callback"
	ActionTypeDismiss  ActionType = "dismiss"
)

// ValidActionType reports whether t is one of the enumerated action types.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionTypeURL, ActionTypeCallback, ActionTypeDismiss:
		return true
	}
	return false
}

// Priority levels for notifications. Priority 1 is the highest.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityLowest   = 5
)

// MaxTags caps the number of tags a notification may carry.
const MaxTags = 20

// Action represents an interactive action attached to a notification.
type Action struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Type     ActionType `json:"type"`
	URL      string     `json:"url,omitempty"`
	Callback string     `json:"callback,omitempty"`
	Style    string     `json:"style,omitempty"`
}

// Notification is the canonical, immutable notification entity. Title and
// Source are always non-empty once the pipeline has accepted a payload,
// and ID is unique across the process lifetime.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Content   string            `json:"content,omitempty"`
	Priority  int               `json:"priority"`
	Metadata  map[string]string `json:"metadata"`
	Actions   []Action          `json:"actions,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// RawPayload is the pre-validation shape produced by a transformer. All
// fields except Title and Source are optional. Original holds the
// untouched source payload for debugging and audit.
type RawPayload struct {
	ID        string            `json:"id,omitempty"`
	Title     string            `json:"title"`
	Source    string            `json:"source"`
	Timestamp string            `json:"timestamp,omitempty"`
	Content   string            `json:"content,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Actions   []Action          `json:"actions,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Original  map[string]any    `json:"_original,omitempty"`
}

// NewID generates a globally unique notification ID.
func NewID() string {
	return uuid.NewString()
}

// NormalizeTags deduplicates tags preserving first-seen order and caps
// the result at MaxTags. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// Clone creates a deep copy of the notification.
func (n *Notification) Clone() *Notification {
	clone := *n

	clone.Metadata = make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		clone.Metadata[k] = v
	}

	clone.Actions = make([]Action, len(n.Actions))
	copy(clone.Actions, n.Actions)

	clone.Tags = make([]string, len(n.Tags))
	copy(clone.Tags, n.Tags)

	return &clone
}

// HasTag reports whether the notification carries the given tag.
func (n *Notification) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesAnyTag reports whether the notification carries at least one of
// the given tags. An empty filter matches everything.
func (n *Notification) MatchesAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if n.HasTag(t) {
			return true
		}
	}
	return false
}
