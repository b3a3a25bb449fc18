package validator

import (
	"regexp"

	"github.com/kart-io/ingesthub/core/notification"
)

// Patterns stripped from free-text fields. Sanitization runs
// unconditionally after validation, before the data is trusted.
var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	iframeBlockRe  = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`)
	orphanTagRe    = regexp.MustCompile(`(?i)</?(?:script|iframe)\b[^>]*>`)
	eventHandlerRe = regexp.MustCompile(`(?i)\son\w+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	jsURIRe        = regexp.MustCompile(`(?i)javascript:`)
)

// SanitizeString strips script and iframe blocks, inline event handlers
// and javascript: URIs from a string. Idempotent: sanitizing an already
// clean string returns it unchanged.
func SanitizeString(s string) string {
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = iframeBlockRe.ReplaceAllString(s, "")
	s = orphanTagRe.ReplaceAllString(s, "")
	s = eventHandlerRe.ReplaceAllString(s, "")
	s = jsURIRe.ReplaceAllString(s, "")
	return s
}

// Sanitize cleans every free-text field of a raw payload in place and
// returns it.
func Sanitize(raw *notification.RawPayload) *notification.RawPayload {
	if raw == nil {
		return nil
	}

	raw.Title = SanitizeString(raw.Title)
	raw.Content = SanitizeString(raw.Content)

	for k, v := range raw.Metadata {
		raw.Metadata[k] = SanitizeString(v)
	}
	for i := range raw.Tags {
		raw.Tags[i] = SanitizeString(raw.Tags[i])
	}
	for i := range raw.Actions {
		raw.Actions[i].Label = SanitizeString(raw.Actions[i].Label)
		raw.Actions[i].URL = SanitizeString(raw.Actions[i].URL)
	}
	return raw
}
