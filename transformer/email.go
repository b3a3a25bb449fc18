package transformer

import (
	"fmt"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
)

// EmailTransformer converts email-shaped payloads (subject/from/body)
// into raw notifications.
type EmailTransformer struct{}

// NewEmailTransformer creates the email transformer.
func NewEmailTransformer() *EmailTransformer {
	return &EmailTransformer{}
}

// Name implements Transformer.
func (t *EmailTransformer) Name() string { return "email" }

// Priority implements Transformer.
func (t *EmailTransformer) Priority() int { return 50 }

// Detect recognizes payloads with a subject plus at least one of the
// usual email envelope fields.
func (t *EmailTransformer) Detect(payload Payload) bool {
	if _, ok := stringField(payload, "subject"); !ok {
		return false
	}
	for _, key := range []string{"from", "sender", "to"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}

// Transform implements Transformer.
func (t *EmailTransformer) Transform(payload Payload) Result {
	subject, ok := stringField(payload, "subject")
	if !ok {
		return Result{Err: errors.Newf(errors.CodeTransformationFailed, errors.CategoryTransformation,
			"email payload has no subject")}
	}

	from, _ := stringField(payload, "from")
	if from == "" {
		from, _ = stringField(payload, "sender")
	}

	raw := &notification.RawPayload{
		Title:    subject,
		Source:   "email",
		Priority: notification.PriorityNormal,
		Metadata: map[string]string{},
		Tags:     []string{"email"},
		Original: payload,
	}
	if from != "" {
		raw.Title = fmt.Sprintf("%s: %s", from, subject)
		raw.Metadata["from"] = from
	}

	for _, key := range []string{"body", "text", "html"} {
		if body, ok := stringField(payload, key); ok {
			raw.Content = body
			break
		}
	}
	if ts, ok := stringField(payload, "date"); ok {
		raw.Timestamp = ts
	}

	return Result{Success: true, Data: raw, Confidence: 0.8}
}
