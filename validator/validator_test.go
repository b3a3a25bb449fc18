package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/core/notification"
)

func validRaw() *notification.RawPayload {
	return &notification.RawPayload{
		Title:  "build finished",
		Source: "ci",
	}
}

func fieldNames(details []FieldError) []string {
	names := make([]string, 0, len(details))
	for _, d := range details {
		names = append(names, d.Field)
	}
	return names
}

func TestValidateRawAcceptsMinimalPayload(t *testing.T) {
	result := ValidateRaw(validRaw())
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Details)
}

func TestValidateRawRequiresTitleAndSource(t *testing.T) {
	result := ValidateRaw(&notification.RawPayload{})
	require.False(t, result.IsValid)
	assert.Contains(t, fieldNames(result.Details), "title")
	assert.Contains(t, fieldNames(result.Details), "source")
}

func TestValidateRawLengthLimits(t *testing.T) {
	raw := validRaw()
	raw.Title = strings.Repeat("x", MaxTitleLength+1)
	raw.Source = strings.Repeat("y", MaxSourceLength+1)
	raw.Tags = []string{strings.Repeat("z", MaxTagLength+1)}

	result := ValidateRaw(raw)
	require.False(t, result.IsValid)
	names := fieldNames(result.Details)
	assert.Contains(t, names, "title")
	assert.Contains(t, names, "source")
	assert.Contains(t, names, "tags[0]")
}

func TestValidateRawPriorityRange(t *testing.T) {
	raw := validRaw()
	raw.Priority = 6
	assert.False(t, ValidateRaw(raw).IsValid)

	raw.Priority = 0 // unset, defaulted later by enrichment
	assert.True(t, ValidateRaw(raw).IsValid)

	raw.Priority = 1
	assert.True(t, ValidateRaw(raw).IsValid)
}

func TestValidateRawActionTypes(t *testing.T) {
	raw := validRaw()
	raw.Actions = []notification.Action{
		{ID: "a1", Label: "Open", Type: "popup"},
		{Label: "Dismiss", Type: notification.ActionTypeDismiss},
	}

	result := ValidateRaw(raw)
	require.False(t, result.IsValid)
	names := fieldNames(result.Details)
	assert.Contains(t, names, "actions[0].type")
	assert.Contains(t, names, "actions[1].id")
}

func TestValidateRawTimestamp(t *testing.T) {
	raw := validRaw()
	raw.Timestamp = "not-a-date"
	assert.False(t, ValidateRaw(raw).IsValid)

	raw.Timestamp = "2026-08-31T10:15:00Z"
	assert.True(t, ValidateRaw(raw).IsValid)
}

func TestParseTimestampFormats(t *testing.T) {
	for _, s := range []string{
		"2026-08-31T10:15:00Z",
		"2026-08-31T10:15:00.123Z",
		"2026-08-31T10:15:00",
		"2026-08-31 10:15:00",
		"2026-08-31",
	} {
		_, err := ParseTimestamp(s)
		assert.NoError(t, err, "timestamp %q", s)
	}

	_, err := ParseTimestamp("31/08/2026")
	assert.Error(t, err)
}

func TestSanitizeStripsScriptBlocks(t *testing.T) {
	dirty := `Hello <script type="text/javascript">alert(1)</script>world`
	assert.Equal(t, "Hello world", SanitizeString(dirty))
}

func TestSanitizeStripsIframesAndHandlers(t *testing.T) {
	dirty := `<iframe src="evil"></iframe><a href="x" onclick="steal()">link</a>`
	clean := SanitizeString(dirty)
	assert.NotContains(t, clean, "iframe")
	assert.NotContains(t, clean, "onclick")
	assert.Contains(t, clean, "link")
}

func TestSanitizeStripsJavascriptURIs(t *testing.T) {
	assert.Equal(t, "alert(1)", SanitizeString("javascript:alert(1)"))
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		`plain text`,
		`<script>x</script>hello`,
		`<a onmouseover=hack>y</a>`,
		`javascript:void(0)`,
	}
	for _, in := range inputs {
		once := SanitizeString(in)
		assert.Equal(t, once, SanitizeString(once), "input %q", in)
	}
}

func TestSanitizePayloadFields(t *testing.T) {
	raw := validRaw()
	raw.Title = `deploy <script>alert(1)</script>done`
	raw.Content = `<iframe src="x"></iframe>body`
	raw.Metadata = map[string]string{"note": `javascript:alert(2)`}
	raw.Actions = []notification.Action{{ID: "a", Label: `<script>l</script>Open`, Type: notification.ActionTypeURL, URL: "javascript:bad()"}}

	Sanitize(raw)
	assert.Equal(t, "deploy done", raw.Title)
	assert.Equal(t, "body", raw.Content)
	assert.Equal(t, "alert(2)", raw.Metadata["note"])
	assert.Equal(t, "Open", raw.Actions[0].Label)
	assert.Equal(t, "bad()", raw.Actions[0].URL)
}

func TestValidateFinal(t *testing.T) {
	n := &notification.Notification{
		ID:       notification.NewID(),
		Title:    "t",
		Source:   "s",
		Priority: notification.PriorityNormal,
	}
	details := ValidateFinal(n)
	require.Len(t, details, 1)
	assert.Equal(t, "timestamp", details[0].Field)
}
