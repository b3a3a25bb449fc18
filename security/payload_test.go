package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/core/errors"
)

func newPayloadValidator(t *testing.T, config PayloadValidatorConfig) *PayloadValidator {
	t.Helper()
	v, err := NewPayloadValidator(config)
	require.NoError(t, err)
	return v
}

func TestContentTypeAllowlist(t *testing.T) {
	v := newPayloadValidator(t, DefaultPayloadValidatorConfig())

	assert.Nil(t, v.CheckContentType("application/json"))
	assert.Nil(t, v.CheckContentType("application/json; charset=utf-8"))
	assert.NotNil(t, v.CheckContentType("text/html"))
	assert.NotNil(t, v.CheckContentType(""))
}

func TestSizeCeiling(t *testing.T) {
	config := DefaultPayloadValidatorConfig()
	config.MaxBytes = 10
	v := newPayloadValidator(t, config)

	assert.Nil(t, v.CheckSize(10))
	assert.Equal(t, errors.CodePayloadTooLarge, v.CheckSize(11).Code)
	assert.Equal(t, errors.CodePayloadTooLarge, v.CheckBody([]byte(`{"a":"bcdefg"}`)).Code)
}

func TestJSONWellFormedness(t *testing.T) {
	v := newPayloadValidator(t, DefaultPayloadValidatorConfig())

	assert.Nil(t, v.CheckBody([]byte(`{"title":"ok"}`)))
	err := v.CheckBody([]byte(`{"title": unclosed`))
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeInvalidJSON, err.Code)
}

func TestHardBlockSingleMatch(t *testing.T) {
	v := newPayloadValidator(t, DefaultPayloadValidatorConfig())

	// A lone hard-block match is terminal, no accumulation needed.
	err := v.CheckBody([]byte(`{"title":"<script>alert(1)</script>"}`))
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeSuspiciousPayload, err.Code)

	err = v.CheckBody([]byte(`{"__proto__":{"admin":true}}`))
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeSuspiciousPayload, err.Code)
}

func TestSuspiciousThreshold(t *testing.T) {
	config := DefaultPayloadValidatorConfig()
	config.SuspiciousThreshold = 3
	v := newPayloadValidator(t, config)

	// One weak match is benign.
	assert.Nil(t, v.CheckBody([]byte(`{"note":"discussing javascript: uris"}`)))

	// Two weak matches still pass the threshold of three.
	assert.Nil(t, v.CheckBody([]byte(`{"a":"eval(x)","b":"javascript:void(0)"}`)))

	// Accumulated matches over the threshold are rejected even though
	// no single pattern is individually forbidden.
	body := []byte(`{"a":"eval(x)","b":"javascript:void(0)","c":{"prototype":1}}`)
	err := v.CheckBody(body)
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeSuspiciousPayload, err.Code)
}

func TestInvalidPatternFailsConstruction(t *testing.T) {
	config := DefaultPayloadValidatorConfig()
	config.SuspiciousPatterns = []string{"(unclosed"}
	_, err := NewPayloadValidator(config)
	assert.Error(t, err)

	config = DefaultPayloadValidatorConfig()
	config.HardBlockPatterns = []string{"(unclosed"}
	_, err = NewPayloadValidator(config)
	assert.Error(t, err)
}
