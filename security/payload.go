package security

import (
	"encoding/json"
	"mime"
	"regexp"

	"github.com/kart-io/ingesthub/core/errors"
)

// PayloadValidatorConfig configures the abuse checks that run before
// schema validation, transport-agnostically.
type PayloadValidatorConfig struct {
	// AllowedContentTypes is the media-type allowlist for HTTP callers.
	AllowedContentTypes []string `json:"allowed_content_types" yaml:"allowed_content_types"`
	// MaxBytes rejects payloads over this size, before a full parse
	// when the transport knows the size up front.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`
	// HardBlockPatterns reject a payload on a single match. Defaults
	// cover unambiguous injection vectors.
	HardBlockPatterns []string `json:"hard_block_patterns" yaml:"hard_block_patterns"`
	// SuspiciousPatterns is the accumulating scan list for weaker
	// signals that only matter in combination.
	SuspiciousPatterns []string `json:"suspicious_patterns" yaml:"suspicious_patterns"`
	// SuspiciousThreshold rejects a payload once this many pattern
	// matches accumulate. Single benign matches pass; "suspicious
	// enough" payloads do not.
	SuspiciousThreshold int `json:"suspicious_threshold" yaml:"suspicious_threshold"`
}

// DefaultPayloadValidatorConfig returns the documented defaults.
func DefaultPayloadValidatorConfig() PayloadValidatorConfig {
	return PayloadValidatorConfig{
		AllowedContentTypes: []string{"application/json"},
		MaxBytes:            1 << 20, // 1MB
		HardBlockPatterns: []string{
			`(?i)<script\b`,
			`"__proto__"`,
		},
		SuspiciousPatterns: []string{
			`(?i)\beval\s*\(`,
			`(?i)javascript:`,
			`"prototype"`,
			`"constructor"`,
			`(?i)on\w+\s*=`,
		},
		SuspiciousThreshold: 3,
	}
}

// PayloadValidator screens raw request bodies for abuse: content type,
// size ceiling, JSON well-formedness, then the suspicious-pattern scan.
type PayloadValidator struct {
	config    PayloadValidatorConfig
	hardBlock []*regexp.Regexp
	patterns  []*regexp.Regexp
}

// NewPayloadValidator compiles the configured patterns. An invalid
// pattern is an error; the scan list is security policy and a silent
// skip would weaken it.
func NewPayloadValidator(config PayloadValidatorConfig) (*PayloadValidator, error) {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 1 << 20
	}
	if config.SuspiciousThreshold <= 0 {
		config.SuspiciousThreshold = 3
	}
	if len(config.AllowedContentTypes) == 0 {
		config.AllowedContentTypes = []string{"application/json"}
	}

	compile := func(list []string) ([]*regexp.Regexp, error) {
		compiled := make([]*regexp.Regexp, 0, len(list))
		for _, p := range list {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, errors.Wrap(errors.CodeInvalidConfig, errors.CategoryConfig,
					"invalid suspicious pattern "+p, err)
			}
			compiled = append(compiled, re)
		}
		return compiled, nil
	}

	hardBlock, err := compile(config.HardBlockPatterns)
	if err != nil {
		return nil, err
	}
	patterns, err := compile(config.SuspiciousPatterns)
	if err != nil {
		return nil, err
	}

	return &PayloadValidator{config: config, hardBlock: hardBlock, patterns: patterns}, nil
}

// CheckContentType validates a Content-Type header value against the allowlist.
func (v *PayloadValidator) CheckContentType(contentType string) *errors.IngestError {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return errors.ErrUnsupportedMedia
	}
	for _, allowed := range v.config.AllowedContentTypes {
		if mediaType == allowed {
			return nil
		}
	}
	return errors.ErrUnsupportedMedia
}

// CheckSize validates a known payload size (e.g. from a Content-Length
// header) against the ceiling without reading the body.
func (v *PayloadValidator) CheckSize(size int64) *errors.IngestError {
	if size > v.config.MaxBytes {
		return errors.ErrPayloadTooLarge
	}
	return nil
}

// MaxBytes exposes the configured ceiling so transports can cap reads.
func (v *PayloadValidator) MaxBytes() int64 {
	return v.config.MaxBytes
}

// CheckBody runs the full body screen: size, JSON well-formedness and
// the two-tier suspicious-pattern scan.
func (v *PayloadValidator) CheckBody(body []byte) *errors.IngestError {
	if int64(len(body)) > v.config.MaxBytes {
		return errors.ErrPayloadTooLarge
	}
	if !json.Valid(body) {
		return errors.ErrInvalidJSON
	}

	// Tier one: a single hard-block match is terminal.
	for _, re := range v.hardBlock {
		if re.Match(body) {
			return errors.ErrSuspiciousPayload
		}
	}

	// Tier two: weaker signals accumulate against the threshold.
	matches := 0
	for _, re := range v.patterns {
		matches += len(re.FindAll(body, v.config.SuspiciousThreshold))
		if matches >= v.config.SuspiciousThreshold {
			return errors.ErrSuspiciousPayload
		}
	}
	return nil
}
