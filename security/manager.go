package security

import (
	"context"
	"time"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/logger"
)

// SecurityContext is built fresh for every request or connection and
// never persisted or shared across requests.
type SecurityContext struct {
	IPAddress string
	UserAgent string
	APIKey    *APIKey
	RateLimit RateLimitDecision
	Transport string
	Validated bool
}

// Config bundles the perimeter configuration.
type Config struct {
	RateLimit RateLimitConfig         `json:"rate_limit" yaml:"rate_limit"`
	APIKeys   APIKeyConfig            `json:"api_keys" yaml:"api_keys"`
	Allowlist IPAllowlistConfig       `json:"allowlist" yaml:"allowlist"`
	Payload   PayloadValidatorConfig  `json:"payload" yaml:"payload"`
	Transport TransportSecurityConfig `json:"transport" yaml:"transport"`
	Audit     AuditConfig             `json:"audit" yaml:"audit"`
	// RequireAPIKey rejects unauthenticated ingestion when set.
	RequireAPIKey bool `json:"require_api_key" yaml:"require_api_key"`
}

// DefaultConfig returns the documented security defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit: DefaultRateLimitConfig(),
		APIKeys:   DefaultAPIKeyConfig(),
		Allowlist: IPAllowlistConfig{AllowLocalhost: true},
		Payload:   DefaultPayloadValidatorConfig(),
		Audit:     DefaultAuditConfig(),
	}
}

// Manager owns the independently stateful security components and
// offers the perimeter check every transport runs before handing a
// payload to the processor.
type Manager struct {
	config Config
	logger logger.Logger

	RateLimiter *RateLimiter
	Keys        *APIKeyManager
	Allowlist   *IPAllowlist
	Payloads    *PayloadValidator
	Transport   *TransportSecurity
	Audit       *AuditLogger
}

// NewManager wires the perimeter. store selects the rate-limit backing;
// pass NewMemoryRateLimitStore() for single-instance deployments.
func NewManager(config Config, store RateLimitStore, log logger.Logger) (*Manager, error) {
	allowlist, err := NewIPAllowlist(config.Allowlist, log)
	if err != nil {
		return nil, err
	}

	payloads, err := NewPayloadValidator(config.Payload)
	if err != nil {
		allowlist.Stop()
		return nil, err
	}

	audit, err := NewAuditLogger(config.Audit, log)
	if err != nil {
		allowlist.Stop()
		return nil, err
	}

	return &Manager{
		config:      config,
		logger:      log,
		RateLimiter: NewRateLimiter(config.RateLimit, store, log),
		Keys:        NewAPIKeyManager(config.APIKeys, log),
		Allowlist:   allowlist,
		Payloads:    payloads,
		Transport:   NewTransportSecurity(config.Transport),
		Audit:       audit,
	}, nil
}

// Authorize runs the transport-agnostic perimeter for one request:
// IP allowlist, API key authentication, then rate limiting. It returns
// a fresh SecurityContext on success.
func (m *Manager) Authorize(ctx context.Context, transport, ip, userAgent, apiKey, endpoint string) (*SecurityContext, *errors.IngestError) {
	sc := &SecurityContext{
		IPAddress: ip,
		UserAgent: userAgent,
		Transport: transport,
	}

	if !m.Allowlist.Allowed(ip) {
		return sc, errors.ErrIPBlocked
	}

	keyID := ""
	if apiKey != "" {
		validation := m.Keys.Validate(apiKey)
		if !validation.IsValid {
			return sc, validation.Err
		}
		sc.APIKey = validation.APIKey
		keyID = validation.APIKey.ID
		if validation.ShouldRotate {
			m.logger.Warn("api key past rotation period", "id", keyID)
		}
	} else if m.config.RequireAPIKey {
		return sc, errors.ErrUnauthorized
	}

	decision := m.RateLimiter.Check(ctx, ip, keyID, endpoint)
	sc.RateLimit = decision
	if !decision.Allowed {
		return sc, errors.ErrRateLimitExceeded
	}

	sc.Validated = true
	return sc, nil
}

// AuditRequest records one perimeter decision.
func (m *Manager) AuditRequest(sc *SecurityContext, endpoint, method string, success bool, status int, responseTime time.Duration, payloadSize int64, errMsg string) {
	entry := &AuditLogEntry{
		Source:       sc.Transport,
		Method:       method,
		Endpoint:     endpoint,
		IPAddress:    sc.IPAddress,
		UserAgent:    sc.UserAgent,
		Success:      success,
		StatusCode:   status,
		ResponseTime: responseTime,
		PayloadSize:  payloadSize,
		Error:        errMsg,
	}
	if sc.APIKey != nil {
		entry.APIKeyID = sc.APIKey.ID
	}
	m.Audit.Record(entry)
}

// Stop shuts down the stateful components.
func (m *Manager) Stop() {
	m.RateLimiter.Stop()
	m.Allowlist.Stop()
	m.Audit.Stop()
}
