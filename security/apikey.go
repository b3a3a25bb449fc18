package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/logger"
)

// API key scopes.
const (
	ScopeIngestWrite = "ingest:write"
	ScopeIngestBatch = "ingest:batch"
	ScopeAdmin       = "admin"
)

// keyPrefix marks ingesthub API keys. The plaintext format is
// "ihk_<id>_<secret>" so validation can locate the record without a
// bcrypt comparison against every stored hash.
const keyPrefix = "ihk"

// APIKey is the stored key record. KeyHash is a one-way bcrypt hash;
// the plaintext is returned exactly once at creation and never stored.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"isActive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// HasScope reports whether the key grants the scope. Admin implies all.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// KeyValidation is the outcome of validating a plaintext key.
type KeyValidation struct {
	IsValid bool
	APIKey  *APIKey
	Err     *errors.IngestError
	// ShouldRotate warns that the key is past the rotation period. A
	// soft signal, never a hard failure.
	ShouldRotate bool
}

// SeedKey is a pre-provisioned key loaded from configuration, so keys
// survive process restarts. Only the bcrypt hash lives in config.
type SeedKey struct {
	ID     string   `json:"id" yaml:"id"`
	Hash   string   `json:"hash" yaml:"hash"`
	Name   string   `json:"name" yaml:"name"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

// APIKeyConfig configures hashing cost, rotation policy and seed keys.
type APIKeyConfig struct {
	BcryptCost     int           `json:"bcrypt_cost" yaml:"bcrypt_cost"`
	RotationPeriod time.Duration `json:"rotation_period" yaml:"rotation_period"`
	Seed           []SeedKey     `json:"seed" yaml:"seed"`
}

// DefaultAPIKeyConfig returns the documented defaults.
func DefaultAPIKeyConfig() APIKeyConfig {
	return APIKeyConfig{
		BcryptCost:     bcrypt.DefaultCost,
		RotationPeriod: 90 * 24 * time.Hour,
	}
}

// APIKeyManager issues, validates, rotates and revokes API keys.
type APIKeyManager struct {
	config APIKeyConfig
	logger logger.Logger

	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewAPIKeyManager creates a key manager, loading any seed keys from
// configuration.
func NewAPIKeyManager(config APIKeyConfig, log logger.Logger) *APIKeyManager {
	if config.BcryptCost < bcrypt.MinCost || config.BcryptCost > bcrypt.MaxCost {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.RotationPeriod <= 0 {
		config.RotationPeriod = 90 * 24 * time.Hour
	}
	m := &APIKeyManager{
		config: config,
		logger: log,
		keys:   make(map[string]*APIKey),
	}
	now := time.Now()
	for _, seed := range config.Seed {
		if seed.ID == "" || seed.Hash == "" {
			log.Warn("skipping seed key with missing id or hash", "name", seed.Name)
			continue
		}
		m.keys[seed.ID] = &APIKey{
			ID:        seed.ID,
			KeyHash:   seed.Hash,
			Name:      seed.Name,
			Scopes:    append([]string{}, seed.Scopes...),
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return m
}

// Generate creates a new key. The returned plaintext is the only copy;
// the manager stores just the hash.
func (m *APIKeyManager) Generate(name string, scopes []string, expiresIn time.Duration) (string, *APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("key name cannot be empty")
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generating key secret: %w", err)
	}

	id := uuid.NewString()
	plaintext := fmt.Sprintf("%s_%s_%s", keyPrefix, id, hex.EncodeToString(secret))

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), m.config.BcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now()
	key := &APIKey{
		ID:        id,
		KeyHash:   string(hash),
		Name:      name,
		Scopes:    append([]string{}, scopes...),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		key.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()

	m.logger.Info("api key generated", "id", id, "name", name, "scopes", strings.Join(scopes, ","))
	return plaintext, key.clone(), nil
}

// Validate checks a plaintext key: hash comparison, active flag and
// expiry. It also flags keys past the rotation period.
func (m *APIKeyManager) Validate(plaintext string) KeyValidation {
	id, ok := parseKeyID(plaintext)
	if !ok {
		return KeyValidation{Err: errors.ErrUnauthorized}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keys[id]
	if !exists {
		return KeyValidation{Err: errors.ErrUnauthorized}
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
		return KeyValidation{Err: errors.ErrUnauthorized}
	}
	if !key.IsActive {
		return KeyValidation{Err: errors.ErrUnauthorized}
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return KeyValidation{Err: errors.ErrUnauthorized}
	}

	now := time.Now()
	key.LastUsedAt = &now

	return KeyValidation{
		IsValid:      true,
		APIKey:       key.clone(),
		ShouldRotate: now.Sub(key.UpdatedAt) > m.config.RotationPeriod,
	}
}

// Authorize checks a scope on an already validated key. A valid but
// insufficiently scoped key is FORBIDDEN, not UNAUTHORIZED.
func (m *APIKeyManager) Authorize(key *APIKey, scope string) *errors.IngestError {
	if key == nil {
		return errors.ErrUnauthorized
	}
	if !key.HasScope(scope) {
		return errors.ErrForbidden
	}
	return nil
}

// Rotate replaces the key's secret, returning the new plaintext. The
// record keeps its ID, name and scopes; UpdatedAt is bumped so the
// rotation warning clears.
func (m *APIKeyManager) Rotate(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keys[id]
	if !exists {
		return "", fmt.Errorf("api key %s not found", id)
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating key secret: %w", err)
	}
	plaintext := fmt.Sprintf("%s_%s_%s", keyPrefix, id, hex.EncodeToString(secret))

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), m.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	key.KeyHash = string(hash)
	key.UpdatedAt = time.Now()

	m.logger.Info("api key rotated", "id", id)
	return plaintext, nil
}

// Revoke deactivates a key. The record remains for audit purposes.
func (m *APIKeyManager) Revoke(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.keys[id]
	if !exists {
		return fmt.Errorf("api key %s not found", id)
	}
	key.IsActive = false
	key.UpdatedAt = time.Now()

	m.logger.Info("api key revoked", "id", id)
	return nil
}

// Delete removes a key record entirely. Explicit admin action only.
func (m *APIKeyManager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[id]; !exists {
		return fmt.Errorf("api key %s not found", id)
	}
	delete(m.keys, id)

	m.logger.Info("api key deleted", "id", id)
	return nil
}

// List returns all key records (hashes excluded from JSON).
func (m *APIKeyManager) List() []*APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*APIKey, 0, len(m.keys))
	for _, key := range m.keys {
		keys = append(keys, key.clone())
	}
	return keys
}

func (k *APIKey) clone() *APIKey {
	clone := *k
	clone.Scopes = append([]string{}, k.Scopes...)
	if k.ExpiresAt != nil {
		exp := *k.ExpiresAt
		clone.ExpiresAt = &exp
	}
	if k.LastUsedAt != nil {
		used := *k.LastUsedAt
		clone.LastUsedAt = &used
	}
	return &clone
}

// parseKeyID extracts the record ID from a plaintext key.
func parseKeyID(plaintext string) (string, bool) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return "", false
	}
	return parts[1], true
}
