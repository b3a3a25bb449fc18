// Package security implements the ingestion security perimeter: rate
// limiting, API key management, IP allowlisting, payload abuse checks,
// transport hardening and audit logging.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/ingesthub/logger"
)

// RateLimitConfig holds the fixed-window ceilings. A request is rejected
// if any applicable counter is exceeded.
type RateLimitConfig struct {
	Window      time.Duration `json:"window" yaml:"window"`
	PerIP       int           `json:"per_ip" yaml:"per_ip"`
	PerKey      int           `json:"per_key" yaml:"per_key"`
	PerEndpoint int           `json:"per_endpoint" yaml:"per_endpoint"`
	// PerConnection is the WebSocket per-connection ceiling. It runs on
	// the same fixed-window store as the HTTP limiter, just under its
	// own key class.
	PerConnection int `json:"per_connection" yaml:"per_connection"`
	// SweepInterval bounds memory: expired buckets are dropped this often.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultRateLimitConfig returns the documented defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:        time.Minute,
		PerIP:         100,
		PerKey:        300,
		PerEndpoint:   1000,
		PerConnection: 60,
		SweepInterval: 5 * time.Minute,
	}
}

// RateLimitDecision is returned for every check. On rejection Remaining
// is zero and ResetTime tells the caller when the window reopens.
type RateLimitDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// RateLimitStore abstracts the counter storage so a shared external
// store can back multi-instance deployments. Increment bumps the
// counter for key, creating it with the given window on first use, and
// returns the new count and the window's reset time.
type RateLimitStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, reset time.Time, err error)
	// Sweep drops expired buckets. A no-op for stores with native TTLs.
	Sweep(ctx context.Context) error
}

// RateLimiter applies fixed-window counters keyed independently by IP,
// API key id and (endpoint, caller). Counters are created lazily and
// swept periodically.
type RateLimiter struct {
	config RateLimitConfig
	store  RateLimitStore
	logger logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter creates a rate limiter over the given store. Pass a
// MemoryRateLimitStore for single-instance deployments (the in-process
// store is only correct when exactly one instance serves the traffic)
// or a RedisRateLimitStore to share windows across instances.
func NewRateLimiter(config RateLimitConfig, store RateLimitStore, log logger.Logger) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		config: config,
		store:  store,
		logger: log,
		stopCh: make(chan struct{}),
	}

	rl.wg.Add(1)
	go rl.sweepLoop()
	return rl
}

// CheckIP enforces the per-IP ceiling.
func (rl *RateLimiter) CheckIP(ctx context.Context, ip string) RateLimitDecision {
	return rl.check(ctx, "ip:"+ip, rl.config.PerIP)
}

// CheckKey enforces the per-API-key ceiling.
func (rl *RateLimiter) CheckKey(ctx context.Context, keyID string) RateLimitDecision {
	return rl.check(ctx, "key:"+keyID, rl.config.PerKey)
}

// CheckEndpoint enforces the (endpoint, caller) ceiling.
func (rl *RateLimiter) CheckEndpoint(ctx context.Context, endpoint, caller string) RateLimitDecision {
	return rl.check(ctx, fmt.Sprintf("endpoint:%s:%s", endpoint, caller), rl.config.PerEndpoint)
}

// CheckConnection enforces the WebSocket per-connection ceiling.
func (rl *RateLimiter) CheckConnection(ctx context.Context, connID string) RateLimitDecision {
	return rl.check(ctx, "conn:"+connID, rl.config.PerConnection)
}

// Check applies every applicable ceiling for a request; the request is
// rejected if any counter is exceeded. keyID may be empty for anonymous
// callers.
func (rl *RateLimiter) Check(ctx context.Context, ip, keyID, endpoint string) RateLimitDecision {
	decision := rl.CheckIP(ctx, ip)
	if !decision.Allowed {
		return decision
	}

	if keyID != "" {
		if d := rl.CheckKey(ctx, keyID); !d.Allowed {
			return d
		}
	}

	caller := keyID
	if caller == "" {
		caller = ip
	}
	if d := rl.CheckEndpoint(ctx, endpoint, caller); !d.Allowed {
		return d
	}
	return decision
}

func (rl *RateLimiter) check(ctx context.Context, key string, limit int) RateLimitDecision {
	if limit <= 0 {
		return RateLimitDecision{Allowed: true, Remaining: -1}
	}

	count, reset, err := rl.store.Increment(ctx, key, rl.config.Window)
	if err != nil {
		// A broken store must not take the service down with it; log
		// and let the request pass.
		rl.logger.Error("rate limit store failure, allowing request", "key", key, "error", err)
		return RateLimitDecision{Allowed: true, Remaining: -1}
	}

	if count > limit {
		return RateLimitDecision{Allowed: false, Remaining: 0, ResetTime: reset}
	}
	return RateLimitDecision{Allowed: true, Remaining: limit - count, ResetTime: reset}
}

// TrackedKeys returns the number of live counters when the backing
// store can report it, -1 otherwise (external stores own their keys).
func (rl *RateLimiter) TrackedKeys() int {
	if counter, ok := rl.store.(interface{ Len() int }); ok {
		return counter.Len()
	}
	return -1
}

// Stop halts the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.wg.Wait()
}

func (rl *RateLimiter) sweepLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			if err := rl.store.Sweep(context.Background()); err != nil {
				rl.logger.Warn("rate limit sweep failed", "error", err)
			}
		}
	}
}

// bucket is one fixed-window counter.
type bucket struct {
	count int
	reset time.Time
}

// MemoryRateLimitStore is the in-process counter store. Correct only
// for single-instance deployments.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryRateLimitStore creates an empty in-memory store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Increment implements RateLimitStore.
func (s *MemoryRateLimitStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.reset) {
		b = &bucket{reset: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.reset, nil
}

// Sweep implements RateLimitStore.
func (s *MemoryRateLimitStore) Sweep(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if !now.Before(b.reset) {
			delete(s.buckets, key)
		}
	}
	return nil
}

// Len returns the number of live buckets, for stats reporting.
func (s *MemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
