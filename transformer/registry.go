package transformer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/logger"
)

// Registry holds the registered transformers and resolves which one
// handles a given payload. It is read-mostly and safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	transformers []registered
	byName       map[string]struct{}
	fallback     Transformer
	logger       logger.Logger
}

type registered struct {
	transformer Transformer
	order       int
}

// NewRegistry creates a registry with the generic transformer as fallback.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		byName:   make(map[string]struct{}),
		fallback: NewGenericTransformer(),
		logger:   log,
	}
}

// NewDefaultRegistry creates a registry preloaded with the built-in
// passthrough, GitHub and email transformers.
func NewDefaultRegistry(log logger.Logger) *Registry {
	r := NewRegistry(log)
	// Built-ins cannot collide, ignore the duplicate-name error.
	_ = r.Register(NewPassthroughTransformer())
	_ = r.Register(NewGitHubTransformer())
	_ = r.Register(NewEmailTransformer())
	return r
}

// Register adds a transformer. Names must be unique.
func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("transformer %s already registered", name)
	}

	r.byName[name] = struct{}{}
	r.transformers = append(r.transformers, registered{transformer: t, order: len(r.transformers)})
	r.logger.Info("transformer registered", "name", name, "priority", t.Priority())
	return nil
}

// Names returns the registered transformer names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transformers))
	for _, reg := range r.transformers {
		names = append(names, reg.transformer.Name())
	}
	return names
}

// resolve picks the transformer for a payload: every registered
// transformer is asked to Detect, the highest priority detector wins,
// ties break by registration order. Returns nil when none detect.
func (r *Registry) resolve(payload Payload) Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registered
	for i := range r.transformers {
		reg := &r.transformers[i]
		if !reg.transformer.Detect(payload) {
			continue
		}
		if best == nil ||
			reg.transformer.Priority() > best.transformer.Priority() ||
			(reg.transformer.Priority() == best.transformer.Priority() && reg.order < best.order) {
			best = reg
		}
	}
	if best == nil {
		return nil
	}
	return best.transformer
}

// Transform converts a payload using the best-matching transformer,
// falling back to the generic transformer when none detect it.
func (r *Registry) Transform(payload Payload) Result {
	t := r.resolve(payload)
	if t == nil {
		r.logger.Debug("no transformer detected payload, using generic fallback")
		t = r.fallback
	}

	result := t.Transform(payload)
	if !result.Success && result.Err == nil {
		result.Err = errors.ErrTransformationFailed
	}
	return result
}

// Suggestions returns the transformers that detect the payload ordered
// by descending confidence. Useful for client-side debugging tools.
func (r *Registry) Suggestions(payload Payload) []Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	suggestions := make([]Suggestion, 0)
	for _, reg := range r.transformers {
		if !reg.transformer.Detect(payload) {
			continue
		}
		result := reg.transformer.Transform(payload)
		suggestions = append(suggestions, Suggestion{
			Name:       reg.transformer.Name(),
			Confidence: result.Confidence,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}
