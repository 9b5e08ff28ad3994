package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/domain/evidence"
)

// Collector gathers raw evidence data for one collector type.
type Collector interface {
	Type() evidence.CollectorType
	Name() string
	Collect(ctx context.Context, config map[string]any) (any, error)
}

// Validator is implemented by collectors that can reject their own output.
type Validator interface {
	Validate(data any) bool
}

// Registry maps collector types to executors. Registering a type again
// replaces the previous collector.
type Registry struct {
	mu         sync.RWMutex
	collectors map[evidence.CollectorType]Collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: make(map[evidence.CollectorType]Collector)}
}

func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Type()] = c
}

// Get returns the collector for t or a ConfigurationError.
func (r *Registry) Get(t evidence.CollectorType) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[t]
	if !ok {
		return nil, errors.NewConfigurationError("COLLECTOR_NOT_REGISTERED",
			fmt.Sprintf("no collector registered for type %q", t))
	}
	return c, nil
}

// Types lists registered collector types.
func (r *Registry) Types() []evidence.CollectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]evidence.CollectorType, 0, len(r.collectors))
	for t := range r.collectors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func stringParam(config map[string]any, key string) (string, error) {
	v, ok := config[key]
	if !ok {
		return "", errors.NewCollectionError("MISSING_COLLECTOR_PARAM",
			fmt.Sprintf("collector config requires %q", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewCollectionError("INVALID_COLLECTOR_PARAM",
			fmt.Sprintf("collector config %q must be a non-empty string", key))
	}
	return s, nil
}

func listParam(config map[string]any, key string) []any {
	switch v := config[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}
