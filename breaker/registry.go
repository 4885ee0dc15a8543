package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/metrics"
)

// Registry hands out named breakers over one shared bucket. Breaker
// instances are process-local handles; the state they guard is shared
// through the bucket.
type Registry struct {
	bucket  kv.Bucket
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry with the given default config.
func NewRegistry(bucket kv.Bucket, config Config, logger *slog.Logger) *Registry {
	return &Registry{
		bucket:   bucket,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Instrument exports breaker states as gauges, for breakers already
// issued and for ones created later. m may be nil.
func (r *Registry) Instrument(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	for _, b := range r.breakers {
		b.Instrument(m)
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.bucket, r.config, r.logger)
	b.Instrument(r.metrics)
	r.breakers[name] = b
	return b
}

// Do runs op under the named breaker.
func (r *Registry) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Do(ctx, op)
}

// ResetAll forces every known breaker back to closed. Tests rely on
// this to isolate breaker state between cases.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()

	for _, b := range names {
		if err := b.Reset(ctx); err != nil {
			return fmt.Errorf("reset all breakers: %w", err)
		}
	}
	return nil
}
