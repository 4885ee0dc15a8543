// Package breaker provides a circuit breaker whose state is shared
// across workers through the KV coordination layer. Each named breaker
// stores one JSON record; every state change is a revision
// compare-and-swap, so observations and transitions are linearizable
// per breaker name regardless of how many workers share it.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/metrics"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker refuses to run the
// operation. It never counts as a failure itself.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// FailMax is the number of consecutive failures that opens the
	// breaker.
	FailMax int `yaml:"fail_max"`

	// ResetTimeout is how long the breaker stays open before a probe
	// call is allowed through.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// SuccessThreshold is the number of successive half-open successes
	// required to close the breaker.
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultConfig returns the standard breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailMax:          5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// record is the persisted breaker state. OpenedAt is wall-clock; reset
// timeouts are seconds-scale, so cross-process clock skew is tolerable.
type record struct {
	State        State      `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one unreliable dependency by name.
type Breaker struct {
	name    string
	bucket  kv.Bucket
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a breaker over the shared bucket.
func New(name string, bucket kv.Bucket, config Config, logger *slog.Logger) *Breaker {
	if config.FailMax <= 0 {
		config.FailMax = DefaultConfig().FailMax
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		bucket: bucket,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Instrument exports this breaker's state as a gauge. m may be nil.
func (b *Breaker) Instrument(m *metrics.Metrics) {
	b.metrics = m
}

// stateValue maps states onto the gauge scale documented on the metric.
func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (b *Breaker) observeState(s State) {
	if b.metrics == nil {
		return
	}
	b.metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(s))
}

func (b *Breaker) key() string {
	return "circuit_breaker:" + b.name
}

// State returns the current state, resolving an expired open window to
// half_open without persisting.
func (b *Breaker) State(ctx context.Context) (State, error) {
	rec, _, err := b.load(ctx)
	if err != nil {
		return "", err
	}
	if rec.State == StateOpen && b.openExpired(rec) {
		return StateHalfOpen, nil
	}
	return rec.State, nil
}

// Do runs op under the breaker. If the breaker is open and the reset
// timeout has not elapsed, Do fails fast with ErrCircuitOpen. The op's
// error (or nil) is classified and recorded against shared state.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.before(ctx); err != nil {
		return err
	}

	opErr := op(ctx)
	if errors.Is(opErr, ErrCircuitOpen) {
		// A nested breaker refusing downstream is not this breaker's
		// failure.
		return opErr
	}

	if recErr := b.record(ctx, opErr == nil); recErr != nil {
		b.logger.Warn("failed to record breaker outcome",
			"breaker", b.name,
			"error", recErr)
	}
	return opErr
}

// before admits or refuses the call, promoting open to half_open when
// the reset timeout has elapsed.
func (b *Breaker) before(ctx context.Context) error {
	for {
		rec, rev, err := b.load(ctx)
		if err != nil {
			return err
		}

		switch rec.State {
		case StateClosed, StateHalfOpen:
			return nil
		case StateOpen:
			if !b.openExpired(rec) {
				return ErrCircuitOpen
			}
			rec.State = StateHalfOpen
			rec.SuccessCount = 0
			if err := b.save(ctx, rec, rev); err != nil {
				if errors.Is(err, kv.ErrRevisionMismatch) {
					continue
				}
				return err
			}
			b.observeState(StateHalfOpen)
			b.logger.Info("circuit half-open", "breaker", b.name)
			return nil
		default:
			return fmt.Errorf("breaker %s: unknown state %q", b.name, rec.State)
		}
	}
}

// record applies one success or failure observation with CAS retry.
func (b *Breaker) record(ctx context.Context, success bool) error {
	for {
		rec, rev, err := b.load(ctx)
		if err != nil {
			return err
		}

		prev := rec.State
		if success {
			b.applySuccess(rec)
		} else {
			b.applyFailure(rec)
		}

		if err := b.save(ctx, rec, rev); err != nil {
			if errors.Is(err, kv.ErrRevisionMismatch) {
				continue
			}
			return err
		}

		b.observeState(rec.State)
		if rec.State != prev {
			b.logger.Info("circuit state change",
				"breaker", b.name,
				"from", prev,
				"to", rec.State,
				"failures", rec.FailureCount)
		}
		return nil
	}
}

func (b *Breaker) applySuccess(rec *record) {
	switch rec.State {
	case StateClosed:
		rec.FailureCount = 0
	case StateOpen:
		// Success observed by a call admitted before the breaker
		// opened; treat it as a half-open probe success.
		rec.State = StateHalfOpen
		rec.SuccessCount = 1
		rec.OpenedAt = nil
		b.maybeClose(rec)
	case StateHalfOpen:
		rec.SuccessCount++
		b.maybeClose(rec)
	}
}

func (b *Breaker) maybeClose(rec *record) {
	if rec.SuccessCount >= b.config.SuccessThreshold {
		rec.State = StateClosed
		rec.FailureCount = 0
		rec.SuccessCount = 0
		rec.OpenedAt = nil
	}
}

func (b *Breaker) applyFailure(rec *record) {
	switch rec.State {
	case StateClosed:
		rec.FailureCount++
		if rec.FailureCount >= b.config.FailMax {
			b.open(rec)
		}
	case StateHalfOpen:
		b.open(rec)
	case StateOpen:
		// Straggler from a call admitted before opening; the window
		// restarts so the dependency gets its full quiet period.
		b.open(rec)
	}
}

func (b *Breaker) open(rec *record) {
	now := b.now().UTC()
	rec.State = StateOpen
	rec.SuccessCount = 0
	rec.OpenedAt = &now
}

func (b *Breaker) openExpired(rec *record) bool {
	return rec.OpenedAt != nil && b.now().Sub(*rec.OpenedAt) >= b.config.ResetTimeout
}

// load reads the record, initializing a closed breaker on first use.
func (b *Breaker) load(ctx context.Context) (*record, uint64, error) {
	entry, err := b.bucket.Get(ctx, b.key())
	if errors.Is(err, kv.ErrKeyNotFound) {
		rec := &record{State: StateClosed}
		data, merr := json.Marshal(rec)
		if merr != nil {
			return nil, 0, fmt.Errorf("marshal breaker state: %w", merr)
		}
		rev, cerr := b.bucket.Create(ctx, b.key(), data)
		if errors.Is(cerr, kv.ErrKeyExists) {
			// Another worker initialized it first.
			return b.load(ctx)
		}
		if cerr != nil {
			return nil, 0, fmt.Errorf("init breaker %s: %w", b.name, cerr)
		}
		return rec, rev, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load breaker %s: %w", b.name, err)
	}

	var rec record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("unmarshal breaker %s: %w", b.name, err)
	}
	return &rec, entry.Revision, nil
}

func (b *Breaker) save(ctx context.Context, rec *record, rev uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if _, err := b.bucket.Update(ctx, b.key(), data, rev); err != nil {
		return err
	}
	return nil
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset(ctx context.Context) error {
	data, err := json.Marshal(&record{State: StateClosed})
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if _, err := b.bucket.Put(ctx, b.key(), data); err != nil {
		return fmt.Errorf("reset breaker %s: %w", b.name, err)
	}
	b.observeState(StateClosed)
	return nil
}
