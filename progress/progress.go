// Package progress publishes and streams per-task progress. Handlers
// publish events; the snapshot key in KV is updated synchronously with
// each publish and is the source of truth for current progress, while
// the event bus fans events out to live subscribers.
package progress

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

// StageComplete is the terminal stage. An event with this stage carries
// the final task status and closes subscriber streams.
const StageComplete = "complete"

// ErrPercentRegression rejects a publish whose percent is lower than
// the current snapshot within the same attempt. Percent only moves
// forward; a retry starts a new attempt and may reset it.
var ErrPercentRegression = errors.New("progress percent must not decrease within an attempt")

// Event is one progress update for a task.
type Event struct {
	TaskID  string         `json:"task_id"`
	Attempt int            `json:"attempt"`
	Seq     uint64         `json:"seq"`
	Stage   string         `json:"stage"`
	Percent int            `json:"percent"`
	Message string         `json:"message,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
	// Status is the final task status, set only on the terminal event.
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends the stream.
func (e *Event) Terminal() bool {
	return e.Stage == StageComplete
}

// SnapshotKey returns the KV key holding a task's latest progress.
func SnapshotKey(taskID string) string {
	return "task:" + taskID + ":progress"
}

// Subject returns the event-bus subject for a task's progress events.
func Subject(taskID string) string {
	return "task." + taskID + ".events"
}

// Bus publishes and subscribes to task progress.
type Bus struct {
	bucket  kv.Bucket
	events  kv.EventBus
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBus creates a progress bus over the given bucket and event bus.
func NewBus(bucket kv.Bucket, events kv.EventBus, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bucket: bucket, events: events, logger: logger}
}

// Instrument counts published events. m may be nil.
func (b *Bus) Instrument(m *metrics.Metrics) {
	b.metrics = m
}

// Publish validates the event against the current snapshot, writes the
// new snapshot synchronously, then fans the event out to subscribers.
// The snapshot write uses revision CAS so concurrent publishers for one
// task cannot interleave regressions.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.Stage == "" {
		return fmt.Errorf("stage is required")
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent must be in [0,100], got %d", e.Percent)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for {
		entry, err := b.bucket.Get(ctx, SnapshotKey(e.TaskID))
		if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
			return fmt.Errorf("get progress snapshot: %w", err)
		}

		if entry == nil {
			e.Seq = 1
			data, err := json.Marshal(&e)
			if err != nil {
				return fmt.Errorf("marshal progress event: %w", err)
			}
			if _, err := b.bucket.Create(ctx, SnapshotKey(e.TaskID), data); err != nil {
				if errors.Is(err, kv.ErrKeyExists) {
					continue // lost the race, re-validate
				}
				return fmt.Errorf("create progress snapshot: %w", err)
			}
			break
		}

		var prev Event
		if err := json.Unmarshal(entry.Value, &prev); err != nil {
			return fmt.Errorf("decode progress snapshot: %w", err)
		}
		if prev.Attempt == e.Attempt && e.Percent < prev.Percent {
			return fmt.Errorf("task %s stage %s percent %d < %d: %w",
				e.TaskID, e.Stage, e.Percent, prev.Percent, ErrPercentRegression)
		}

		e.Seq = prev.Seq + 1
		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		if _, err := b.bucket.Update(ctx, SnapshotKey(e.TaskID), data, entry.Revision); err != nil {
			if errors.Is(err, kv.ErrRevisionMismatch) {
				continue
			}
			return fmt.Errorf("update progress snapshot: %w", err)
		}
		break
	}

	if b.metrics != nil {
		b.metrics.ProgressEvents.Inc()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.events.Publish(ctx, Subject(e.TaskID), data); err != nil {
		// Snapshot already committed; live subscribers catch up on the
		// next event or from the snapshot.
		b.logger.Warn("Failed to publish progress event",
			"task_id", e.TaskID,
			"stage", e.Stage,
			"error", err)
	}
	return nil
}

// Snapshot returns a task's current progress, or nil when none has been
// published yet.
func (b *Bus) Snapshot(ctx context.Context, taskID string) (*Event, error) {
	entry, err := b.bucket.Get(ctx, SnapshotKey(taskID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get progress snapshot: %w", err)
	}
	var e Event
	if err := json.Unmarshal(entry.Value, &e); err != nil {
		return nil, fmt.Errorf("decode progress snapshot: %w", err)
	}
	return &e, nil
}

// Subscribe streams a task's progress: the current snapshot first (when
// one exists), then live events in publish order. Duplicate and stale
// events are dropped by sequence number. The channel closes after a
// terminal event, on cancel, or when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (<-chan Event, func(), error) {
	live, cancelLive, err := b.events.Subscribe(ctx, Subject(taskID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe progress events: %w", err)
	}

	// Snapshot is read after subscribing so nothing falls in the gap:
	// anything published before the snapshot read is superseded by it.
	snap, err := b.Snapshot(ctx, taskID)
	if err != nil {
		cancelLive()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer cancelLive()

		var lastSeq uint64
		if snap != nil {
			select {
			case out <- *snap:
			case <-ctx.Done():
				return
			}
			if snap.Terminal() {
				return
			}
			lastSeq = snap.Seq
		}

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-live:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal(data, &e); err != nil {
					b.logger.Warn("Dropping malformed progress event",
						"task_id", taskID,
						"error", err)
					continue
				}
				if e.Seq <= lastSeq {
					continue
				}
				lastSeq = e.Seq
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				if e.Terminal() {
					return
				}
			}
		}
	}()

	return out, cancelLive, nil
}
