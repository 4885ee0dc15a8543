package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/task"
)

// Supervisor runs the background sweeps that keep tasks moving: failed
// tasks are retried with exponential backoff until the retry budget is
// spent (then escalated), and in_progress tasks whose heartbeat has gone
// stale are failed with reason timeout.
type Supervisor struct {
	machine *task.Machine
	store   task.Store
	bucket  kv.Bucket
	cfg     SupervisorConfig
	logger  *slog.Logger
	now     func() time.Time
}

// SupervisorConfig holds the supervisor's tunables.
type SupervisorConfig struct {
	// MaxRetries is the retry budget before escalation.
	MaxRetries int
	// BackoffBase is the delay before the first retry; doubles per
	// attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// HeartbeatInterval is the handlers' renewal cadence T.
	HeartbeatInterval time.Duration
	// StaleMultiplier marks a task stale after StaleMultiplier * T
	// without a heartbeat.
	StaleMultiplier int
	// SweepInterval is how often the supervisor scans.
	SweepInterval time.Duration
}

// NewSupervisor creates a supervisor.
func NewSupervisor(machine *task.Machine, store task.Store, bucket kv.Bucket, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		machine: machine,
		store:   store,
		bucket:  bucket,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one retry sweep and one liveness sweep.
func (s *Supervisor) SweepOnce(ctx context.Context) {
	s.sweepRetries(ctx)
	s.sweepLiveness(ctx)
}

// sweepRetries requeues failed tasks whose backoff has elapsed and
// escalates the ones that spent their retry budget.
func (s *Supervisor) sweepRetries(ctx context.Context) {
	failed, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusFailed})
	if err != nil {
		s.logger.Error("Failed to list failed tasks", "error", err)
		return
	}

	now := s.now().UTC()
	for _, t := range failed {
		if t.AttemptCount > s.cfg.MaxRetries {
			reason := "retry_exhausted:" + t.Metadata[task.MetaFailureReason]
			if _, err := s.machine.Escalate(ctx, t.ID, &task.Escalation{
				Reason:   reason,
				Blocking: true,
			}); err != nil && !task.IsInvalidTransition(err) {
				s.logger.Error("Failed to escalate exhausted task", "task_id", t.ID, "error", err)
			} else {
				s.logger.Warn("Retry budget exhausted, escalated",
					"task_id", t.ID,
					"attempts", t.AttemptCount)
			}
			continue
		}

		if now.Sub(t.UpdatedAt) < s.Backoff(t.AttemptCount) {
			continue
		}
		if _, err := s.machine.Retry(ctx, t.ID); err != nil {
			if !task.IsInvalidTransition(err) {
				s.logger.Error("Failed to requeue task", "task_id", t.ID, "error", err)
			}
			continue
		}
		s.logger.Info("Requeued failed task",
			"task_id", t.ID,
			"attempt", t.AttemptCount,
			"reason", t.Metadata[task.MetaFailureReason])
	}
}

// Backoff returns the retry delay after the given attempt count:
// base doubled per additional attempt, capped.
func (s *Supervisor) Backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

// sweepLiveness fails in_progress tasks whose heartbeat is stale. A
// missing heartbeat key counts as stale once the task has been running
// longer than the staleness window.
func (s *Supervisor) sweepLiveness(ctx context.Context) {
	running, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusInProgress})
	if err != nil {
		s.logger.Error("Failed to list in_progress tasks", "error", err)
		return
	}

	window := time.Duration(s.cfg.StaleMultiplier) * s.cfg.HeartbeatInterval
	now := s.now().UTC()

	for _, t := range running {
		lastBeat, ok := s.lastHeartbeat(ctx, t.ID)
		if !ok {
			// No heartbeat written yet; measure from the start time.
			if t.StartedAt != nil {
				lastBeat = *t.StartedAt
			} else {
				lastBeat = t.UpdatedAt
			}
		}
		if now.Sub(lastBeat) <= window {
			continue
		}

		if _, err := s.machine.Fail(ctx, t.ID, "timeout"); err != nil {
			if !task.IsInvalidTransition(err) {
				s.logger.Error("Failed to time out task", "task_id", t.ID, "error", err)
			}
			continue
		}
		s.logger.Warn("Task heartbeat stale, failed with timeout",
			"task_id", t.ID,
			"agent", t.AssignedAgent,
			"last_beat", lastBeat)
	}
}

func (s *Supervisor) lastHeartbeat(ctx context.Context, taskID string) (time.Time, bool) {
	entry, err := s.bucket.Get(ctx, HeartbeatKey(taskID))
	if err != nil {
		if !errors.Is(err, kv.ErrKeyNotFound) {
			s.logger.Warn("Failed to read heartbeat", "task_id", taskID, "error", err)
		}
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(entry.Value))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
