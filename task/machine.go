package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetaFailureReason is the metadata key recording the last failure reason.
const MetaFailureReason = "failure_reason"

// Hook runs when a task enters a state, before the new status is
// persisted. A hook error aborts the transition; no state change
// becomes visible.
type Hook func(ctx context.Context, t *Task) error

// Machine enforces the task lifecycle. It holds no state beyond what is
// persisted on the task itself; transitions are serialized per task by
// the store's compare-and-swap, so two workers can never both drive the
// same task forward.
type Machine struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	hooks map[Status][]Hook
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  store,
		logger: logger,
		hooks:  make(map[Status][]Hook),
	}
}

// OnEnter registers a hook for entry into state s. Hooks run in
// registration order before the transition is persisted.
func (m *Machine) OnEnter(s Status, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[s] = append(m.hooks[s], h)
}

// Assign moves a pending task to assigned and records the agent.
func (m *Machine) Assign(ctx context.Context, id, agent string) (*Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("assign task %s: agent is required", id)
	}
	return m.transition(ctx, id, []Status{StatusPending}, StatusAssigned, func(t *Task) {
		t.AssignedAgent = agent
	})
}

// Start moves an assigned task to in_progress and stamps StartedAt.
func (m *Machine) Start(ctx context.Context, id string) (*Task, error) {
	return m.transition(ctx, id, []Status{StatusAssigned}, StatusInProgress, func(t *Task) {
		now := time.Now().UTC()
		t.StartedAt = &now
	})
}

// Complete moves an in_progress task to completed and stamps CompletedAt.
func (m *Machine) Complete(ctx context.Context, id string) (*Task, error) {
	return m.transition(ctx, id, []Status{StatusInProgress}, StatusCompleted, func(t *Task) {
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

// Fail moves an assigned or in_progress task to failed, records the
// reason on task metadata, and increments the attempt count.
func (m *Machine) Fail(ctx context.Context, id, reason string) (*Task, error) {
	if reason == "" {
		reason = "unknown"
	}
	return m.transition(ctx, id, []Status{StatusAssigned, StatusInProgress}, StatusFailed, func(t *Task) {
		t.setMeta(MetaFailureReason, reason)
		t.AttemptCount++
	})
}

// Escalate moves a task to escalated and records the escalation.
// Assigned and in_progress tasks escalate on handler request; failed
// tasks escalate when the retry supervisor exhausts the retry budget.
//
// The escalation row is written before the status transition: an
// escalated task without an escalation record would be invisible to
// operators, while the converse is only a resolved stray row. If the
// transition is refused the row is resolved immediately so it never
// demands attention.
func (m *Machine) Escalate(ctx context.Context, id string, esc *Escalation) (*Task, error) {
	if esc == nil || esc.Reason == "" {
		return nil, fmt.Errorf("escalate task %s: escalation reason is required", id)
	}

	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	esc.TaskID = id
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}
	if err := m.store.CreateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("record escalation for task %s: %w", id, err)
	}

	t, err := m.transition(ctx, id, []Status{StatusAssigned, StatusInProgress, StatusFailed}, StatusEscalated, nil)
	if err != nil {
		if rerr := m.store.ResolveEscalation(ctx, esc.ID, "transition_refused"); rerr != nil {
			m.logger.Error("failed to resolve orphaned escalation",
				"task_id", id,
				"escalation_id", esc.ID,
				"error", rerr)
		}
		return nil, err
	}
	return t, nil
}

// Retry moves a failed task back to pending, clearing the agent and
// start time so the dispatcher can lease it again.
func (m *Machine) Retry(ctx context.Context, id string) (*Task, error) {
	return m.transition(ctx, id, []Status{StatusFailed}, StatusPending, func(t *Task) {
		t.AssignedAgent = ""
		t.StartedAt = nil
	})
}

// ResolveEscalation resolves an escalation and, when the task is still
// escalated, returns it to in_progress so work can resume.
func (m *Machine) ResolveEscalation(ctx context.Context, taskID, escalationID, resolution string) (*Task, error) {
	if err := m.store.ResolveEscalation(ctx, escalationID, resolution); err != nil {
		return nil, fmt.Errorf("resolve escalation %s: %w", escalationID, err)
	}
	return m.transition(ctx, taskID, []Status{StatusEscalated}, StatusInProgress, nil)
}

// transition performs one guarded transition. The apply callback runs
// inside the store's per-task critical section: current status verified
// against from, mutation applied, on-enter hooks executed, and only then
// the result persisted. No suspension happens between the status check
// and the commit.
func (m *Machine) transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Task)) (*Task, error) {
	m.mu.RLock()
	hooks := m.hooks[to]
	m.mu.RUnlock()

	t, err := m.store.Transition(ctx, id, from, func(t *Task) error {
		prev := t.Status
		t.Status = to
		t.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(t)
		}
		for _, h := range hooks {
			if err := h(ctx, t); err != nil {
				return fmt.Errorf("on_enter_%s hook: %w", to, err)
			}
		}
		m.logger.Debug("task transition",
			"task_id", t.ID,
			"from", prev,
			"to", to,
			"agent", t.AssignedAgent,
			"attempt", t.AttemptCount)
		return nil
	})
	if err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) && ite.To == "" {
			ite.To = to
		}
		return nil, err
	}
	return t, nil
}
