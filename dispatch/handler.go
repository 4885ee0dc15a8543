// Package dispatch leases pending tasks to registered agent handlers
// and drives them through the task lifecycle. It also runs the retry
// and liveness supervisors that keep failed and stuck tasks moving.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/task"
)

// Handler is one agent implementation. A handler declares which task
// types it serves and which skills it wants selected into its context.
type Handler interface {
	// AgentName identifies the agent in task assignments and logs.
	AgentName() string
	// TaskTypes lists the task types this handler serves.
	TaskTypes() []string
	// SkillNames lists the skills to version-select into the context.
	SkillNames() []string
	// Handle performs the work. The context carries the task timeout;
	// a cancelled context means the dispatcher is shutting down and the
	// handler should return promptly.
	Handle(ctx context.Context, t *task.Task, agentCtx *contextbuilder.AgentContext) task.Result
}

// Registry maps task types to handlers. It is process-wide state with
// explicit construction so tests can build isolated instances.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for each of its task types. A task type
// already claimed by another handler is an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tt := range h.TaskTypes() {
		if existing, ok := r.handlers[tt]; ok {
			return fmt.Errorf("task type %q already handled by agent %q", tt, existing.AgentName())
		}
	}
	for _, tt := range h.TaskTypes() {
		r.handlers[tt] = h
	}
	return nil
}

// For returns the handler for a task type, if any.
func (r *Registry) For(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// TaskTypes returns every registered task type.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for tt := range r.handlers {
		types = append(types, tt)
	}
	return types
}

// AgentLog is one row of the invocation audit trail: which agent worked
// which task, when, and how it ended.
type AgentLog struct {
	ID         string     `json:"id" db:"id"`
	TaskID     string     `json:"task_id" db:"task_id"`
	Agent      string     `json:"agent" db:"agent"`
	Attempt    int        `json:"attempt" db:"attempt"`
	Outcome    string     `json:"outcome" db:"outcome"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// LogStore persists agent logs.
type LogStore interface {
	AppendAgentLog(ctx context.Context, l *AgentLog) error
	ListAgentLogs(ctx context.Context, taskID string) ([]*AgentLog, error)
}
