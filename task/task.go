// Package task defines the task model and the state machine that owns
// every status transition. Tasks are externally assigned units of work
// (one tax return, one review pass) driven through a strict lifecycle by
// the dispatcher.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress,
		StatusCompleted, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// Task is one unit of externally-assigned work. Identity fields
// (ID, ClientID, Type, TaxYear) are immutable after creation; everything
// else is owned by the state machine.
type Task struct {
	ID            string            `json:"task_id" db:"task_id"`
	ClientID      string            `json:"client_id" db:"client_id"`
	Type          string            `json:"task_type" db:"task_type"`
	TaxYear       int               `json:"tax_year" db:"tax_year"`
	Status        Status            `json:"status" db:"status"`
	AssignedAgent string            `json:"assigned_agent,omitempty" db:"assigned_agent"`
	AttemptCount  int               `json:"attempt_count" db:"attempt_count"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// New creates a pending task with a fresh ID.
func New(clientID, taskType string, taxYear int, metadata map[string]string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Type:      taskType,
		TaxYear:   taxYear,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

// setMeta writes a metadata key, allocating the map on first use.
func (t *Task) setMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// ArtifactKind classifies a task artifact.
type ArtifactKind string

const (
	ArtifactWorksheet   ArtifactKind = "worksheet"
	ArtifactNotes       ArtifactKind = "notes"
	ArtifactCheckReport ArtifactKind = "check_report"
	ArtifactOther       ArtifactKind = "other"
)

// Artifact is a work product owned by exactly one task. Previous
// attempts' artifacts are preserved, never overwritten.
type Artifact struct {
	ID        string       `json:"artifact_id" db:"artifact_id"`
	TaskID    string       `json:"task_id" db:"task_id"`
	Kind      ArtifactKind `json:"kind" db:"kind"`
	Path      string       `json:"path" db:"path"`
	Hash      string       `json:"hash" db:"hash"`
	Attempt   int          `json:"attempt" db:"attempt"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// Escalation is a blocking flag awaiting human resolution.
type Escalation struct {
	ID         string          `json:"escalation_id" db:"escalation_id"`
	TaskID     string          `json:"task_id" db:"task_id"`
	Reason     string          `json:"reason" db:"reason"`
	Context    json.RawMessage `json:"context,omitempty" db:"context"`
	Blocking   bool            `json:"blocking" db:"blocking"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolution string          `json:"resolution,omitempty" db:"resolution"`
}

// Filter selects tasks for listing.
type Filter struct {
	Status        Status
	ClientID      string
	Type          string
	AssignedAgent string
	Limit         int
	Offset        int
}

// Store is the persistence surface the state machine and dispatcher
// require. Transition must be atomic: the apply callback runs with the
// task locked after the current status has been verified against from,
// and the mutated task is persisted only if apply returns nil.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*Task, error)
	Transition(ctx context.Context, id string, from []Status, apply func(*Task) error) (*Task, error)

	AddArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, taskID string) ([]*Artifact, error)
	LatestArtifact(ctx context.Context, clientID string, taxYear int, kind ArtifactKind) (*Artifact, error)

	CreateEscalation(ctx context.Context, e *Escalation) error
	ListEscalations(ctx context.Context, taskID string) ([]*Escalation, error)
	ResolveEscalation(ctx context.Context, escalationID, resolution string) error
}
