// Package feedback captures reviewer corrections. Implicit feedback is
// derived from the diff between an artifact and its corrected version;
// explicit feedback is a tag set from a closed vocabulary. Entries are
// immutable: the store exposes no update or delete path.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/preparedhq/prepflow/metrics"
)

// Kind distinguishes how feedback was captured.
type Kind string

// Feedback kinds.
const (
	KindImplicit Kind = "implicit"
	KindExplicit Kind = "explicit"
)

// Tag is one entry of the closed explicit-feedback vocabulary.
type Tag string

// The explicit-feedback vocabulary.
const (
	TagMisclassified  Tag = "misclassified"
	TagMissingContext Tag = "missing_context"
	TagJudgmentCall   Tag = "judgment_call"
	TagCalculationFix Tag = "calculation_fix"
)

// Valid reports whether t is in the vocabulary.
func (t Tag) Valid() bool {
	switch t {
	case TagMisclassified, TagMissingContext, TagJudgmentCall, TagCalculationFix:
		return true
	}
	return false
}

// Errors returned by the service.
var (
	// ErrNoChanges rejects implicit feedback over identical contents.
	ErrNoChanges = errors.New("original and corrected contents are identical")
	// ErrNoTags rejects explicit feedback with an empty tag list.
	ErrNoTags = errors.New("explicit feedback requires at least one tag")
)

// UnknownTagError reports a tag outside the vocabulary.
type UnknownTagError struct {
	Tag Tag
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown feedback tag %q", e.Tag)
}

// Entry is one immutable feedback record. Implicit entries keep both
// the original and corrected contents alongside the computed diff, so a
// stored correction can be reproduced without the source artifact.
type Entry struct {
	ID               string       `json:"id" db:"id"`
	TaskID           string       `json:"task_id" db:"task_id"`
	ArtifactID       string       `json:"artifact_id,omitempty" db:"artifact_id"`
	Kind             Kind         `json:"kind" db:"kind"`
	OriginalContent  string       `json:"original_content,omitempty" db:"original_content"`
	CorrectedContent string       `json:"corrected_content,omitempty" db:"corrected_content"`
	Diff             *DiffSummary `json:"diff,omitempty"`
	Tags             []Tag        `json:"tags,omitempty"`
	Note             string       `json:"note,omitempty" db:"note"`
	Author           string       `json:"author,omitempty" db:"author"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// Store persists feedback entries. Entries never change after creation.
type Store interface {
	CreateFeedback(ctx context.Context, e *Entry) error
	ListFeedback(ctx context.Context, taskID string) ([]*Entry, error)
}

// Service captures and reads feedback.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates a feedback service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Instrument counts captured entries by kind. m may be nil.
func (s *Service) Instrument(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) countCaptured(kind Kind) {
	if s.metrics == nil {
		return
	}
	s.metrics.FeedbackCaptured.WithLabelValues(string(kind)).Inc()
}

// CaptureImplicit records the diff between an artifact's original and
// corrected contents. Identical contents are rejected: a save without
// changes carries no signal.
func (s *Service) CaptureImplicit(ctx context.Context, taskID, artifactID, author, original, corrected string) (*Entry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	summary := Diff(original, corrected)
	if summary.Empty() {
		return nil, ErrNoChanges
	}

	e := &Entry{
		ID:               uuid.New().String(),
		TaskID:           taskID,
		ArtifactID:       artifactID,
		Kind:             KindImplicit,
		OriginalContent:  original,
		CorrectedContent: corrected,
		Diff:             summary,
		Author:           author,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateFeedback(ctx, e); err != nil {
		return nil, fmt.Errorf("store implicit feedback: %w", err)
	}
	s.countCaptured(KindImplicit)

	s.logger.Info("Captured implicit feedback",
		"task_id", taskID,
		"added", summary.Added,
		"removed", summary.Removed)
	return e, nil
}

// CaptureExplicit records a reviewer's tag set with an optional note.
// Tags must be non-empty and every tag must be in the vocabulary.
func (s *Service) CaptureExplicit(ctx context.Context, taskID, author string, tags []Tag, note string) (*Entry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if len(tags) == 0 {
		return nil, ErrNoTags
	}
	for _, t := range tags {
		if !t.Valid() {
			return nil, &UnknownTagError{Tag: t}
		}
	}

	e := &Entry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Kind:      KindExplicit,
		Tags:      tags,
		Note:      note,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFeedback(ctx, e); err != nil {
		return nil, fmt.Errorf("store explicit feedback: %w", err)
	}
	s.countCaptured(KindExplicit)

	s.logger.Info("Captured explicit feedback",
		"task_id", taskID,
		"tags", len(tags))
	return e, nil
}

// ForTask returns all feedback entries for a task, oldest first.
func (s *Service) ForTask(ctx context.Context, taskID string) ([]*Entry, error) {
	return s.store.ListFeedback(ctx, taskID)
}

// TagCounts aggregates explicit tags across a task's feedback, for
// retrieval into future contexts.
func (s *Service) TagCounts(ctx context.Context, taskID string) (map[Tag]int, error) {
	entries, err := s.store.ListFeedback(ctx, taskID)
	if err != nil {
		return nil, err
	}
	counts := make(map[Tag]int)
	for _, e := range entries {
		for _, t := range e.Tags {
			counts[t]++
		}
	}
	return counts, nil
}
