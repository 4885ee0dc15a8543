// Package contextbuilder assembles the read-only working context an
// agent handler receives with a task: the client's profile view, the
// tax year's document metadata, the skill versions in force, and last
// year's worksheet when one exists.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/task"
)

// DocumentMeta describes one client document for a tax year. Content is
// fetched lazily by the handler; the builder returns metadata only.
type DocumentMeta struct {
	ID           string    `json:"id" db:"id"`
	ClientID     string    `json:"client_id" db:"client_id"`
	TaxYear      int       `json:"tax_year" db:"tax_year"`
	DocumentType string    `json:"document_type" db:"document_type"`
	FileName     string    `json:"file_name" db:"file_name"`
	UploadedAt   time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// DocumentStore lists client document metadata.
type DocumentStore interface {
	ListDocuments(ctx context.Context, clientID string, taxYear int) ([]*DocumentMeta, error)
}

// ArtifactStore reads prior-year artifacts. task.Store satisfies it.
type ArtifactStore interface {
	LatestArtifact(ctx context.Context, clientID string, taxYear int, kind task.ArtifactKind) (*task.Artifact, error)
}

// AgentContext is everything a handler gets to work with. It is
// assembled fresh per attempt and never written back.
type AgentContext struct {
	ProfileView       profile.View    `json:"profile_view"`
	Documents         []*DocumentMeta `json:"documents"`
	Skills            []*skill.Skill  `json:"skills"`
	PriorYearArtifact *task.Artifact  `json:"prior_year_artifact,omitempty"`
}

// Builder assembles agent contexts.
type Builder struct {
	profiles  *profile.Service
	documents DocumentStore
	skills    *skill.Engine
	artifacts ArtifactStore
	logger    *slog.Logger
}

// New creates a context builder.
func New(profiles *profile.Service, documents DocumentStore, skills *skill.Engine, artifacts ArtifactStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		profiles:  profiles,
		documents: documents,
		skills:    skills,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Build assembles the context for a task. skillNames comes from the
// handler's task_type mapping; names with no version in force for the
// tax year are omitted, not errors. A missing prior-year worksheet is
// likewise omitted — first-year clients are normal.
func (b *Builder) Build(ctx context.Context, t *task.Task, skillNames []string) (*AgentContext, error) {
	view, err := b.profiles.View(ctx, t.ClientID)
	if err != nil {
		return nil, fmt.Errorf("build profile view: %w", err)
	}

	docs, err := b.documents.ListDocuments(ctx, t.ClientID, t.TaxYear)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	skills, err := b.skills.SelectAll(ctx, skillNames, t.TaxYear)
	if err != nil {
		return nil, fmt.Errorf("select skills: %w", err)
	}

	prior, err := b.artifacts.LatestArtifact(ctx, t.ClientID, t.TaxYear-1, task.ArtifactWorksheet)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, fmt.Errorf("fetch prior-year artifact: %w", err)
	}

	b.logger.Debug("Built agent context",
		"task_id", t.ID,
		"client_id", t.ClientID,
		"tax_year", t.TaxYear,
		"documents", len(docs),
		"skills", len(skills),
		"has_prior_year", prior != nil)

	return &AgentContext{
		ProfileView:       view,
		Documents:         docs,
		Skills:            skills,
		PriorYearArtifact: prior,
	}, nil
}
