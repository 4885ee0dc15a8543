package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrDuplicateSkill is returned when a skill with the same name and
// effective date already exists. Skill versions are immutable; a
// correction ships as a new version with a new effective date.
var ErrDuplicateSkill = errors.New("skill with this name and effective_date already exists")

// Store persists skill versions.
type Store interface {
	// PutSkill inserts a skill version. Returns ErrDuplicateSkill when
	// (name, effective_date) is already present.
	PutSkill(ctx context.Context, s *Skill) error

	// ListSkillVersions returns every stored version of a skill, in any
	// order. An unknown name returns an empty slice, not an error.
	ListSkillVersions(ctx context.Context, name string) ([]*Skill, error)

	// ListSkillNames returns the distinct skill names in the store.
	ListSkillNames(ctx context.Context) ([]string, error)
}

// Engine selects skill versions per tax year.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine creates a skill engine backed by the given store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Select returns the skill version in force for the given tax year: the
// one with the greatest effective date on or before January 1 of that
// year. A name with no qualifying version returns ok=false with no
// error; absence is an answer, not a failure.
func (e *Engine) Select(ctx context.Context, name string, taxYear int) (*Skill, bool, error) {
	versions, err := e.store.ListSkillVersions(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("list skill versions: %w", err)
	}

	cutoff := time.Date(taxYear, time.January, 1, 0, 0, 0, 0, time.UTC)

	var best *Skill
	for _, v := range versions {
		if v.EffectiveDate.After(cutoff) {
			continue
		}
		if best == nil || v.EffectiveDate.After(best.EffectiveDate) {
			best = v
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// SelectAll resolves every requested skill name for the tax year,
// silently omitting absent ones. The returned slice preserves request
// order.
func (e *Engine) SelectAll(ctx context.Context, names []string, taxYear int) ([]*Skill, error) {
	skills := make([]*Skill, 0, len(names))
	for _, name := range names {
		s, ok, err := e.Select(ctx, name, taxYear)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.logger.Debug("Skill absent for tax year",
				"skill", name,
				"tax_year", taxYear)
			continue
		}
		skills = append(skills, s)
	}
	return skills, nil
}

// Versions returns all stored versions of a skill ordered by effective
// date, oldest first.
func (e *Engine) Versions(ctx context.Context, name string) ([]*Skill, error) {
	versions, err := e.store.ListSkillVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list skill versions: %w", err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].EffectiveDate.Before(versions[j].EffectiveDate)
	})
	return versions, nil
}
