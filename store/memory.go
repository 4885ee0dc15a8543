// Package store provides the persistence implementations: Postgres for
// production and an in-memory store for tests and embedded development
// mode. Both satisfy the narrow per-package store interfaces (task,
// skill, profile, feedback, search, dispatch, contextbuilder).
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/dispatch"
	"github.com/preparedhq/prepflow/feedback"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/search"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/task"
)

// Memory is the in-memory store. One coarse lock serializes access;
// task transitions in particular run their apply callback inside the
// critical section, which is what makes concurrent lease attempts
// resolve to exactly one winner.
type Memory struct {
	mu sync.Mutex

	tasks       map[string]*task.Task
	artifacts   map[string][]*task.Artifact // by task ID
	escalations map[string][]*task.Escalation

	skills map[string][]*skill.Skill // by name

	profileEntries map[string][]*profile.Entry // by client ID

	feedbackEntries map[string][]*feedback.Entry // by task ID

	documents map[string][]*contextbuilder.DocumentMeta // by client ID

	skillChunks map[string][]*search.Chunk            // by owner
	docChunks   map[string]map[string][]*search.Chunk // client -> owner

	agentLogs map[string][]*dispatch.AgentLog // by task ID
}

// Interface checks.
var (
	_ task.Store                   = (*Memory)(nil)
	_ skill.Store                  = (*Memory)(nil)
	_ profile.Store                = (*Memory)(nil)
	_ feedback.Store               = (*Memory)(nil)
	_ contextbuilder.DocumentStore = (*Memory)(nil)
	_ search.Index                 = (*Memory)(nil)
	_ search.EmbeddingStore        = (*Memory)(nil)
	_ dispatch.LogStore            = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:           make(map[string]*task.Task),
		artifacts:       make(map[string][]*task.Artifact),
		escalations:     make(map[string][]*task.Escalation),
		skills:          make(map[string][]*skill.Skill),
		profileEntries:  make(map[string][]*profile.Entry),
		feedbackEntries: make(map[string][]*feedback.Entry),
		documents:       make(map[string][]*contextbuilder.DocumentMeta),
		skillChunks:     make(map[string][]*search.Chunk),
		docChunks:       make(map[string]map[string][]*search.Chunk),
		agentLogs:       make(map[string][]*dispatch.AgentLog),
	}
}

// ---------------------------------------------------------------------------
// task.Store
// ---------------------------------------------------------------------------

// CreateTask stores a new task.
func (m *Memory) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the task.
func (m *Memory) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (m *Memory) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ClientID != "" && t.ClientID != f.ClientID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition applies a guarded mutation. The status check, the apply
// callback, and the write all happen under the store lock; concurrent
// callers for the same task serialize and losers see the already
// transitioned status.
func (m *Memory) Transition(ctx context.Context, id string, from []task.Status, apply func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}

	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &task.InvalidTransitionError{TaskID: id, From: current.Status}
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	m.tasks[id] = next
	return next.Clone(), nil
}

// AddArtifact stores an artifact row.
func (m *Memory) AddArtifact(ctx context.Context, a *task.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[a.TaskID]; !ok {
		return task.ErrNotFound
	}
	cp := *a
	m.artifacts[a.TaskID] = append(m.artifacts[a.TaskID], &cp)
	return nil
}

// ListArtifacts returns a task's artifacts, oldest first.
func (m *Memory) ListArtifacts(ctx context.Context, taskID string) ([]*task.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arts := m.artifacts[taskID]
	out := make([]*task.Artifact, len(arts))
	for i, a := range arts {
		cp := *a
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LatestArtifact returns the newest artifact of the given kind across
// the client's completed tasks for the tax year.
func (m *Memory) LatestArtifact(ctx context.Context, clientID string, taxYear int, kind task.ArtifactKind) (*task.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *task.Artifact
	for _, t := range m.tasks {
		if t.ClientID != clientID || t.TaxYear != taxYear || t.Status != task.StatusCompleted {
			continue
		}
		for _, a := range m.artifacts[t.ID] {
			if a.Kind != kind {
				continue
			}
			if best == nil || a.CreatedAt.After(best.CreatedAt) {
				best = a
			}
		}
	}
	if best == nil {
		return nil, task.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// CreateEscalation stores an escalation row.
func (m *Memory) CreateEscalation(ctx context.Context, e *task.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escalations[e.TaskID] = append(m.escalations[e.TaskID], &cp)
	return nil
}

// ListEscalations returns a task's escalations, oldest first.
func (m *Memory) ListEscalations(ctx context.Context, taskID string) ([]*task.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	escs := m.escalations[taskID]
	out := make([]*task.Escalation, len(escs))
	for i, e := range escs {
		cp := *e
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ResolveEscalation stamps an escalation resolved.
func (m *Memory) ResolveEscalation(ctx context.Context, escalationID, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, escs := range m.escalations {
		for _, e := range escs {
			if e.ID == escalationID {
				now := time.Now().UTC()
				e.ResolvedAt = &now
				e.Resolution = resolution
				return nil
			}
		}
	}
	return fmt.Errorf("escalation %s: %w", escalationID, task.ErrNotFound)
}

// ---------------------------------------------------------------------------
// skill.Store
// ---------------------------------------------------------------------------

// PutSkill inserts a skill version, rejecting duplicate effective dates.
func (m *Memory) PutSkill(ctx context.Context, s *skill.Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.skills[s.Name] {
		if existing.EffectiveDate.Equal(s.EffectiveDate) {
			return skill.ErrDuplicateSkill
		}
	}
	cp := *s
	m.skills[s.Name] = append(m.skills[s.Name], &cp)
	return nil
}

// ListSkillVersions returns every stored version of a skill.
func (m *Memory) ListSkillVersions(ctx context.Context, name string) ([]*skill.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.skills[name]
	out := make([]*skill.Skill, len(versions))
	for i, s := range versions {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

// ListSkillNames returns the distinct skill names, sorted.
func (m *Memory) ListSkillNames(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.skills))
	for name := range m.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ---------------------------------------------------------------------------
// profile.Store
// ---------------------------------------------------------------------------

// AppendEntry writes one immutable profile entry.
func (m *Memory) AppendEntry(ctx context.Context, e *profile.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.profileEntries[e.ClientID] = append(m.profileEntries[e.ClientID], &cp)
	return nil
}

// ListEntries returns a client's entries in chronological order.
func (m *Memory) ListEntries(ctx context.Context, clientID string, f profile.HistoryFilter) ([]*profile.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*profile.Entry
	for _, e := range m.profileEntries[clientID] {
		if !f.IncludeArchived && e.Archived {
			continue
		}
		if f.EntryType != "" && e.EntryType != f.EntryType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// CountEntries counts a client's entries.
func (m *Memory) CountEntries(ctx context.Context, clientID string, f profile.HistoryFilter) (int, error) {
	entries, err := m.ListEntries(ctx, clientID, profile.HistoryFilter{
		EntryType:       f.EntryType,
		IncludeArchived: f.IncludeArchived,
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ArchiveEntriesBefore marks old entries archived.
func (m *Memory) ArchiveEntriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived := 0
	for _, entries := range m.profileEntries {
		for _, e := range entries {
			if !e.Archived && e.CreatedAt.Before(cutoff) {
				e.Archived = true
				archived++
			}
		}
	}
	return archived, nil
}

// ---------------------------------------------------------------------------
// feedback.Store
// ---------------------------------------------------------------------------

// CreateFeedback stores a feedback entry. There is no update or delete.
func (m *Memory) CreateFeedback(ctx context.Context, e *feedback.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.feedbackEntries[e.TaskID] = append(m.feedbackEntries[e.TaskID], &cp)
	return nil
}

// ListFeedback returns a task's feedback entries, oldest first.
func (m *Memory) ListFeedback(ctx context.Context, taskID string) ([]*feedback.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.feedbackEntries[taskID]
	out := make([]*feedback.Entry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// contextbuilder.DocumentStore
// ---------------------------------------------------------------------------

// AddDocument registers document metadata for a client.
func (m *Memory) AddDocument(ctx context.Context, d *contextbuilder.DocumentMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.documents[d.ClientID] = append(m.documents[d.ClientID], &cp)
	return nil
}

// ListDocuments returns a client's documents for a tax year.
func (m *Memory) ListDocuments(ctx context.Context, clientID string, taxYear int) ([]*contextbuilder.DocumentMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*contextbuilder.DocumentMeta
	for _, d := range m.documents[clientID] {
		if d.TaxYear != taxYear {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// search.EmbeddingStore / search.Index
// ---------------------------------------------------------------------------

// ReplaceChunks replaces all chunks for one owner in the corpus.
func (m *Memory) ReplaceChunks(ctx context.Context, sel search.Selector, ownerID string, chunks []*search.Chunk) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]*search.Chunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		cp.Embedding = append([]float32(nil), c.Embedding...)
		copied[i] = &cp
	}

	switch sel.Corpus {
	case search.CorpusSkills:
		m.skillChunks[ownerID] = copied
	case search.CorpusDocuments:
		if m.docChunks[sel.ClientID] == nil {
			m.docChunks[sel.ClientID] = make(map[string][]*search.Chunk)
		}
		m.docChunks[sel.ClientID][ownerID] = copied
	}
	return nil
}

// corpusChunks returns every chunk in the selected corpus. Caller holds
// the lock.
func (m *Memory) corpusChunks(sel search.Selector) []*search.Chunk {
	var all []*search.Chunk
	switch sel.Corpus {
	case search.CorpusSkills:
		for _, chunks := range m.skillChunks {
			all = append(all, chunks...)
		}
	case search.CorpusDocuments:
		for _, chunks := range m.docChunks[sel.ClientID] {
			all = append(all, chunks...)
		}
	}
	return all
}

type scoredChunk struct {
	chunk *search.Chunk
	score float64
}

func sortScored(scored []scoredChunk) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].chunk.OwnerID != scored[j].chunk.OwnerID {
			return scored[i].chunk.OwnerID < scored[j].chunk.OwnerID
		}
		return scored[i].chunk.ChunkIndex < scored[j].chunk.ChunkIndex
	})
}

func takeChunks(scored []scoredChunk, m int) []*search.Chunk {
	if len(scored) > m {
		scored = scored[:m]
	}
	out := make([]*search.Chunk, len(scored))
	for i, s := range scored {
		cp := *s.chunk
		out[i] = &cp
	}
	return out
}

// VectorTopK returns the corpus chunks nearest to the query vector by
// cosine similarity.
func (m *Memory) VectorTopK(ctx context.Context, sel search.Selector, query []float32, k int) ([]*search.Chunk, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var scored []scoredChunk
	for _, c := range m.corpusChunks(sel) {
		sim, err := search.CosineSimilarity(query, c.Embedding)
		if err != nil {
			return nil, err
		}
		scored = append(scored, scoredChunk{chunk: c, score: sim})
	}
	sortScored(scored)
	return takeChunks(scored, k), nil
}

// LexicalTopK ranks corpus chunks by query-term overlap. The Postgres
// store uses ts_rank; this is the in-memory stand-in with the same
// contract.
func (m *Memory) LexicalTopK(ctx context.Context, sel search.Selector, query string, k int) ([]*search.Chunk, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var scored []scoredChunk
	for _, c := range m.corpusChunks(sel) {
		text := strings.ToLower(c.ChunkText)
		matches := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		scored = append(scored, scoredChunk{
			chunk: c,
			score: float64(matches) / float64(len(terms)),
		})
	}
	sortScored(scored)
	return takeChunks(scored, k), nil
}

// ---------------------------------------------------------------------------
// dispatch.LogStore
// ---------------------------------------------------------------------------

// AppendAgentLog stores one handler-invocation record.
func (m *Memory) AppendAgentLog(ctx context.Context, l *dispatch.AgentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.agentLogs[l.TaskID] = append(m.agentLogs[l.TaskID], &cp)
	return nil
}

// ListAgentLogs returns a task's invocation records, oldest first.
func (m *Memory) ListAgentLogs(ctx context.Context, taskID string) ([]*dispatch.AgentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.agentLogs[taskID]
	out := make([]*dispatch.AgentLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
