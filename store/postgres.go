package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/pressly/goose/v3"

	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/dispatch"
	"github.com/preparedhq/prepflow/feedback"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/search"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production store.
type Postgres struct {
	db   *sqlx.DB
	dims int
}

// Interface checks.
var (
	_ task.Store                   = (*Postgres)(nil)
	_ skill.Store                  = (*Postgres)(nil)
	_ profile.Store                = (*Postgres)(nil)
	_ feedback.Store               = (*Postgres)(nil)
	_ contextbuilder.DocumentStore = (*Postgres)(nil)
	_ search.Index                 = (*Postgres)(nil)
	_ search.EmbeddingStore        = (*Postgres)(nil)
	_ dispatch.LogStore            = (*Postgres)(nil)
)

// NewPostgres connects to Postgres. dims is the embedding
// dimensionality the vector columns were created with.
func NewPostgres(ctx context.Context, dsn string, dims int) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: db, dims: dims}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate applies pending schema migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// task.Store
// ---------------------------------------------------------------------------

type taskRow struct {
	ID            string         `db:"task_id"`
	ClientID      string         `db:"client_id"`
	Type          string         `db:"task_type"`
	TaxYear       int            `db:"tax_year"`
	Status        string         `db:"status"`
	AssignedAgent string         `db:"assigned_agent"`
	AttemptCount  int            `db:"attempt_count"`
	Metadata      []byte         `db:"metadata"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	StartedAt     sql.NullTime   `db:"started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
}

func (r *taskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:            r.ID,
		ClientID:      r.ClientID,
		Type:          r.Type,
		TaxYear:       r.TaxYear,
		Status:        task.Status(r.Status),
		AssignedAgent: r.AssignedAgent,
		AttemptCount:  r.AttemptCount,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	if r.StartedAt.Valid {
		started := r.StartedAt.Time
		t.StartedAt = &started
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time
		t.CompletedAt = &completed
	}
	return t, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// CreateTask inserts a task row.
func (p *Postgres) CreateTask(ctx context.Context, t *task.Task) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, client_id, task_type, tax_year, status,
			assigned_agent, attempt_count, metadata, created_at, updated_at,
			started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.ClientID, t.Type, t.TaxYear, t.Status,
		t.AssignedAgent, t.AttemptCount, metadata, t.CreatedAt, t.UpdatedAt,
		t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (p *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE task_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return row.toTask()
}

// ListTasks returns tasks matching the filter, oldest first.
func (p *Postgres) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.ClientID != "" {
		add("client_id", f.ClientID)
	}
	if f.Type != "" {
		add("task_type", f.Type)
	}
	if f.AssignedAgent != "" {
		add("assigned_agent", f.AssignedAgent)
	}
	query += " ORDER BY created_at, task_id"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Transition runs the guarded mutation inside a transaction holding a
// row lock, so the status check and the write are atomic across
// workers.
func (p *Postgres) Transition(ctx context.Context, id string, from []task.Status, apply func(*task.Task) error) (_ *task.Task, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var row taskRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE task_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}

	t, err := row.toTask()
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &task.InvalidTransitionError{TaskID: id, From: t.Status}
	}

	if err = apply(t); err != nil {
		return nil, err
	}

	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = $2, assigned_agent = $3, attempt_count = $4,
			metadata = $5, updated_at = $6, started_at = $7, completed_at = $8
		WHERE task_id = $1`,
		t.ID, t.Status, t.AssignedAgent, t.AttemptCount,
		metadata, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// AddArtifact inserts an artifact row.
func (p *Postgres) AddArtifact(ctx context.Context, a *task.Artifact) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_artifacts (artifact_id, task_id, kind, path, hash, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TaskID, a.Kind, a.Path, a.Hash, a.Attempt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a task's artifacts, oldest first.
func (p *Postgres) ListArtifacts(ctx context.Context, taskID string) ([]*task.Artifact, error) {
	var out []*task.Artifact
	err := p.db.SelectContext(ctx, &out, `
		SELECT artifact_id, task_id, kind, path, hash, attempt, created_at
		FROM task_artifacts WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select artifacts: %w", err)
	}
	return out, nil
}

// LatestArtifact returns the newest artifact of the given kind across
// the client's completed tasks for the tax year.
func (p *Postgres) LatestArtifact(ctx context.Context, clientID string, taxYear int, kind task.ArtifactKind) (*task.Artifact, error) {
	var a task.Artifact
	err := p.db.GetContext(ctx, &a, `
		SELECT a.artifact_id, a.task_id, a.kind, a.path, a.hash, a.attempt, a.created_at
		FROM task_artifacts a
		JOIN tasks t ON t.task_id = a.task_id
		WHERE t.client_id = $1 AND t.tax_year = $2 AND t.status = $3 AND a.kind = $4
		ORDER BY a.created_at DESC
		LIMIT 1`,
		clientID, taxYear, task.StatusCompleted, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest artifact: %w", err)
	}
	return &a, nil
}

// CreateEscalation inserts an escalation row.
func (p *Postgres) CreateEscalation(ctx context.Context, e *task.Escalation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escalations (escalation_id, task_id, reason, context, blocking, created_at, resolved_at, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TaskID, e.Reason, []byte(e.Context), e.Blocking, e.CreatedAt, e.ResolvedAt, e.Resolution)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

type escalationRow struct {
	ID         string       `db:"escalation_id"`
	TaskID     string       `db:"task_id"`
	Reason     string       `db:"reason"`
	Context    []byte       `db:"context"`
	Blocking   bool         `db:"blocking"`
	CreatedAt  time.Time    `db:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
	Resolution string       `db:"resolution"`
}

// ListEscalations returns a task's escalations, oldest first.
func (p *Postgres) ListEscalations(ctx context.Context, taskID string) ([]*task.Escalation, error) {
	var rows []escalationRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM escalations WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select escalations: %w", err)
	}
	out := make([]*task.Escalation, len(rows))
	for i, r := range rows {
		e := &task.Escalation{
			ID:         r.ID,
			TaskID:     r.TaskID,
			Reason:     r.Reason,
			Context:    json.RawMessage(r.Context),
			Blocking:   r.Blocking,
			CreatedAt:  r.CreatedAt,
			Resolution: r.Resolution,
		}
		if r.ResolvedAt.Valid {
			resolved := r.ResolvedAt.Time
			e.ResolvedAt = &resolved
		}
		out[i] = e
	}
	return out, nil
}

// ResolveEscalation stamps an escalation resolved.
func (p *Postgres) ResolveEscalation(ctx context.Context, escalationID, resolution string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escalations SET resolved_at = NOW(), resolution = $2
		WHERE escalation_id = $1 AND resolved_at IS NULL`,
		escalationID, resolution)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("escalation %s: %w", escalationID, task.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// skill.Store
// ---------------------------------------------------------------------------

type skillRow struct {
	Name          string    `db:"skill_name"`
	Version       string    `db:"version"`
	EffectiveDate time.Time `db:"effective_date"`
	Tags          []byte    `db:"tags"`
	Content       []byte    `db:"content"`
}

// PutSkill inserts a skill version; the primary key enforces the
// (name, effective_date) uniqueness rule.
func (p *Postgres) PutSkill(ctx context.Context, s *skill.Skill) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("encode skill tags: %w", err)
	}
	content, err := json.Marshal(s.Content)
	if err != nil {
		return fmt.Errorf("encode skill content: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO skills (skill_name, version, effective_date, tags, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (skill_name, effective_date) DO NOTHING`,
		s.Name, s.Version, s.EffectiveDate, tags, content)
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	if affected == 0 {
		return skill.ErrDuplicateSkill
	}
	return nil
}

// ListSkillVersions returns every stored version of a skill.
func (p *Postgres) ListSkillVersions(ctx context.Context, name string) ([]*skill.Skill, error) {
	var rows []skillRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM skills WHERE skill_name = $1 ORDER BY effective_date`, name)
	if err != nil {
		return nil, fmt.Errorf("select skill versions: %w", err)
	}
	out := make([]*skill.Skill, len(rows))
	for i, r := range rows {
		s := &skill.Skill{
			Name:          r.Name,
			Version:       r.Version,
			EffectiveDate: r.EffectiveDate.UTC(),
		}
		if len(r.Tags) > 0 {
			if err := json.Unmarshal(r.Tags, &s.Tags); err != nil {
				return nil, fmt.Errorf("decode skill tags: %w", err)
			}
		}
		if err := json.Unmarshal(r.Content, &s.Content); err != nil {
			return nil, fmt.Errorf("decode skill content: %w", err)
		}
		out[i] = s
	}
	return out, nil
}

// ListSkillNames returns the distinct skill names.
func (p *Postgres) ListSkillNames(ctx context.Context) ([]string, error) {
	var names []string
	err := p.db.SelectContext(ctx, &names, `
		SELECT DISTINCT skill_name FROM skills ORDER BY skill_name`)
	if err != nil {
		return nil, fmt.Errorf("select skill names: %w", err)
	}
	return names, nil
}

// ---------------------------------------------------------------------------
// profile.Store
// ---------------------------------------------------------------------------

type profileRow struct {
	ID            string       `db:"id"`
	ClientID      string       `db:"client_id"`
	EntryType     string       `db:"entry_type"`
	Payload       []byte       `db:"payload"`
	AuthorKind    string       `db:"author_kind"`
	AuthorID      string       `db:"author_id"`
	EffectiveDate sql.NullTime `db:"effective_date"`
	Archived      bool         `db:"archived"`
	CreatedAt     time.Time    `db:"created_at"`
}

func (r *profileRow) toEntry() *profile.Entry {
	e := &profile.Entry{
		ID:        r.ID,
		ClientID:  r.ClientID,
		EntryType: r.EntryType,
		Payload:   json.RawMessage(r.Payload),
		Author: profile.Author{
			Kind: profile.AuthorKind(r.AuthorKind),
			ID:   r.AuthorID,
		},
		Archived:  r.Archived,
		CreatedAt: r.CreatedAt,
	}
	if r.EffectiveDate.Valid {
		eff := r.EffectiveDate.Time
		e.EffectiveDate = &eff
	}
	return e
}

// AppendEntry writes one immutable profile entry.
func (p *Postgres) AppendEntry(ctx context.Context, e *profile.Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_profile_entries
			(id, client_id, entry_type, payload, author_kind, author_id, effective_date, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ClientID, e.EntryType, []byte(e.Payload),
		e.Author.Kind, e.Author.ID, e.EffectiveDate, e.Archived, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert profile entry: %w", err)
	}
	return nil
}

// ListEntries returns a client's entries in chronological order.
func (p *Postgres) ListEntries(ctx context.Context, clientID string, f profile.HistoryFilter) ([]*profile.Entry, error) {
	query := `SELECT * FROM client_profile_entries WHERE client_id = $1`
	args := []any{clientID}
	if !f.IncludeArchived {
		query += ` AND NOT archived`
	}
	if f.EntryType != "" {
		args = append(args, f.EntryType)
		query += fmt.Sprintf(` AND entry_type = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []profileRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select profile entries: %w", err)
	}
	out := make([]*profile.Entry, len(rows))
	for i := range rows {
		out[i] = rows[i].toEntry()
	}
	return out, nil
}

// CountEntries counts a client's entries.
func (p *Postgres) CountEntries(ctx context.Context, clientID string, f profile.HistoryFilter) (int, error) {
	query := `SELECT COUNT(*) FROM client_profile_entries WHERE client_id = $1`
	args := []any{clientID}
	if !f.IncludeArchived {
		query += ` AND NOT archived`
	}
	if f.EntryType != "" {
		args = append(args, f.EntryType)
		query += fmt.Sprintf(` AND entry_type = $%d`, len(args))
	}
	var count int
	if err := p.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count profile entries: %w", err)
	}
	return count, nil
}

// ArchiveEntriesBefore marks old entries archived.
func (p *Postgres) ArchiveEntriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE client_profile_entries SET archived = TRUE
		WHERE NOT archived AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive profile entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive profile entries: %w", err)
	}
	return int(affected), nil
}

// ProfileView computes the latest-per-type projection in a single
// window query.
func (p *Postgres) ProfileView(ctx context.Context, clientID string) (profile.View, error) {
	var rows []struct {
		EntryType string `db:"entry_type"`
		Payload   []byte `db:"payload"`
	}
	err := p.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (entry_type) entry_type, payload
		FROM client_profile_entries
		WHERE client_id = $1 AND NOT archived
		ORDER BY entry_type, created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("select profile view: %w", err)
	}
	view := make(profile.View, len(rows))
	for _, r := range rows {
		view[r.EntryType] = json.RawMessage(r.Payload)
	}
	return view, nil
}

// ---------------------------------------------------------------------------
// feedback.Store
// ---------------------------------------------------------------------------

type feedbackRow struct {
	ID               string    `db:"id"`
	TaskID           string    `db:"task_id"`
	ArtifactID       string    `db:"artifact_id"`
	Kind             string    `db:"kind"`
	OriginalContent  string    `db:"original_content"`
	CorrectedContent string    `db:"corrected_content"`
	Diff             []byte    `db:"diff"`
	Tags             []byte    `db:"tags"`
	Note             string    `db:"note"`
	Author           string    `db:"author"`
	CreatedAt        time.Time `db:"created_at"`
}

// CreateFeedback inserts a feedback entry. There is no update or
// delete statement for feedback anywhere in this store.
func (p *Postgres) CreateFeedback(ctx context.Context, e *feedback.Entry) error {
	var diff, tags []byte
	var err error
	if e.Diff != nil {
		if diff, err = json.Marshal(e.Diff); err != nil {
			return fmt.Errorf("encode feedback diff: %w", err)
		}
	}
	if e.Tags != nil {
		if tags, err = json.Marshal(e.Tags); err != nil {
			return fmt.Errorf("encode feedback tags: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO feedback_entries (id, task_id, artifact_id, kind, original_content, corrected_content, diff, tags, note, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TaskID, e.ArtifactID, e.Kind, e.OriginalContent, e.CorrectedContent, diff, tags, e.Note, e.Author, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns a task's feedback entries, oldest first.
func (p *Postgres) ListFeedback(ctx context.Context, taskID string) ([]*feedback.Entry, error) {
	var rows []feedbackRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM feedback_entries WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select feedback: %w", err)
	}
	out := make([]*feedback.Entry, len(rows))
	for i, r := range rows {
		e := &feedback.Entry{
			ID:               r.ID,
			TaskID:           r.TaskID,
			ArtifactID:       r.ArtifactID,
			Kind:             feedback.Kind(r.Kind),
			OriginalContent:  r.OriginalContent,
			CorrectedContent: r.CorrectedContent,
			Note:             r.Note,
			Author:           r.Author,
			CreatedAt:        r.CreatedAt,
		}
		if len(r.Diff) > 0 {
			if err := json.Unmarshal(r.Diff, &e.Diff); err != nil {
				return nil, fmt.Errorf("decode feedback diff: %w", err)
			}
		}
		if len(r.Tags) > 0 {
			if err := json.Unmarshal(r.Tags, &e.Tags); err != nil {
				return nil, fmt.Errorf("decode feedback tags: %w", err)
			}
		}
		out[i] = e
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// contextbuilder.DocumentStore
// ---------------------------------------------------------------------------

// AddDocument registers document metadata for a client.
func (p *Postgres) AddDocument(ctx context.Context, d *contextbuilder.DocumentMeta) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_documents (id, client_id, tax_year, document_type, file_name, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.ClientID, d.TaxYear, d.DocumentType, d.FileName, d.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// ListDocuments returns a client's documents for a tax year.
func (p *Postgres) ListDocuments(ctx context.Context, clientID string, taxYear int) ([]*contextbuilder.DocumentMeta, error) {
	var out []*contextbuilder.DocumentMeta
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, client_id, tax_year, document_type, file_name, uploaded_at
		FROM client_documents
		WHERE client_id = $1 AND tax_year = $2
		ORDER BY uploaded_at, id`, clientID, taxYear)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// search.EmbeddingStore / search.Index
// ---------------------------------------------------------------------------

func (p *Postgres) checkDims(vec []float32) error {
	if len(vec) != p.dims {
		return &search.DimensionError{Want: p.dims, Got: len(vec)}
	}
	return nil
}

// ReplaceChunks atomically replaces all chunks for one owner.
func (p *Postgres) ReplaceChunks(ctx context.Context, sel search.Selector, ownerID string, chunks []*search.Chunk) (err error) {
	if err := sel.Validate(); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := p.checkDims(c.Embedding); err != nil {
			return err
		}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace chunks: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	switch sel.Corpus {
	case search.CorpusSkills:
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM skill_embeddings WHERE owner_id = $1`, ownerID); err != nil {
			return fmt.Errorf("delete skill chunks: %w", err)
		}
		for _, c := range chunks {
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO skill_embeddings (owner_id, chunk_index, chunk_text, embedding)
				VALUES ($1, $2, $3, $4)`,
				c.OwnerID, c.ChunkIndex, c.ChunkText, pgvector.NewVector(c.Embedding)); err != nil {
				return fmt.Errorf("insert skill chunk: %w", err)
			}
		}
	case search.CorpusDocuments:
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM document_embeddings WHERE client_id = $1 AND owner_id = $2`,
			sel.ClientID, ownerID); err != nil {
			return fmt.Errorf("delete document chunks: %w", err)
		}
		for _, c := range chunks {
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO document_embeddings (client_id, owner_id, chunk_index, chunk_text, embedding)
				VALUES ($1, $2, $3, $4, $5)`,
				sel.ClientID, c.OwnerID, c.ChunkIndex, c.ChunkText, pgvector.NewVector(c.Embedding)); err != nil {
				return fmt.Errorf("insert document chunk: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace chunks: %w", err)
	}
	return nil
}

type chunkRow struct {
	OwnerID    string `db:"owner_id"`
	ChunkIndex int    `db:"chunk_index"`
	ChunkText  string `db:"chunk_text"`
}

func chunkRowsToChunks(rows []chunkRow) []*search.Chunk {
	out := make([]*search.Chunk, len(rows))
	for i, r := range rows {
		out[i] = &search.Chunk{
			OwnerID:    r.OwnerID,
			ChunkIndex: r.ChunkIndex,
			ChunkText:  r.ChunkText,
		}
	}
	return out
}

// VectorTopK returns the corpus chunks nearest to the query vector.
// <=> is pgvector's cosine distance operator; ordering ascending by
// distance is descending by similarity.
func (p *Postgres) VectorTopK(ctx context.Context, sel search.Selector, query []float32, k int) ([]*search.Chunk, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if err := p.checkDims(query); err != nil {
		return nil, err
	}

	var rows []chunkRow
	var err error
	vec := pgvector.NewVector(query)
	switch sel.Corpus {
	case search.CorpusSkills:
		err = p.db.SelectContext(ctx, &rows, `
			SELECT owner_id, chunk_index, chunk_text
			FROM skill_embeddings
			ORDER BY embedding <=> $1, owner_id, chunk_index
			LIMIT $2`, vec, k)
	case search.CorpusDocuments:
		err = p.db.SelectContext(ctx, &rows, `
			SELECT owner_id, chunk_index, chunk_text
			FROM document_embeddings
			WHERE client_id = $1
			ORDER BY embedding <=> $2, owner_id, chunk_index
			LIMIT $3`, sel.ClientID, vec, k)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return chunkRowsToChunks(rows), nil
}

// LexicalTopK ranks corpus chunks with full-text search.
func (p *Postgres) LexicalTopK(ctx context.Context, sel search.Selector, query string, k int) ([]*search.Chunk, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	var rows []chunkRow
	var err error
	switch sel.Corpus {
	case search.CorpusSkills:
		err = p.db.SelectContext(ctx, &rows, `
			SELECT owner_id, chunk_index, chunk_text
			FROM skill_embeddings
			WHERE to_tsvector('english', chunk_text) @@ plainto_tsquery('english', $1)
			ORDER BY ts_rank(to_tsvector('english', chunk_text), plainto_tsquery('english', $1)) DESC,
				owner_id, chunk_index
			LIMIT $2`, query, k)
	case search.CorpusDocuments:
		err = p.db.SelectContext(ctx, &rows, `
			SELECT owner_id, chunk_index, chunk_text
			FROM document_embeddings
			WHERE client_id = $1
				AND to_tsvector('english', chunk_text) @@ plainto_tsquery('english', $2)
			ORDER BY ts_rank(to_tsvector('english', chunk_text), plainto_tsquery('english', $2)) DESC,
				owner_id, chunk_index
			LIMIT $3`, sel.ClientID, query, k)
	}
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return chunkRowsToChunks(rows), nil
}

// ---------------------------------------------------------------------------
// dispatch.LogStore
// ---------------------------------------------------------------------------

type agentLogRow struct {
	ID         string       `db:"id"`
	TaskID     string       `db:"task_id"`
	Agent      string       `db:"agent"`
	Attempt    int          `db:"attempt"`
	Outcome    string       `db:"outcome"`
	Reason     string       `db:"reason"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

// AppendAgentLog inserts one handler-invocation record.
func (p *Postgres) AppendAgentLog(ctx context.Context, l *dispatch.AgentLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_logs (id, task_id, agent, attempt, outcome, reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.TaskID, l.Agent, l.Attempt, l.Outcome, l.Reason, l.StartedAt, l.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert agent log: %w", err)
	}
	return nil
}

// ListAgentLogs returns a task's invocation records, oldest first.
func (p *Postgres) ListAgentLogs(ctx context.Context, taskID string) ([]*dispatch.AgentLog, error) {
	var rows []agentLogRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_logs WHERE task_id = $1 ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select agent logs: %w", err)
	}
	out := make([]*dispatch.AgentLog, len(rows))
	for i, r := range rows {
		l := &dispatch.AgentLog{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Agent:     r.Agent,
			Attempt:   r.Attempt,
			Outcome:   r.Outcome,
			Reason:    r.Reason,
			StartedAt: r.StartedAt,
		}
		if r.FinishedAt.Valid {
			finished := r.FinishedAt.Time
			l.FinishedAt = &finished
		}
		out[i] = l
	}
	return out, nil
}
