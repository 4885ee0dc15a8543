// Package profile maintains the append-only client log and its derived
// views. Entries are never updated or deleted; the current picture of a
// client is always computed from the log, latest payload per entry
// type.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ArchiveAge is how old an entry must be before it is archived.
// Archived entries drop out of the view but stay in history.
const ArchiveAge = 3 * 365 * 24 * time.Hour

// AuthorKind distinguishes human preparers from agents.
type AuthorKind string

// Author kinds.
const (
	AuthorHuman AuthorKind = "human"
	AuthorAgent AuthorKind = "agent"
)

// Valid reports whether k is a known author kind.
func (k AuthorKind) Valid() bool {
	return k == AuthorHuman || k == AuthorAgent
}

// Author identifies who appended an entry.
type Author struct {
	Kind AuthorKind `json:"kind" db:"author_kind"`
	ID   string     `json:"id" db:"author_id"`
}

// Entry is one immutable row of a client's profile log.
type Entry struct {
	ID            string          `json:"id" db:"id"`
	ClientID      string          `json:"client_id" db:"client_id"`
	EntryType     string          `json:"entry_type" db:"entry_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Author        Author          `json:"author"`
	EffectiveDate *time.Time      `json:"effective_date,omitempty" db:"effective_date"`
	Archived      bool            `json:"archived" db:"archived"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// View is the derived latest-payload-per-type projection.
type View map[string]json.RawMessage

// HistoryFilter narrows History and Count queries.
type HistoryFilter struct {
	// EntryType restricts results to one entry type. Empty matches all.
	EntryType string
	// IncludeArchived includes archived rows.
	IncludeArchived bool
	// Limit caps the number of returned entries. Zero means no cap.
	Limit int
}

// Errors returned by the profile service.
var (
	// ErrNilPayload rejects appends with no payload.
	ErrNilPayload = errors.New("profile entry payload must not be null")
	// ErrImmutable rejects any attempt to change or remove an entry.
	ErrImmutable = errors.New("profile entries are append-only")
)

// Store persists profile log entries.
type Store interface {
	// AppendEntry writes one immutable entry.
	AppendEntry(ctx context.Context, e *Entry) error

	// ListEntries returns a client's entries in chronological order.
	ListEntries(ctx context.Context, clientID string, f HistoryFilter) ([]*Entry, error)

	// CountEntries counts a client's entries.
	CountEntries(ctx context.Context, clientID string, f HistoryFilter) (int, error)

	// ArchiveEntriesBefore marks entries created before the cutoff as
	// archived and returns how many rows changed.
	ArchiveEntriesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service exposes the profile log operations.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a profile service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Append writes a new entry to the client's log. The payload must be
// present; JSON null is rejected the same as nil.
func (s *Service) Append(ctx context.Context, clientID, entryType string, payload json.RawMessage, author Author) (*Entry, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, ErrNilPayload
	}
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}
	if entryType == "" {
		return nil, errors.New("entry_type is required")
	}
	if !author.Kind.Valid() {
		return nil, errors.New("author kind must be human or agent")
	}

	e := &Entry{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		EntryType: entryType,
		Payload:   payload,
		Author:    author,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Viewer is implemented by stores that can compute the latest-per-type
// projection themselves, e.g. with one window query instead of a full
// log scan.
type Viewer interface {
	ProfileView(ctx context.Context, clientID string) (View, error)
}

// View derives the latest payload per entry type from the non-archived
// log. The view is computed at read time, never stored.
func (s *Service) View(ctx context.Context, clientID string) (View, error) {
	if v, ok := s.store.(Viewer); ok {
		return v.ProfileView(ctx, clientID)
	}

	entries, err := s.store.ListEntries(ctx, clientID, HistoryFilter{})
	if err != nil {
		return nil, err
	}

	view := make(View)
	// Entries arrive oldest first; later rows win per type.
	for _, e := range entries {
		view[e.EntryType] = e.Payload
	}
	return view, nil
}

// History returns chronological entries, optionally filtered by type,
// including archived rows only when asked.
func (s *Service) History(ctx context.Context, clientID string, f HistoryFilter) ([]*Entry, error) {
	return s.store.ListEntries(ctx, clientID, f)
}

// Count returns the number of entries for a client.
func (s *Service) Count(ctx context.Context, clientID string, f HistoryFilter) (int, error) {
	return s.store.CountEntries(ctx, clientID, f)
}

// Archive marks entries older than ArchiveAge as archived. Intended to
// run periodically; returns the number of entries archived.
func (s *Service) Archive(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-ArchiveAge)
	return s.store.ArchiveEntriesBefore(ctx, cutoff)
}
