package feedback

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/metrics"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string][]*Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]*Entry)}
}

func (m *memStore) CreateFeedback(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.TaskID] = append(m.entries[e.TaskID], e)
	return nil
}

func (m *memStore) ListFeedback(ctx context.Context, taskID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry(nil), m.entries[taskID]...), nil
}

const originalWorksheet = `filing_status: MFJ
wages_box_1: 85000
federal_withheld: 9200
`

const correctedWorksheet = `filing_status: MFJ
wages_box_1: 87500
federal_withheld: 9200
`

func TestCaptureImplicit_WageCorrection(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	ctx := context.Background()

	e, err := svc.CaptureImplicit(ctx, "t1", "a1", "reviewer-7", originalWorksheet, correctedWorksheet)
	require.NoError(t, err)

	assert.Equal(t, KindImplicit, e.Kind)
	require.NotNil(t, e.Diff)
	assert.Equal(t, 1, e.Diff.Added)
	assert.Equal(t, 1, e.Diff.Removed)
	require.Len(t, e.Diff.Changes, 2)

	assert.Equal(t, ChangeRemoved, e.Diff.Changes[0].Type)
	assert.Equal(t, "wages_box_1: 85000", e.Diff.Changes[0].Text)
	assert.Equal(t, 2, e.Diff.Changes[0].Line)
	assert.Equal(t, ChangeAdded, e.Diff.Changes[1].Type)
	assert.Equal(t, "wages_box_1: 87500", e.Diff.Changes[1].Text)
	assert.Equal(t, 2, e.Diff.Changes[1].Line)
}

func TestCaptureImplicit_KeepsBothContents(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	ctx := context.Background()

	e, err := svc.CaptureImplicit(ctx, "t1", "a1", "reviewer-7", originalWorksheet, correctedWorksheet)
	require.NoError(t, err)
	assert.Equal(t, originalWorksheet, e.OriginalContent)
	assert.Equal(t, correctedWorksheet, e.CorrectedContent)

	// The stored entry must reproduce the correction on its own.
	stored, err := svc.ForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, originalWorksheet, stored[0].OriginalContent)
	assert.Equal(t, correctedWorksheet, stored[0].CorrectedContent)
}

func TestCaptureCountsByKind(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	svc := NewService(newMemStore(), nil)
	svc.Instrument(m)
	ctx := context.Background()

	_, err := svc.CaptureImplicit(ctx, "t1", "a1", "r1", "a\n", "b\n")
	require.NoError(t, err)
	_, err = svc.CaptureExplicit(ctx, "t1", "r1", []Tag{TagJudgmentCall}, "")
	require.NoError(t, err)
	_, err = svc.CaptureExplicit(ctx, "t1", "r1", []Tag{"vibes"}, "")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedbackCaptured.WithLabelValues("implicit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedbackCaptured.WithLabelValues("explicit")),
		"rejected captures must not count")
}

func TestCaptureImplicit_IdenticalContentsRejected(t *testing.T) {
	svc := NewService(newMemStore(), nil)

	_, err := svc.CaptureImplicit(context.Background(), "t1", "a1", "reviewer-7",
		originalWorksheet, originalWorksheet)
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestCaptureExplicit(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	e, err := svc.CaptureExplicit(ctx, "t1", "reviewer-7",
		[]Tag{TagMisclassified, TagCalculationFix}, "1099-NEC treated as W-2")
	require.NoError(t, err)
	assert.Equal(t, KindExplicit, e.Kind)
	assert.Len(t, e.Tags, 2)
	assert.Equal(t, "1099-NEC treated as W-2", e.Note)
}

func TestCaptureExplicit_RejectsEmptyAndUnknownTags(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	ctx := context.Background()

	_, err := svc.CaptureExplicit(ctx, "t1", "reviewer-7", nil, "note")
	assert.ErrorIs(t, err, ErrNoTags)

	_, err = svc.CaptureExplicit(ctx, "t1", "reviewer-7", []Tag{"vibes"}, "")
	var unknown *UnknownTagError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, Tag("vibes"), unknown.Tag)
}

func TestForTaskAndTagCounts(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	ctx := context.Background()

	_, err := svc.CaptureExplicit(ctx, "t1", "r1", []Tag{TagMisclassified}, "")
	require.NoError(t, err)
	_, err = svc.CaptureExplicit(ctx, "t1", "r2", []Tag{TagMisclassified, TagJudgmentCall}, "")
	require.NoError(t, err)
	_, err = svc.CaptureImplicit(ctx, "t1", "a1", "r1", "a\n", "b\n")
	require.NoError(t, err)

	entries, err := svc.ForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	counts, err := svc.TagCounts(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TagMisclassified])
	assert.Equal(t, 1, counts[TagJudgmentCall])
}

func TestDiff_PureAdditionAndRemoval(t *testing.T) {
	d := Diff("a\nb\n", "a\nb\nc\n")
	assert.Equal(t, 1, d.Added)
	assert.Zero(t, d.Removed)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, ChangeAdded, d.Changes[0].Type)
	assert.Equal(t, 3, d.Changes[0].Line)

	d = Diff("a\nb\nc\n", "a\nc\n")
	assert.Equal(t, 1, d.Removed)
	assert.Zero(t, d.Added)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, ChangeRemoved, d.Changes[0].Type)
	assert.Equal(t, "b", d.Changes[0].Text)
	assert.Equal(t, 2, d.Changes[0].Line)
}

func TestDiff_Identical(t *testing.T) {
	assert.True(t, Diff("same\n", "same\n").Empty())
	assert.True(t, Diff("", "").Empty())
}
