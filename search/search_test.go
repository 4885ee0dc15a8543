package search

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/metrics"
)

func chunk(owner string, idx int) *Chunk {
	return &Chunk{OwnerID: owner, ChunkIndex: idx, ChunkText: owner + " text"}
}

func TestFuse_ReciprocalRankScores(t *testing.T) {
	a, b, c := chunk("a", 0), chunk("b", 0), chunk("c", 0)

	// Vector rank [A,B,C], lexical rank [B,A,C].
	hits := Fuse([]*Chunk{a, b, c}, []*Chunk{b, a, c})
	require.Len(t, hits, 3)

	scoreAB := 1.0/61 + 1.0/62
	scoreC := 1.0/63 + 1.0/63

	// A and B tie exactly; owner_id breaks the tie.
	assert.Equal(t, "a", hits[0].Chunk.OwnerID)
	assert.InDelta(t, scoreAB, hits[0].Score, 1e-12)
	assert.Equal(t, "b", hits[1].Chunk.OwnerID)
	assert.InDelta(t, scoreAB, hits[1].Score, 1e-12)
	assert.Equal(t, "c", hits[2].Chunk.OwnerID)
	assert.InDelta(t, scoreC, hits[2].Score, 1e-12)

	// Membership ranks are reported for explainability.
	assert.Equal(t, 1, hits[0].VectorRank)
	assert.Equal(t, 2, hits[0].LexicalRank)
	assert.Equal(t, 2, hits[1].VectorRank)
	assert.Equal(t, 1, hits[1].LexicalRank)
}

func TestFuse_SingleListMembership(t *testing.T) {
	a, b := chunk("a", 0), chunk("b", 0)

	hits := Fuse([]*Chunk{a}, []*Chunk{b})
	require.Len(t, hits, 2)

	for _, h := range hits {
		assert.InDelta(t, 1.0/61, h.Score, 1e-12,
			"single-list chunks score via their one term")
	}
	assert.Equal(t, "a", hits[0].Chunk.OwnerID, "tie broken by owner_id")
	assert.Equal(t, 1, hits[0].VectorRank)
	assert.Zero(t, hits[0].LexicalRank)
	assert.Zero(t, hits[1].VectorRank)
	assert.Equal(t, 1, hits[1].LexicalRank)
}

func TestFuse_TieBreakByChunkIndex(t *testing.T) {
	c1, c2 := chunk("a", 2), chunk("a", 1)

	hits := Fuse([]*Chunk{c1}, []*Chunk{c2})
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Chunk.ChunkIndex)
	assert.Equal(t, 2, hits[1].Chunk.ChunkIndex)
}

func TestFuse_EmptyLists(t *testing.T) {
	assert.Empty(t, Fuse(nil, nil))
}

type fakeIndex struct {
	vector  []*Chunk
	lexical []*Chunk
}

func (f *fakeIndex) VectorTopK(ctx context.Context, sel Selector, query []float32, m int) ([]*Chunk, error) {
	return f.vector, nil
}

func (f *fakeIndex) LexicalTopK(ctx context.Context, sel Selector, query string, m int) ([]*Chunk, error) {
	return f.lexical, nil
}

func TestSearcher_EmptyCorpus(t *testing.T) {
	s := NewSearcher(&fakeIndex{}, NewMockEmbedder(8), nil)

	hits, err := s.Search(context.Background(), Selector{Corpus: CorpusSkills}, "wages", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearcher_TruncatesToK(t *testing.T) {
	idx := &fakeIndex{}
	for i := 0; i < 15; i++ {
		idx.vector = append(idx.vector, chunk("s", i))
	}
	s := NewSearcher(idx, NewMockEmbedder(8), nil)

	hits, err := s.Search(context.Background(), Selector{Corpus: CorpusSkills}, "wages", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestSearcher_CountsQueriesAndEmbeddings(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := NewSearcher(&fakeIndex{}, NewMockEmbedder(8), nil)
	s.Instrument(m)
	ctx := context.Background()

	_, err := s.Search(ctx, Selector{Corpus: CorpusSkills}, "wages", 5)
	require.NoError(t, err)
	_, err = s.Search(ctx, Selector{Corpus: CorpusDocuments, ClientID: "c1"}, "wages", 5)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueries.WithLabelValues("skills")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueries.WithLabelValues("documents_of_client")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmbeddingCalls.WithLabelValues("mock", "ok")))
}

func TestSearcher_SelectorValidation(t *testing.T) {
	s := NewSearcher(&fakeIndex{}, NewMockEmbedder(8), nil)
	ctx := context.Background()

	_, err := s.Search(ctx, Selector{Corpus: CorpusDocuments}, "wages", 10)
	assert.Error(t, err, "document corpus requires a client_id")

	_, err = s.Search(ctx, Selector{Corpus: "everything"}, "wages", 10)
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	m := NewMockEmbedder(16)
	ctx := context.Background()

	v1, err := m.Embed(ctx, "box 1 wages")
	require.NoError(t, err)
	v2, err := m.Embed(ctx, "box 1 wages")
	require.NoError(t, err)
	v3, err := m.Embed(ctx, "schedule c expenses")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, v3)
	assert.Len(t, v1, 16)

	// Unit length.
	sim, err := CosineSimilarity(v1, v1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestChunkText(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\n\n\nthird"
	chunks := ChunkText(text, 1000)
	require.Len(t, chunks, 1, "short paragraphs coalesce into one chunk")
	assert.Contains(t, chunks[0], "first paragraph")
	assert.Contains(t, chunks[0], "third")

	chunks = ChunkText(text, 20)
	require.GreaterOrEqual(t, len(chunks), 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 20)
	}

	long := strings.Repeat("x", 50)
	chunks = ChunkText(long, 20)
	require.Len(t, chunks, 3, "oversized paragraphs are split hard")

	assert.Empty(t, ChunkText("   \n\n  ", 100))
}
