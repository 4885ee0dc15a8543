// Package search provides hybrid retrieval over skill and client
// document corpora: dense vector search and lexical full-text search
// fused with Reciprocal Rank Fusion.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/preparedhq/prepflow/metrics"
)

// Fusion constants.
const (
	// RRFK is the Reciprocal Rank Fusion constant: each list
	// contributes 1/(RRFK + rank).
	RRFK = 60
	// DefaultK is the default number of fused results returned.
	DefaultK = 10
	// DefaultCandidates is the default per-list candidate depth m.
	DefaultCandidates = 20
)

// Corpus selects which embedding table a query runs against.
type Corpus string

// Corpora.
const (
	CorpusSkills    Corpus = "skills"
	CorpusDocuments Corpus = "documents_of_client"
)

// Selector names the corpus for one query. ClientID is required for
// the document corpus and ignored for skills.
type Selector struct {
	Corpus   Corpus
	ClientID string
}

// Validate checks the selector is well formed.
func (s Selector) Validate() error {
	switch s.Corpus {
	case CorpusSkills:
		return nil
	case CorpusDocuments:
		if s.ClientID == "" {
			return fmt.Errorf("client_id is required for the document corpus")
		}
		return nil
	default:
		return fmt.Errorf("unknown corpus %q", s.Corpus)
	}
}

// Chunk is one indexed piece of a skill or document.
type Chunk struct {
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	ChunkIndex int       `json:"chunk_index" db:"chunk_index"`
	ChunkText  string    `json:"chunk_text" db:"chunk_text"`
	Embedding  []float32 `json:"-" db:"-"`
}

// Key identifies a chunk within its corpus.
func (c *Chunk) Key() string {
	return fmt.Sprintf("%s#%d", c.OwnerID, c.ChunkIndex)
}

// Hit is one fused search result. VectorRank and LexicalRank are
// 1-based ranks in their lists, or 0 when the chunk was absent from
// that list; they explain where the score came from.
type Hit struct {
	Chunk       *Chunk  `json:"chunk"`
	Score       float64 `json:"score"`
	VectorRank  int     `json:"vector_rank,omitempty"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
}

// Index retrieves ranked candidates per corpus.
type Index interface {
	// VectorTopK returns up to m chunks ordered by cosine similarity to
	// the query vector, best first. Returns a DimensionError when the
	// query vector's dimensionality differs from the index.
	VectorTopK(ctx context.Context, sel Selector, query []float32, m int) ([]*Chunk, error)

	// LexicalTopK returns up to m chunks ordered by full-text rank
	// against the query string, best first.
	LexicalTopK(ctx context.Context, sel Selector, query string, m int) ([]*Chunk, error)
}

// Searcher runs hybrid queries.
type Searcher struct {
	index      Index
	embedder   Embedder
	candidates int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewSearcher creates a hybrid searcher.
func NewSearcher(index Index, embedder Embedder, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		index:      index,
		embedder:   embedder,
		candidates: DefaultCandidates,
		logger:     logger,
	}
}

// Instrument counts queries and embedding calls. m may be nil.
func (s *Searcher) Instrument(m *metrics.Metrics) {
	s.metrics = m
}

// Search embeds the query, retrieves vector and lexical candidates, and
// fuses them with RRF. k <= 0 selects DefaultK. An empty corpus yields
// an empty result, not an error.
func (s *Searcher) Search(ctx context.Context, sel Selector, query string, k int) ([]*Hit, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultK
	}
	if s.metrics != nil {
		s.metrics.SearchQueries.WithLabelValues(string(sel.Corpus)).Inc()
	}

	vec, err := s.embedder.Embed(ctx, query)
	observeEmbedding(s.metrics, s.embedder, err)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Run both retrievals concurrently; they hit independent indexes.
	var vectorList, lexicalList []*Chunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if vectorList, err = s.index.VectorTopK(gctx, sel, vec, s.candidates); err != nil {
			return fmt.Errorf("vector retrieval: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if lexicalList, err = s.index.LexicalTopK(gctx, sel, query, s.candidates); err != nil {
			return fmt.Errorf("lexical retrieval: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := Fuse(vectorList, lexicalList)
	if len(hits) > k {
		hits = hits[:k]
	}

	s.logger.Debug("Hybrid search complete",
		"corpus", sel.Corpus,
		"query_len", len(query),
		"vector_candidates", len(vectorList),
		"lexical_candidates", len(lexicalList),
		"results", len(hits))
	return hits, nil
}

// observeEmbedding records one embedder call by provider and outcome.
func observeEmbedding(m *metrics.Metrics, e Embedder, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EmbeddingCalls.WithLabelValues(e.Name(), outcome).Inc()
}

// Fuse combines two ranked candidate lists with Reciprocal Rank
// Fusion: score(d) = sum over lists of 1/(RRFK + rank_in_list(d)),
// ranks 1-based. Chunks in only one list still score via their single
// term. Ties break by owner_id then chunk_index.
func Fuse(vectorList, lexicalList []*Chunk) []*Hit {
	byKey := make(map[string]*Hit)

	for i, c := range vectorList {
		rank := i + 1
		byKey[c.Key()] = &Hit{
			Chunk:      c,
			Score:      1 / float64(RRFK+rank),
			VectorRank: rank,
		}
	}
	for i, c := range lexicalList {
		rank := i + 1
		if h, ok := byKey[c.Key()]; ok {
			h.Score += 1 / float64(RRFK+rank)
			h.LexicalRank = rank
			continue
		}
		byKey[c.Key()] = &Hit{
			Chunk:       c,
			Score:       1 / float64(RRFK+rank),
			LexicalRank: rank,
		}
	}

	hits := make([]*Hit, 0, len(byKey))
	for _, h := range byKey {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.OwnerID != hits[j].Chunk.OwnerID {
			return hits[i].Chunk.OwnerID < hits[j].Chunk.OwnerID
		}
		return hits[i].Chunk.ChunkIndex < hits[j].Chunk.ChunkIndex
	})
	return hits
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a DimensionError when the lengths differ.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionError{Want: len(a), Got: len(b)}
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
