package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/preparedhq/prepflow/metrics"
	"github.com/preparedhq/prepflow/skill"
)

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 1200

// EmbeddingStore persists chunk embeddings per corpus.
type EmbeddingStore interface {
	// ReplaceChunks atomically replaces all chunks for one owner in the
	// corpus. Embeddings must all share the index dimensionality.
	ReplaceChunks(ctx context.Context, sel Selector, ownerID string, chunks []*Chunk) error
}

// Ingestor chunks text, embeds each chunk, and writes the result to the
// embedding store. It is the single administrative writer for the
// embedding tables.
type Ingestor struct {
	store     EmbeddingStore
	embedder  Embedder
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewIngestor creates an ingestor.
func NewIngestor(store EmbeddingStore, embedder Embedder, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     store,
		embedder:  embedder,
		chunkSize: DefaultChunkSize,
		logger:    logger,
	}
}

// Instrument counts embedding calls made while indexing. m may be nil.
func (ing *Ingestor) Instrument(m *metrics.Metrics) {
	ing.metrics = m
}

// IndexSkill indexes a skill version's content into the skill corpus.
// The owner is the skill name, so re-indexing a new version replaces
// the old one in retrieval.
func (ing *Ingestor) IndexSkill(ctx context.Context, s *skill.Skill) error {
	var b strings.Builder
	b.WriteString(s.Content.Instructions)
	for _, ex := range s.Content.Examples {
		b.WriteString("\n\n")
		b.WriteString(ex)
	}
	for _, c := range s.Content.Constraints {
		b.WriteString("\n\n")
		b.WriteString(c)
	}
	for _, tr := range s.Content.EscalationTriggers {
		b.WriteString("\n\n")
		b.WriteString(tr)
	}

	return ing.index(ctx, Selector{Corpus: CorpusSkills}, s.Name, b.String())
}

// IndexDocument indexes one client document into the document corpus.
func (ing *Ingestor) IndexDocument(ctx context.Context, clientID, documentID, text string) error {
	sel := Selector{Corpus: CorpusDocuments, ClientID: clientID}
	return ing.index(ctx, sel, documentID, text)
}

func (ing *Ingestor) index(ctx context.Context, sel Selector, ownerID, text string) error {
	parts := ChunkText(text, ing.chunkSize)
	chunks := make([]*Chunk, 0, len(parts))
	for i, part := range parts {
		vec, err := ing.embedder.Embed(ctx, part)
		observeEmbedding(ing.metrics, ing.embedder, err)
		if err != nil {
			return fmt.Errorf("embed chunk %d of %s: %w", i, ownerID, err)
		}
		chunks = append(chunks, &Chunk{
			OwnerID:    ownerID,
			ChunkIndex: i,
			ChunkText:  part,
			Embedding:  vec,
		})
	}

	if err := ing.store.ReplaceChunks(ctx, sel, ownerID, chunks); err != nil {
		return fmt.Errorf("store chunks for %s: %w", ownerID, err)
	}

	ing.logger.Debug("Indexed owner",
		"corpus", sel.Corpus,
		"owner", ownerID,
		"chunks", len(chunks))
	return nil
}

// ChunkText splits text into chunks of at most maxLen characters,
// preferring paragraph boundaries. Empty paragraphs are dropped.
func ChunkText(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultChunkSize
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// Paragraphs longer than maxLen are split hard.
		for len(para) > maxLen {
			flush()
			chunks = append(chunks, strings.TrimSpace(para[:maxLen]))
			para = strings.TrimSpace(para[maxLen:])
		}
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+2+len(para) > maxLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
