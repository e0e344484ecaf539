package storage

import (
	"context"
	"fmt"
	"time"
)

// DefaultSimilarityThreshold marks documents as near-duplicates
const DefaultSimilarityThreshold = 0.95

// VectorStore is the vector database surface VectorIndex needs
type VectorStore interface {
	Upsert(ctx context.Context, point *VectorPoint) error
	Search(ctx context.Context, vector []float32, limit int) ([]*VectorPoint, error)
}

// Match is an indexed document similar to a query
type Match struct {
	DocumentID int64
	Filename   string
	Score      float32
}

// VectorIndex finds documents whose text is nearly identical to new input
type VectorIndex struct {
	embedder  Embedder
	store     VectorStore
	threshold float32
}

// NewVectorIndex combines an embedder with a vector store. threshold <= 0
// uses DefaultSimilarityThreshold.
func NewVectorIndex(embedder Embedder, store VectorStore, threshold float64) *VectorIndex {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &VectorIndex{embedder: embedder, store: store, threshold: float32(threshold)}
}

// Similar embeds text and returns the vector together with indexed
// documents scoring at or above the threshold
func (x *VectorIndex) Similar(ctx context.Context, text string, limit int) ([]float32, []Match, error) {
	vector, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed text: %w", err)
	}

	points, err := x.store.Search(ctx, vector, limit)
	if err != nil {
		return vector, nil, err
	}

	var matches []Match
	for _, p := range points {
		if p.Score < x.threshold {
			continue
		}
		m := Match{Score: p.Score}
		if id, ok := p.Metadata["doc_id"].(int64); ok {
			m.DocumentID = id
		}
		if name, ok := p.Metadata["filename"].(string); ok {
			m.Filename = name
		}
		matches = append(matches, m)
	}
	return vector, matches, nil
}

// Add stores the vector of a persisted document
func (x *VectorIndex) Add(ctx context.Context, vector []float32, docID int64, filename string) error {
	return x.store.Upsert(ctx, &VectorPoint{
		Vector: vector,
		Metadata: map[string]interface{}{
			"doc_id":     docID,
			"filename":   filename,
			"indexed_at": time.Now().Unix(),
		},
	})
}
