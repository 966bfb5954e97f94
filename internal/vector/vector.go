package vector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
)

// ErrDimensionMismatch is returned when a query vector does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one nearest-neighbour result. Distance is squared Euclidean.
type Hit struct {
	RowID    int64
	Distance float32
}

type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
}

type Metadata interface {
	ChunksByRowIDs(ctx context.Context, ids []int64) (map[int64]models.ChunkRecord, error)
}

// Retriever resolves index hits into chunks through the parallel metadata
// store.
type Retriever struct {
	index Index
	meta  Metadata
}

func NewRetriever(index Index, meta Metadata) *Retriever {
	return &Retriever{index: index, meta: meta}
}

// Search returns up to k chunks in hit order. Hits without metadata are
// dropped.
func (r *Retriever) Search(ctx context.Context, query []float32, k int) ([]models.RetrievedChunk, error) {
	hits, err := r.index.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.RowID
	}

	meta, err := r.meta.ChunksByRowIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chunk metadata: %w", err)
	}

	chunks := make([]models.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		rec, ok := meta[h.RowID]
		if !ok {
			logger.Warn("Index hit without metadata", zap.Int64("row_id", h.RowID))
			continue
		}
		chunks = append(chunks, models.RetrievedChunk{
			Text:       rec.Text,
			SourceID:   rec.Source,
			ChunkIndex: rec.ChunkIndex,
			Distance:   h.Distance,
		})
	}

	logger.Debug("Vector search completed", zap.Int("k", k), zap.Int("results", len(chunks)))
	return chunks, nil
}
