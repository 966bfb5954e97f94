// Package flat holds an exhaustive squared-L2 index kept entirely in memory.
package flat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/internal/vector"
)

type VectorSource interface {
	LoadVectors(ctx context.Context) ([]models.VectorRecord, error)
}

type Index struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
}

func New(dim int) *Index {
	return &Index{dim: dim}
}

// Load replaces the index contents. Position i must hold row id i.
func Load(ctx context.Context, src VectorSource) (*Index, error) {
	records, err := src.LoadVectors(ctx)
	if err != nil {
		return nil, err
	}

	idx := &Index{}
	for _, rec := range records {
		if err := idx.Add(rec.Embedding); err != nil {
			return nil, fmt.Errorf("failed to add row %d: %w", rec.RowID, err)
		}
	}
	return idx, nil
}

// Add appends a vector and returns nil if its dimension matches. The first
// vector fixes the dimension of an empty index created without one.
func (i *Index) Add(v []float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dim == 0 {
		i.dim = len(v)
	}
	if len(v) != i.dim {
		return fmt.Errorf("%w: index has %d, got %d", vector.ErrDimensionMismatch, i.dim, len(v))
	}
	i.vectors = append(i.vectors, v)
	return nil
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.vectors)
}

func (i *Index) Dim() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dim
}

func (i *Index) Search(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if k <= 0 || len(i.vectors) == 0 {
		return nil, nil
	}
	if len(query) != i.dim {
		return nil, fmt.Errorf("%w: index has %d, query has %d", vector.ErrDimensionMismatch, i.dim, len(query))
	}

	hits := make([]vector.Hit, len(i.vectors))
	for row, v := range i.vectors {
		if row%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hits[row] = vector.Hit{RowID: int64(row), Distance: squaredL2(query, v)}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Distance != hits[b].Distance {
			return hits[a].Distance < hits[b].Distance
		}
		return hits[a].RowID < hits[b].RowID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
