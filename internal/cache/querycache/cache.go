// Package querycache puts an exact-match table and a similarity table in front
// of the vector index.
//
// A lookup first tries the digest of the normalized query. On a miss the query
// is embedded (memoized per query string) and compared with every embedding in
// the similarity table; an entry above the threshold is reused without touching
// the index. A full miss searches the index and stores the result in both
// tables. All three tables are bounded and evict the oldest-inserted key.
package querycache

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
	"github.com/voicerag/backend/pkg/utils"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]models.RetrievedChunk, error)
}

type Options struct {
	SimilarityThreshold float64
	SemanticCapacity    int
	ExactCapacity       int
	EmbeddingCapacity   int
	TopK                int
	// CallTimeout bounds the shared embedding and search work of one miss.
	// It is detached from the caller so that a session giving up does not
	// fail other sessions waiting on the same key.
	CallTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.85,
		SemanticCapacity:    256,
		ExactCapacity:       4096,
		EmbeddingCapacity:   4096,
		TopK:                5,
		CallTimeout:         30 * time.Second,
	}
}

// Source says which tier answered a Retrieve call.
type Source string

const (
	SourceExact    Source = "exact"
	SourceSemantic Source = "semantic"
	SourceIndex    Source = "index"
)

// CachedResult is never mutated after it is stored.
type CachedResult struct {
	Key       string
	Embedding []float32
	Chunks    []models.RetrievedChunk
}

type Result struct {
	Chunks     []models.RetrievedChunk
	Source     Source
	Similarity float64
}

type Stats struct {
	ExactEntries     int   `json:"exact_entries"`
	SemanticEntries  int   `json:"semantic_entries"`
	EmbeddingEntries int   `json:"embedding_entries"`
	ExactHits        int64 `json:"exact_hits"`
	SemanticHits     int64 `json:"semantic_hits"`
	IndexSearches    int64 `json:"index_searches"`
	EmbeddingHits    int64 `json:"embedding_hits"`
	EmbeddingCalls   int64 `json:"embedding_calls"`
}

// Cache is shared by every session. One mutex guards the three tables;
// external calls run outside it and are de-duplicated per key.
type Cache struct {
	embedder Embedder
	searcher Searcher
	opts     Options

	mu         sync.Mutex
	exact      *fifo[string, *CachedResult]
	semantic   *fifo[string, *CachedResult]
	embeddings *fifo[string, []float32]

	retrieveFlight singleflight.Group
	embedFlight    singleflight.Group

	exactHits      atomic.Int64
	semanticHits   atomic.Int64
	indexSearches  atomic.Int64
	embeddingHits  atomic.Int64
	embeddingCalls atomic.Int64
}

func New(embedder Embedder, searcher Searcher, opts Options) *Cache {
	def := DefaultOptions()
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.SemanticCapacity <= 0 {
		opts.SemanticCapacity = def.SemanticCapacity
	}
	if opts.ExactCapacity <= 0 {
		opts.ExactCapacity = def.ExactCapacity
	}
	if opts.EmbeddingCapacity <= 0 {
		opts.EmbeddingCapacity = def.EmbeddingCapacity
	}
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}

	return &Cache{
		embedder:   embedder,
		searcher:   searcher,
		opts:       opts,
		exact:      newFIFO[string, *CachedResult](opts.ExactCapacity),
		semantic:   newFIFO[string, *CachedResult](opts.SemanticCapacity),
		embeddings: newFIFO[string, []float32](opts.EmbeddingCapacity),
	}
}

var lowerCaser = cases.Lower(language.Und)

// Normalize lower-cases the query and collapses whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(lowerCaser.String(query)), " ")
}

// Key is the digest of the normalized query.
func Key(query string) string {
	return utils.HashString(Normalize(query))
}

// Lookup consults the exact-match table only.
func (c *Cache) Lookup(query string) ([]models.RetrievedChunk, bool) {
	key := Key(query)

	c.mu.Lock()
	entry, ok := c.exact.get(key)
	c.mu.Unlock()

	if !ok {
		metrics.CacheMisses.WithLabelValues(string(SourceExact)).Inc()
		return nil, false
	}
	c.exactHits.Add(1)
	metrics.CacheHits.WithLabelValues(string(SourceExact)).Inc()
	return slices.Clone(entry.Chunks), true
}

// LookupSimilar scans the similarity table oldest entry first and returns the
// first entry whose cosine similarity exceeds the threshold.
func (c *Cache) LookupSimilar(embedding []float32) ([]models.RetrievedChunk, float64, bool) {
	var (
		match *CachedResult
		score float64
	)

	c.mu.Lock()
	c.semantic.each(func(_ string, entry *CachedResult) bool {
		sim := CosineSimilarity(embedding, entry.Embedding)
		if sim > c.opts.SimilarityThreshold {
			match, score = entry, sim
			return false
		}
		return true
	})
	c.mu.Unlock()

	if match == nil {
		metrics.CacheMisses.WithLabelValues(string(SourceSemantic)).Inc()
		return nil, 0, false
	}
	c.semanticHits.Add(1)
	metrics.CacheHits.WithLabelValues(string(SourceSemantic)).Inc()
	return slices.Clone(match.Chunks), score, true
}

// Store records a freshly computed result in both tables, replacing any
// previous entry for the same key wholesale.
func (c *Cache) Store(query string, embedding []float32, chunks []models.RetrievedChunk) {
	entry := &CachedResult{
		Key:       Key(query),
		Embedding: slices.Clone(embedding),
		Chunks:    slices.Clone(chunks),
	}

	c.mu.Lock()
	_, exactEvicted := c.exact.put(entry.Key, entry)
	evictedKey, semanticEvicted := c.semantic.put(entry.Key, entry)
	c.mu.Unlock()

	if exactEvicted {
		metrics.CacheEvictions.WithLabelValues(string(SourceExact)).Inc()
	}
	if semanticEvicted {
		metrics.CacheEvictions.WithLabelValues(string(SourceSemantic)).Inc()
		logger.Debug("Semantic cache eviction", zap.String("evicted_key", evictedKey))
	}
}

// Embed returns a copy of the memoized embedding of query, calling the
// provider at most once per query string while the entry is resident.
func (c *Cache) Embed(ctx context.Context, query string) ([]float32, error) {
	c.mu.Lock()
	v, ok := c.embeddings.get(query)
	c.mu.Unlock()
	if ok {
		c.embeddingHits.Add(1)
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return slices.Clone(v), nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	res, _, err := c.shared(ctx, &c.embedFlight, query, func(ctx context.Context) (interface{}, error) {
		c.mu.Lock()
		v, ok := c.embeddings.get(query)
		c.mu.Unlock()
		if ok {
			return v, nil
		}

		c.embeddingCalls.Add(1)
		v, err := c.embedder.GenerateEmbedding(ctx, query)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		_, evicted := c.embeddings.put(query, v)
		c.mu.Unlock()
		if evicted {
			metrics.CacheEvictions.WithLabelValues("embedding").Inc()
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return slices.Clone(res.([]float32)), nil
}

// shared runs fn once per key across concurrent callers. fn gets a context
// detached from any single caller and bounded by CallTimeout; each caller
// still stops waiting when its own ctx is done.
func (c *Cache) shared(ctx context.Context, g *singleflight.Group, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {
	ch := g.DoChan(key, func() (interface{}, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		defer cancel()
		return fn(workCtx)
	})

	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Retrieve returns the chunks for query, going to the vector index only when
// neither table can answer.
func (c *Cache) Retrieve(ctx context.Context, query string) (*Result, error) {
	if chunks, ok := c.Lookup(query); ok {
		return &Result{Chunks: chunks, Source: SourceExact, Similarity: 1}, nil
	}

	key := Key(query)
	res, shared, err := c.shared(ctx, &c.retrieveFlight, key, func(ctx context.Context) (interface{}, error) {
		return c.retrieveMiss(ctx, query, key)
	})
	if err != nil {
		return nil, err
	}

	out := *res.(*Result)
	out.Chunks = slices.Clone(out.Chunks)
	if shared {
		logger.Debug("Joined in-flight retrieval", zap.String("key", key))
	}
	return &out, nil
}

func (c *Cache) retrieveMiss(ctx context.Context, query, key string) (*Result, error) {
	c.mu.Lock()
	entry, ok := c.exact.get(key)
	c.mu.Unlock()
	if ok {
		return &Result{Chunks: entry.Chunks, Source: SourceExact, Similarity: 1}, nil
	}

	embedding, err := c.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if chunks, sim, ok := c.LookupSimilar(embedding); ok {
		logger.Debug("Semantic cache hit", zap.String("key", key), zap.Float64("similarity", sim))
		return &Result{Chunks: chunks, Source: SourceSemantic, Similarity: sim}, nil
	}

	c.indexSearches.Add(1)
	chunks, err := c.searcher.Search(ctx, embedding, c.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector index: %w", err)
	}

	c.Store(query, embedding, chunks)
	return &Result{Chunks: chunks, Source: SourceIndex}, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		ExactEntries:     c.exact.len(),
		SemanticEntries:  c.semantic.len(),
		EmbeddingEntries: c.embeddings.len(),
	}
	c.mu.Unlock()

	s.ExactHits = c.exactHits.Load()
	s.SemanticHits = c.semanticHits.Load()
	s.IndexSearches = c.indexSearches.Load()
	s.EmbeddingHits = c.embeddingHits.Load()
	s.EmbeddingCalls = c.embeddingCalls.Load()
	return s
}

// CosineSimilarity returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
