package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerag/backend/internal/storage/models"
)

// fakeEmbedder returns a fixed vector per query string and counts calls.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int64
	delay   time.Duration
	err     error
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

// fakeSearcher returns one chunk naming the query vector it saw.
type fakeSearcher struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSearcher) Search(ctx context.Context, q []float32, k int) ([]models.RetrievedChunk, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []models.RetrievedChunk{
		{Text: fmt.Sprintf("result %d for %v", n, q), SourceID: "plans.txt", ChunkIndex: int(n), Distance: 0.1},
	}, nil
}

func newTestCache(vectors map[string][]float32, opts Options) (*Cache, *fakeEmbedder, *fakeSearcher) {
	emb := &fakeEmbedder{vectors: vectors}
	srch := &fakeSearcher{}
	return New(emb, srch, opts), emb, srch
}

func TestNormalizeAndKey(t *testing.T) {
	assert.Equal(t, "what are the student plans?", Normalize("  What   ARE the\tstudent plans?\n"))
	assert.Equal(t, Key("Plano Estudante"), Key("  plano   ESTUDANTE "))
	assert.NotEqual(t, Key("plano estudante"), Key("plano familia"))
	assert.Len(t, Key("x"), 32)
}

func TestExactMatchIdempotence(t *testing.T) {
	c, emb, srch := newTestCache(map[string][]float32{
		"What are the student plans?": {1, 0, 0},
	}, DefaultOptions())
	ctx := context.Background()

	first, err := c.Retrieve(ctx, "What are the student plans?")
	require.NoError(t, err)
	assert.Equal(t, SourceIndex, first.Source)

	second, err := c.Retrieve(ctx, "  what are THE student plans?  ")
	require.NoError(t, err)
	third, ok := c.Lookup("WHAT are the student plans?")
	require.True(t, ok)

	assert.Equal(t, SourceExact, second.Source)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.Chunks, third)
	assert.Equal(t, int64(1), emb.calls.Load(), "exact hits must not embed again")
	assert.Equal(t, int64(1), srch.calls.Load())
}

func TestLookupAfterStore(t *testing.T) {
	c, emb, _ := newTestCache(nil, DefaultOptions())
	chunks := []models.RetrievedChunk{{Text: "APN: internet.mz", SourceID: "apn.txt"}}

	c.Store("Como configurar APN?", []float32{1, 2}, chunks)

	for i := 0; i < 2; i++ {
		got, ok := c.Lookup("como configurar apn?")
		require.True(t, ok)
		assert.Equal(t, chunks, got)
	}
	assert.Zero(t, emb.calls.Load())
}

func TestLookupReturnsCopies(t *testing.T) {
	c, _, _ := newTestCache(nil, DefaultOptions())
	c.Store("q", []float32{1}, []models.RetrievedChunk{{Text: "original"}})

	got, ok := c.Lookup("q")
	require.True(t, ok)
	got[0].Text = "mutated"

	again, _ := c.Lookup("q")
	assert.Equal(t, "original", again[0].Text)
}

func TestSemanticReuseAboveThreshold(t *testing.T) {
	c, _, srch := newTestCache(map[string][]float32{
		"student plans":      {1, 0, 0},
		"plans for students": {0.95, 0.1, 0}, // cosine ~0.994
	}, DefaultOptions())
	ctx := context.Background()

	first, err := c.Retrieve(ctx, "student plans")
	require.NoError(t, err)

	second, err := c.Retrieve(ctx, "plans for students")
	require.NoError(t, err)

	assert.Equal(t, SourceSemantic, second.Source)
	assert.Greater(t, second.Similarity, 0.85)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, int64(1), srch.calls.Load(), "semantic hit must not query the index")
}

func TestSemanticNonReuseBelowThreshold(t *testing.T) {
	c, _, srch := newTestCache(map[string][]float32{
		"student plans": {1, 0},
		"coverage map":  {0.8, 0.6}, // cosine 0.8
	}, DefaultOptions())
	ctx := context.Background()

	first, err := c.Retrieve(ctx, "student plans")
	require.NoError(t, err)
	second, err := c.Retrieve(ctx, "coverage map")
	require.NoError(t, err)

	assert.Equal(t, SourceIndex, second.Source)
	assert.NotEqual(t, first.Chunks, second.Chunks)
	assert.Equal(t, int64(2), srch.calls.Load())
	assert.Equal(t, 2, c.Stats().SemanticEntries)
}

func TestSemanticThresholdIsStrict(t *testing.T) {
	c, _, _ := newTestCache(nil, Options{SimilarityThreshold: 1})
	c.Store("plano familia", []float32{1, 0}, []models.RetrievedChunk{{Text: "familia"}})

	// identical vectors score exactly 1, which does not exceed the threshold
	_, _, ok := c.LookupSimilar([]float32{1, 0})
	assert.False(t, ok)
}

func TestSemanticTieBreakFirstInserted(t *testing.T) {
	c, _, _ := newTestCache(nil, DefaultOptions())
	c.Store("older", []float32{1, 0}, []models.RetrievedChunk{{Text: "older"}})
	c.Store("newer", []float32{1, 0.01}, []models.RetrievedChunk{{Text: "newer"}})

	chunks, _, ok := c.LookupSimilar([]float32{1, 0.005})
	require.True(t, ok)
	assert.Equal(t, "older", chunks[0].Text)
}

func TestBoundedSemanticEviction(t *testing.T) {
	const capacity = 3
	vectors := map[string][]float32{}
	for i := 0; i <= capacity; i++ {
		v := make([]float32, capacity+1)
		v[i] = 1 // orthogonal, never similar
		vectors[fmt.Sprintf("query %d", i)] = v
	}
	c, _, _ := newTestCache(vectors, Options{SemanticCapacity: capacity, ExactCapacity: capacity})
	ctx := context.Background()

	for i := 0; i <= capacity; i++ {
		_, err := c.Retrieve(ctx, fmt.Sprintf("query %d", i))
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, capacity, stats.SemanticEntries)
	assert.Equal(t, capacity, stats.ExactEntries)

	_, ok := c.Lookup("query 0")
	assert.False(t, ok, "first-inserted entry must be evicted")
	_, _, ok = c.LookupSimilar(vectors["query 0"])
	assert.False(t, ok)
	_, ok = c.Lookup("query 1")
	assert.True(t, ok)
}

func TestEmbeddingMemoIsBounded(t *testing.T) {
	c, emb, _ := newTestCache(map[string][]float32{
		"a": {1}, "b": {2}, "c": {3},
	}, Options{EmbeddingCapacity: 2})
	ctx := context.Background()

	for _, q := range []string{"a", "a", "b", "c", "a"} {
		_, err := c.Embed(ctx, q)
		require.NoError(t, err)
	}

	// a, b, c computed once each; "a" evicted by "c" and recomputed.
	assert.Equal(t, int64(4), emb.calls.Load())
	assert.Equal(t, 2, c.Stats().EmbeddingEntries)
}

func TestConcurrentRetrieveComputesOnce(t *testing.T) {
	c, emb, srch := newTestCache(map[string][]float32{"roaming": {0, 1}}, DefaultOptions())
	emb.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Retrieve(context.Background(), "roaming")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), emb.calls.Load())
	assert.Equal(t, int64(1), srch.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Chunks, r.Chunks)
	}
}

func TestCancelledCallerDoesNotFailJoinedCaller(t *testing.T) {
	c, emb, srch := newTestCache(map[string][]float32{"roaming": {1, 0}}, DefaultOptions())
	emb.delay = 100 * time.Millisecond

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Retrieve(leaderCtx, "roaming")
		leaderErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	followerDone := make(chan struct{})
	var (
		follower    *Result
		followerErr error
	)
	go func() {
		defer close(followerDone)
		follower, followerErr = c.Retrieve(context.Background(), "roaming")
	}()

	time.Sleep(10 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	<-followerDone
	require.NoError(t, followerErr)
	assert.Equal(t, SourceIndex, follower.Source)
	assert.Len(t, follower.Chunks, 1)
	assert.EqualValues(t, 1, emb.calls.Load())
	assert.EqualValues(t, 1, srch.calls.Load())

	again, ok := c.Lookup("roaming")
	assert.True(t, ok, "the detached work still fills the cache")
	assert.Equal(t, follower.Chunks, again)
}

func TestSharedWorkIsBoundedByCallTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.CallTimeout = 20 * time.Millisecond
	c, emb, _ := newTestCache(map[string][]float32{"roaming": {1, 0}}, opts)
	emb.delay = time.Second

	_, err := c.Retrieve(context.Background(), "roaming")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmbedReturnsCopies(t *testing.T) {
	c, emb, _ := newTestCache(map[string][]float32{"saldo": {1, 2, 3}}, DefaultOptions())
	ctx := context.Background()

	first, err := c.Embed(ctx, "saldo")
	require.NoError(t, err)
	first[0] = 99

	second, err := c.Embed(ctx, "saldo")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, second)
	second[1] = 99

	third, err := c.Embed(ctx, "saldo")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, third)
	assert.EqualValues(t, 1, emb.calls.Load())
}

func TestRetrieveErrorsAreNotCached(t *testing.T) {
	c, emb, srch := newTestCache(map[string][]float32{"saldo": {1}}, DefaultOptions())
	srch.err = errors.New("index down")

	_, err := c.Retrieve(context.Background(), "saldo")
	require.Error(t, err)

	srch.err = nil
	r, err := c.Retrieve(context.Background(), "saldo")
	require.NoError(t, err)
	assert.Equal(t, SourceIndex, r.Source)
	assert.Equal(t, int64(1), emb.calls.Load(), "embedding stays memoized across the failed search")
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	c, emb, srch := newTestCache(nil, DefaultOptions())
	emb.err = errors.New("provider unavailable")

	_, err := c.Retrieve(context.Background(), "anything")
	require.Error(t, err)
	assert.Zero(t, srch.calls.Load())
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
