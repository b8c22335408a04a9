package rag

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), mr.Addr(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreArtifact_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before, err := store.Count(ctx)
	require.NoError(t, err)

	id, err := store.StoreArtifact(ctx, "stage_outcome", "architecture stage completed", map[string]any{"card_id": "card-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	after, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	// Storing more never decreases the count.
	for i := 0; i < 5; i++ {
		_, err := store.StoreArtifact(ctx, "note", "more content", nil)
		require.NoError(t, err)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, after-1)
		after = n
	}
}

func TestQuerySimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreArtifact(ctx, "stage_outcome", "implemented health endpoint with readiness probe", map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, "stage_outcome", "database migration for user accounts", map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, "learned_solution", "health check timeout increased to fix flapping probe", nil)
	require.NoError(t, err)

	hits, err := store.QuerySimilar(ctx, "add health endpoint probe", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "health endpoint")

	// Scores are ordered best first.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestQuerySimilar_TypeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreArtifact(ctx, "stage_outcome", "health endpoint shipped", nil)
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, "learned_solution", "health endpoint timeout lesson", nil)
	require.NoError(t, err)

	hits, err := store.QuerySimilar(ctx, "health endpoint", 10, map[string]string{"type": "learned_solution"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "lesson")
}

func TestGetRecommendations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreArtifact(ctx, "stage_outcome", "health endpoint implemented and reviewed", map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, "stage_outcome", "health endpoint review found missing tests", map[string]any{"outcome": "failure"})
	require.NoError(t, err)

	rec, err := store.GetRecommendations(ctx, "build a health endpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SimilarSuccesses)
	assert.NotEmpty(t, rec.HistoricalInsights)
	assert.Greater(t, rec.Confidence, 0.0)
}

func TestGetRecommendations_EmptyStore(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.GetRecommendations(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Empty(t, rec.SimilarSuccesses)
	assert.Empty(t, rec.HistoricalInsights)
	assert.Zero(t, rec.Confidence)
}

func TestNewRedisStore_DuplicateBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first, err := NewRedisStore(ctx, mr.Addr(), testLogger())
	require.NoError(t, err)
	defer first.Close()

	_, err = NewRedisStore(ctx, mr.Addr(), testLogger())
	var dup *DuplicateStoreError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, mr.Addr(), dup.Addr)

	// Closing the first store frees the address again.
	require.NoError(t, first.Close())
	second, err := NewRedisStore(ctx, mr.Addr(), testLogger())
	require.NoError(t, err)
	second.Close()
}

func TestTokenize(t *testing.T) {
	terms := tokenize("Add the Health-Endpoint to API v2!")
	assert.True(t, terms["health"])
	assert.True(t, terms["endpoint"])
	assert.True(t, terms["api"])
	assert.True(t, terms["v2"])
	assert.False(t, terms["the"])
	assert.False(t, terms["to"])
}
