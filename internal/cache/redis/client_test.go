package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	day := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("CAT", 2*3600))

	assert.Equal(t, "metric:turns:completed", turnKey("completed"))
	assert.Equal(t, "metric:turns:blocked:2026-03-09", dailyTurnKey("blocked", day))
}

// Runs against a real server when VOICE_RAG_TEST_REDIS_PORT is set.
func TestIncrementTurn(t *testing.T) {
	portStr := os.Getenv("VOICE_RAG_TEST_REDIS_PORT")
	if portStr == "" {
		t.Skip("VOICE_RAG_TEST_REDIS_PORT not set")
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx := context.Background()
	c, err := NewClient(ctx, "localhost", port, "", 15)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.client.FlushDB(ctx).Err())

	require.NoError(t, c.IncrementTurn(ctx, "completed"))
	require.NoError(t, c.IncrementTurn(ctx, "completed"))
	require.NoError(t, c.IncrementTurn(ctx, "blocked"))

	counts, err := c.TurnCounts(ctx, "completed", "blocked", "error")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"completed": 2, "blocked": 1, "error": 0}, counts)

	ttl, err := c.client.TTL(ctx, dailyTurnKey("completed", time.Now())).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
