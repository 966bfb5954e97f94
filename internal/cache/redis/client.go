// Package redis keeps aggregate usage counters shared by every replica.
// Conversation and retrieval data never leave the process.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicerag/backend/pkg/logger"
)

const dailyTTL = 8 * 24 * time.Hour

type Client struct {
	client *redis.Client
	now    func() time.Time
}

func NewClient(ctx context.Context, host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func turnKey(outcome string) string {
	return fmt.Sprintf("metric:turns:%s", outcome)
}

func dailyTurnKey(outcome string, day time.Time) string {
	return fmt.Sprintf("metric:turns:%s:%s", outcome, day.UTC().Format("2006-01-02"))
}

// IncrementTurn bumps the lifetime and daily counters for outcome in one
// round trip. Daily counters expire after a week.
func (c *Client) IncrementTurn(ctx context.Context, outcome string) error {
	daily := dailyTurnKey(outcome, c.now())

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, turnKey(outcome))
		pipe.Incr(ctx, daily)
		pipe.Expire(ctx, daily, dailyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment turn counter: %w", err)
	}
	return nil
}

// TurnCounts returns lifetime counters for the given outcomes; missing keys
// count as zero.
func (c *Client) TurnCounts(ctx context.Context, outcomes ...string) (map[string]int64, error) {
	counts := make(map[string]int64, len(outcomes))
	if len(outcomes) == 0 {
		return counts, nil
	}

	keys := make([]string, len(outcomes))
	for i, o := range outcomes {
		keys[i] = turnKey(o)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turn counters: %w", err)
	}

	for i, v := range vals {
		var n int64
		if s, ok := v.(string); ok {
			if _, err := fmt.Sscan(s, &n); err != nil {
				logger.Warn("Ignoring malformed counter", zap.String("key", keys[i]), zap.String("value", s))
				continue
			}
		}
		counts[outcomes[i]] = n
	}
	return counts, nil
}
