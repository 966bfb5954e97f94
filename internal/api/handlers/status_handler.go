package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/cache/querycache"
	"github.com/voicerag/backend/internal/pipeline"
	"github.com/voicerag/backend/pkg/logger"
)

type CacheStatsSource interface {
	Stats() querycache.Stats
}

type ChunkCounter interface {
	CountChunks(ctx context.Context) (int, error)
}

type TurnCounter interface {
	TurnCounts(ctx context.Context, outcomes ...string) (map[string]int64, error)
}

type StatusHandler struct {
	cache    CacheStatsSource
	corpus   ChunkCounter
	sessions interface{ Active() int }
	usage    TurnCounter
	backend  string
}

func NewStatusHandler(cache CacheStatsSource, corpus ChunkCounter, sessions interface{ Active() int }, backend string) *StatusHandler {
	return &StatusHandler{
		cache:    cache,
		corpus:   corpus,
		sessions: sessions,
		backend:  backend,
	}
}

// WithUsage adds the shared redis counters to the cache stats response.
func (h *StatusHandler) WithUsage(u TurnCounter) *StatusHandler {
	h.usage = u
	return h
}

func (h *StatusHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Ready reports ready once the corpus has at least one chunk.
func (h *StatusHandler) Ready(c *fiber.Ctx) error {
	n, err := h.corpus.CountChunks(c.UserContext())
	if err != nil {
		logger.Error("Readiness check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
		})
	}
	if n == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "empty corpus",
		})
	}

	return c.JSON(fiber.Map{
		"status":         "ready",
		"chunks":         n,
		"vector_backend": h.backend,
	})
}

func (h *StatusHandler) CacheStats(c *fiber.Ctx) error {
	body := fiber.Map{
		"cache":           h.cache.Stats(),
		"active_sessions": h.sessions.Active(),
	}

	if h.usage != nil {
		counts, err := h.usage.TurnCounts(c.UserContext(),
			string(pipeline.OutcomeCompleted),
			string(pipeline.OutcomeBlocked),
			string(pipeline.OutcomeOutOfScope),
			string(pipeline.OutcomeError),
		)
		if err != nil {
			logger.Warn("Failed to read usage counters", zap.Error(err))
		} else {
			body["turns"] = counts
		}
	}

	return c.JSON(body)
}
