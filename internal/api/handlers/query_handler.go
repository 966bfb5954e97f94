package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/voicerag/backend/internal/pipeline"
	"github.com/voicerag/backend/internal/session"
)

type QueryHandler struct {
	engine TurnProcessor
}

func NewQueryHandler(engine TurnProcessor) *QueryHandler {
	return &QueryHandler{
		engine: engine,
	}
}

type source struct {
	SourceID   string  `json:"source_id"`
	ChunkIndex int     `json:"chunk_index"`
	Distance   float32 `json:"distance"`
}

// HandleQuery runs one text turn in a throwaway conversation. The query has
// already been checked by validation.QueryMiddleware.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	query, _ := c.Locals("query").(string)
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	conv := session.NewConversation()
	res := h.engine.ProcessTurn(c.UserContext(), conv, pipeline.TurnRequest{Query: query})

	sources := make([]source, len(res.Chunks))
	for i, ch := range res.Chunks {
		sources[i] = source{SourceID: ch.SourceID, ChunkIndex: ch.ChunkIndex, Distance: ch.Distance}
	}

	return c.JSON(fiber.Map{
		"id":           res.ID,
		"session_id":   conv.ID,
		"query":        query,
		"response":     res.Reply,
		"outcome":      res.Outcome,
		"language":     res.Language,
		"relevant":     res.Decision.Relevant,
		"sentiment":    res.Decision.Sentiment,
		"cache_source": res.CacheSource,
		"sources":      sources,
		"latency_ms":   res.Duration.Milliseconds(),
	})
}
