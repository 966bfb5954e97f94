// Package pipeline runs one conversational turn: retrieval through the query
// cache, gating, context assembly, history windowing and generation.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/cache/querycache"
	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/llm"
	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/internal/session"
	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string) (*querycache.Result, error)
}

type Screener interface {
	CheckProfanity(query string) (gate.Decision, bool)
	Screen(query string, chunks []models.RetrievedChunk) gate.Decision
	DetectLanguage(text string) gate.Language
}

type ContextAssembler interface {
	Assemble(ctx context.Context, chunks []models.RetrievedChunk, lang gate.Language) (string, error)
}

type Generator interface {
	ChatStream(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (string, error)
}

// UsageRecorder is optional; see internal/cache/redis.
type UsageRecorder interface {
	IncrementTurn(ctx context.Context, outcome string) error
}

type State string

const (
	StateReceivedQuery     State = "received_query"
	StateProfanityChecked  State = "profanity_checked"
	StateBlocked           State = "blocked"
	StateRelevanceChecked  State = "relevance_checked"
	StateContextAssembled  State = "context_assembled"
	StateHistoryWindowed   State = "history_windowed"
	StateGenerationInvoked State = "generation_invoked"
	StateResponseCollected State = "response_collected"
	StateHistoryAppended   State = "history_appended"
	StateCompleted         State = "completed"
)

type Outcome string

const usageTimeout = 2 * time.Second

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeOutOfScope Outcome = "out_of_scope"
	OutcomeError      Outcome = "error"
)

type Options struct {
	HistoryWindow   int
	StrictRelevance bool
	Temperature     float32
	MaxTokens       int
}

type Engine struct {
	retriever Retriever
	gate      Screener
	assembler ContextAssembler
	generator Generator
	usage     UsageRecorder
	opts      Options
}

type TurnRequest struct {
	Query string
	// OnDelta receives generated text as it streams. Canned replies are not
	// streamed.
	OnDelta func(string)
}

type TurnResult struct {
	ID          string
	Reply       string
	Outcome     Outcome
	State       State
	Language    gate.Language
	Decision    gate.Decision
	Chunks      []models.RetrievedChunk
	CacheSource querycache.Source
	Duration    time.Duration
}

func NewEngine(retriever Retriever, g Screener, assembler ContextAssembler, generator Generator, opts Options) *Engine {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = session.DefaultWindow
	}
	return &Engine{
		retriever: retriever,
		gate:      g,
		assembler: assembler,
		generator: generator,
		opts:      opts,
	}
}

func (e *Engine) WithUsageRecorder(u UsageRecorder) *Engine {
	e.usage = u
	return e
}

// ProcessTurn appends the user turn and exactly one assistant turn to conv.
// It never returns an error: failures become the localized apology, and the
// cause is logged.
func (e *Engine) ProcessTurn(ctx context.Context, conv *session.Conversation, req TurnRequest) *TurnResult {
	start := time.Now()
	res := &TurnResult{
		ID:       uuid.New().String(),
		State:    StateReceivedQuery,
		Language: e.gate.DetectLanguage(req.Query),
	}
	log := logger.With(
		zap.String("turn_id", res.ID),
		zap.String("session_id", conv.ID),
	)
	log.Info("Processing turn", zap.String("query", req.Query))

	// the window is taken before the new user turn joins the log; the query
	// itself is sent as the final user message
	prior := conv.Window(e.opts.HistoryWindow)
	e.appendTurn(log, conv, session.RoleUser, req.Query)

	e.run(ctx, log, prior, req, res)

	e.appendTurn(log, conv, session.RoleAssistant, res.Reply)
	switch {
	case res.Outcome == OutcomeCompleted:
		res.State = StateCompleted
	case res.State != StateBlocked:
		res.State = StateHistoryAppended
	}
	conv.SetLanguage(res.Language)

	res.Duration = time.Since(start)
	metrics.TurnDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())
	metrics.TurnsTotal.WithLabelValues(string(res.Outcome)).Inc()
	e.recordUsage(ctx, log, res.Outcome)

	log.Info("Turn finished",
		zap.String("outcome", string(res.Outcome)),
		zap.String("language", string(res.Language)),
		zap.String("cache_source", string(res.CacheSource)),
		zap.Int("chunks", len(res.Chunks)),
		zap.Bool("relevant", res.Decision.Relevant),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, prior []session.Turn, req TurnRequest, res *TurnResult) {
	if d, blocked := e.gate.CheckProfanity(req.Query); blocked {
		res.State = StateBlocked
		e.finish(res, d, OutcomeBlocked, d.Message)
		return
	}
	res.State = StateProfanityChecked

	retrieved, err := e.retriever.Retrieve(ctx, req.Query)
	if err != nil {
		log.Error("Retrieval failed", zap.Error(err))
		e.fail(res)
		return
	}
	res.Chunks = retrieved.Chunks
	res.CacheSource = retrieved.Source
	metrics.RetrievedChunks.Observe(float64(len(retrieved.Chunks)))

	decision := e.gate.Screen(req.Query, retrieved.Chunks)
	res.Decision = decision
	res.Language = decision.Language
	if decision.Blocked() {
		res.State = StateBlocked
		e.finish(res, decision, OutcomeBlocked, decision.Message)
		return
	}
	res.State = StateRelevanceChecked

	if !decision.Relevant && e.opts.StrictRelevance {
		e.finish(res, decision, OutcomeOutOfScope, gate.Message(res.Language, gate.MsgOutOfScope))
		return
	}

	contextText, err := e.assembler.Assemble(ctx, retrieved.Chunks, res.Language)
	if err != nil {
		log.Error("Context assembly failed", zap.Error(err))
		e.fail(res)
		return
	}
	res.State = StateContextAssembled

	history := toMessages(prior)
	res.State = StateHistoryWindowed

	chatReq := llm.ChatRequest{
		SystemPrompt: BuildSystemPrompt(res.Language, contextText, decision),
		History:      history,
		UserPrompt:   req.Query,
		Temperature:  e.opts.Temperature,
		MaxTokens:    e.opts.MaxTokens,
	}
	res.State = StateGenerationInvoked

	reply, err := e.generator.ChatStream(ctx, chatReq, req.OnDelta)
	if err != nil {
		log.Error("Generation failed", zap.Error(err))
		e.fail(res)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Warn("Generation returned an empty reply")
		e.fail(res)
		return
	}
	res.State = StateResponseCollected

	res.Reply = reply
	res.Outcome = OutcomeCompleted
}

// recordUsage outlives the turn deadline; timed-out turns are the ones most
// worth counting.
func (e *Engine) recordUsage(ctx context.Context, log *zap.Logger, outcome Outcome) {
	if e.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()

	if err := e.usage.IncrementTurn(ctx, string(outcome)); err != nil {
		log.Warn("Failed to record usage", zap.Error(err))
	}
}

func (e *Engine) finish(res *TurnResult, d gate.Decision, outcome Outcome, reply string) {
	res.Decision = d
	if d.Language != "" {
		res.Language = d.Language
	}
	res.Outcome = outcome
	res.Reply = reply
}

func (e *Engine) fail(res *TurnResult) {
	res.Outcome = OutcomeError
	res.Reply = gate.Message(res.Language, gate.MsgGenericApology)
}

func (e *Engine) appendTurn(log *zap.Logger, conv *session.Conversation, role session.Role, content string) {
	if err := conv.Append(role, content); err != nil {
		log.Error("Failed to append turn", zap.Error(err))
	}
}

func toMessages(prior []session.Turn) []llm.Message {
	out := make([]llm.Message, len(prior))
	for i, t := range prior {
		out[i] = llm.Message{Role: string(t.Role), Content: t.Content}
	}
	return out
}
