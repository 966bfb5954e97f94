package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/pkg/circuitbreaker"
	"github.com/voicerag/backend/pkg/logger"
	"github.com/voicerag/backend/pkg/retry"
)

type Options struct {
	APIKey  string
	BaseURL string

	Model       string
	Temperature float32
	MaxTokens   int

	SummaryModel       string
	SummaryTemperature float32
	SummaryMaxTokens   int

	EmbeddingModel string

	TranscriptionModel string
	TTSModel           string

	Timeout       time.Duration
	SpeechTimeout time.Duration
}

// Client wraps the model provider. Conversational calls go through a circuit
// breaker and are never retried; only batch embedding during ingestion
// retries with backoff.
type Client struct {
	client *openai.Client
	opts   Options

	chatCB      *circuitbreaker.CircuitBreaker
	embeddingCB *circuitbreaker.CircuitBreaker
	speechCB    *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	SystemPrompt string
	History      []Message
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SpeechTimeout <= 0 {
		opts.SpeechTimeout = 30 * time.Second
	}

	retryConfig := retry.Config{
		MaxAttempts:    4,
		InitialDelay:   time.Second,
		MaxDelay:       20 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		Retryable:      isRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("summary_model", opts.SummaryModel),
		zap.String("embedding_model", opts.EmbeddingModel),
		zap.String("transcription_model", opts.TranscriptionModel),
		zap.String("tts_model", opts.TTSModel),
	)

	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		opts:        opts,
		chatCB:      newBreaker("chat"),
		embeddingCB: newBreaker("embedding"),
		speechCB:    newBreaker("speech"),
		retryConfig: retryConfig,
	}
}

func newBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})
}

// isRetryable skips client errors other than rate limiting; retrying a bad
// request or an auth failure cannot succeed.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func (c *Client) buildMessages(req ChatRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})
	return messages
}

func (c *Client) chatParams(req ChatRequest) (float32, int) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.opts.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.opts.MaxTokens
	}
	return temperature, maxTokens
}

// Chat returns the whole reply in one piece.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	temperature, maxTokens := c.chatParams(req)

	var content string
	err := c.chatCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.opts.Model,
			Messages:    c.buildMessages(req),
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}

		c.recordUsage(c.opts.Model, Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		})
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("generate").Inc()
		return "", err
	}

	return content, nil
}

// ChatStream streams the reply, calling onDelta for every fragment, and
// returns the collected text.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	temperature, maxTokens := c.chatParams(req)

	var full strings.Builder
	err := c.chatCB.Execute(ctx, func(ctx context.Context) error {
		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       c.opts.Model,
			Messages:    c.buildMessages(req),
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Stream:      true,
		})
		if err != nil {
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read completion stream: %w", err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	})
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("generate").Inc()
		return "", err
	}

	logger.Debug("Completion stream finished", zap.Int("response_length", full.Len()))
	return full.String(), nil
}

// Summarize compresses text with the cheap summary model at low temperature.
func (c *Client) Summarize(ctx context.Context, instruction, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var summary string
	err := c.chatCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.opts.SummaryModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: instruction},
				{Role: openai.ChatMessageRoleUser, Content: text},
			},
			Temperature: c.opts.SummaryTemperature,
			MaxTokens:   c.opts.SummaryMaxTokens,
		})
		if err != nil {
			return fmt.Errorf("failed to create summary: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("summary returned no choices")
		}

		c.recordUsage(c.opts.SummaryModel, Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		})
		summary = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Debug("Context summarized",
		zap.Int("input_length", len(text)),
		zap.Int("summary_length", len(summary)),
	)
	return summary, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var embedding []float32
	err := c.embeddingCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.opts.EmbeddingModel),
		})
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("embedding response is empty")
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("embed").Inc()
		return nil, err
	}

	return embedding, nil
}

// GenerateBatchEmbeddings embeds texts in batches of batchSize, retrying each
// batch with backoff. Output order matches input order.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		batch := texts[i:end]

		err := retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.opts.EmbeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate batch embeddings: %w", err)
			}
			if len(resp.Data) != len(batch) {
				return fmt.Errorf("%w: asked for %d embeddings, got %d", retry.ErrPermanent, len(batch), len(resp.Data))
			}

			out := make([][]float32, len(batch))
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= len(batch) {
					return fmt.Errorf("%w: embedding index %d out of range", retry.ErrPermanent, d.Index)
				}
				out[d.Index] = d.Embedding
			}
			embeddings = append(embeddings, out...)
			return nil
		})
		if err != nil {
			return nil, err
		}

		logger.Debug("Embedding batch done",
			zap.Int("from", i),
			zap.Int("to", end),
			zap.Int("total", len(texts)),
		)
	}

	return embeddings, nil
}

// Transcribe converts audio to text. lang is a hint and may be empty.
func (c *Client) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SpeechTimeout)
	defer cancel()

	var text string
	err := c.speechCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.opts.TranscriptionModel,
			FilePath: "audio.webm",
			Reader:   bytes.NewReader(audio),
			Language: lang,
		})
		if err != nil {
			return fmt.Errorf("failed to transcribe audio: %w", err)
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("transcribe").Inc()
		return "", err
	}

	return text, nil
}

// Synthesize returns mp3 audio for text spoken with voice.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SpeechTimeout)
	defer cancel()

	var audio []byte
	err := c.speechCB.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(c.opts.TTSModel),
			Input:          text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
		})
		if err != nil {
			return fmt.Errorf("failed to synthesize speech: %w", err)
		}
		defer resp.Close()

		audio, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("failed to read speech audio: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("synthesize").Inc()
		return nil, err
	}

	return audio, nil
}

func (c *Client) recordUsage(model string, usage Usage) {
	metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.String("model", model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
}
