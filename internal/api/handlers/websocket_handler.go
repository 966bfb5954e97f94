package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/middleware/validation"
	"github.com/voicerag/backend/internal/pipeline"
	"github.com/voicerag/backend/internal/session"
	"github.com/voicerag/backend/pkg/logger"
)

// Conn is the subset of a websocket connection the voice session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type Speech interface {
	Transcribe(ctx context.Context, audio []byte, lang string) (string, error)
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

type TurnProcessor interface {
	ProcessTurn(ctx context.Context, conv *session.Conversation, req pipeline.TurnRequest) *pipeline.TurnResult
}

const (
	msgTypeMessage       = "message"
	msgTypeTranscription = "transcription"
	msgTypeResponse      = "response"
	msgTypeGoodbye       = "goodbye"
)

type outboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Audio string `json:"audio,omitempty"`
}

type WebSocketConfig struct {
	Voices        map[string]string
	TurnTimeout   time.Duration
	MaxAudioBytes int
}

type WebSocketHandler struct {
	engine   TurnProcessor
	speech   Speech
	registry *session.Registry
	cfg      WebSocketConfig
}

func NewWebSocketHandler(engine TurnProcessor, speech Speech, registry *session.Registry, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	return &WebSocketHandler{
		engine:   engine,
		speech:   speech,
		registry: registry,
		cfg:      cfg,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	h.Serve(context.Background(), c)
}

// Serve runs one voice session: greeting, then one event at a time until the
// client sends "end" or the connection fails. Turns never overlap.
func (h *WebSocketHandler) Serve(ctx context.Context, conn Conn) {
	conv := h.registry.Open()
	log := logger.With(zap.String("session_id", conv.ID))
	log.Info("WebSocket connection established")

	defer func() {
		h.registry.Close(conv.ID)
		if err := conn.Close(); err != nil {
			log.Debug("Close after session end failed", zap.Error(err))
		}
		log.Info("WebSocket connection closed", zap.Int("turns", conv.Len()))
	}()

	if err := h.say(ctx, conn, msgTypeMessage, gate.DefaultLanguage, gate.Message(gate.DefaultLanguage, gate.MsgGreeting)); err != nil {
		log.Error("Failed to send greeting", zap.Error(err))
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info("WebSocket read ended", zap.Error(err))
			return
		}

		event, err := validation.ParseEvent(raw, h.cfg.MaxAudioBytes)
		if err != nil {
			log.Warn("Rejected inbound event", zap.Error(err))
			if err := h.sayCanned(ctx, conn, msgTypeMessage, conv.Language(), gate.MsgMalformedEvent); err != nil {
				log.Error("Failed to send reply", zap.Error(err))
				return
			}
			continue
		}

		switch event.Type {
		case validation.EventInterrupt:
			// nothing is in flight here; the previous turn already finished
			err = h.sayCanned(ctx, conn, msgTypeMessage, conv.Language(), gate.MsgInterruptAck)
		case validation.EventEnd:
			if err := h.sayCanned(ctx, conn, msgTypeGoodbye, conv.Language(), gate.MsgGoodbye); err != nil {
				log.Error("Failed to send goodbye", zap.Error(err))
			}
			return
		case validation.EventAudio:
			err = h.handleAudio(ctx, log, conn, conv, event.Audio)
		}
		if err != nil {
			log.Error("Failed to send reply", zap.Error(err))
			return
		}
	}
}

// handleAudio runs a full voice turn under the turn timeout. Only write
// errors are returned; every other failure is answered in-band.
func (h *WebSocketHandler) handleAudio(ctx context.Context, log *zap.Logger, conn Conn, conv *session.Conversation, audio []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
	defer cancel()

	lang := conv.Language()

	query, err := h.speech.Transcribe(ctx, audio, string(lang))
	if err != nil {
		log.Error("Transcription failed", zap.Error(err))
		return h.sayCanned(ctx, conn, msgTypeMessage, lang, gate.MsgGenericApology)
	}

	if err := conn.WriteJSON(outboundMessage{Type: msgTypeTranscription, Text: query}); err != nil {
		return err
	}

	if strings.TrimSpace(query) == "" {
		return h.sayCanned(ctx, conn, msgTypeMessage, lang, gate.MsgEmptyTranscription)
	}

	res := h.engine.ProcessTurn(ctx, conv, pipeline.TurnRequest{Query: query})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn("Turn hit the timeout", zap.String("turn_id", res.ID), zap.Duration("timeout", h.cfg.TurnTimeout))
	}

	// synthesis gets its own budget so a slow turn still gets a spoken reply
	speakCtx, cancelSpeak := context.WithTimeout(context.Background(), h.cfg.TurnTimeout)
	defer cancelSpeak()
	return h.say(speakCtx, conn, msgTypeResponse, res.Language, res.Reply)
}

func (h *WebSocketHandler) sayCanned(ctx context.Context, conn Conn, msgType string, lang gate.Language, id gate.MessageID) error {
	return h.say(ctx, conn, msgType, lang, gate.Message(lang, id))
}

// say sends text with synthesized audio. A synthesis failure degrades to a
// text-only message.
func (h *WebSocketHandler) say(ctx context.Context, conn Conn, msgType string, lang gate.Language, text string) error {
	msg := outboundMessage{Type: msgType, Text: text}

	audio, err := h.speech.Synthesize(ctx, text, h.voice(lang))
	if err != nil {
		logger.Warn("Speech synthesis failed, sending text only",
			zap.String("type", msgType),
			zap.Error(err),
		)
	} else {
		msg.Audio = base64.StdEncoding.EncodeToString(audio)
	}

	return conn.WriteJSON(msg)
}

func (h *WebSocketHandler) voice(lang gate.Language) string {
	if v, ok := h.cfg.Voices[string(lang)]; ok && v != "" {
		return v
	}
	if v, ok := h.cfg.Voices[string(gate.DefaultLanguage)]; ok && v != "" {
		return v
	}
	return "nova"
}
