package validation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var ErrInvalidEvent = errors.New("invalid inbound event")

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type EventType string

const (
	EventAudio     EventType = "audio"
	EventInterrupt EventType = "interrupt"
	EventEnd       EventType = "end"
)

// Event is a validated inbound websocket message. Audio is already decoded.
type Event struct {
	Type  EventType
	Audio []byte
}

type inboundEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ParseEvent decodes and checks one inbound message. Every failure wraps
// ErrInvalidEvent.
func ParseEvent(raw []byte, maxAudioBytes int) (Event, error) {
	var in inboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch EventType(in.Type) {
	case EventInterrupt, EventEnd:
		return Event{Type: EventType(in.Type)}, nil
	case EventAudio:
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, in.Type)
	}

	if in.Audio == "" {
		return Event{}, fmt.Errorf("%w: audio event without payload", ErrInvalidEvent)
	}
	payload := stripDataURL(in.Audio)
	// reject oversized payloads before decoding them
	if maxAudioBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxAudioBytes+2 {
		return Event{}, fmt.Errorf("%w: audio exceeds %d bytes", ErrInvalidEvent, maxAudioBytes)
	}

	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: audio is not base64: %v", ErrInvalidEvent, err)
	}
	if maxAudioBytes > 0 && len(audio) > maxAudioBytes {
		return Event{}, fmt.Errorf("%w: audio exceeds %d bytes", ErrInvalidEvent, maxAudioBytes)
	}

	return Event{Type: EventAudio, Audio: audio}, nil
}

// stripDataURL accepts payloads sent as "data:audio/webm;base64,...".
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

type Config struct {
	MaxQueryLength int
	Logger         *zap.Logger
}

// QueryMiddleware validates the JSON body of the text query endpoint and
// stores the sanitized query in Locals("query").
func QueryMiddleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if ct := c.Get(fiber.HeaderContentType); ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var req struct {
			Query string `json:"query"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		query := sanitizeString(req.Query)
		if query == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required and must be a string",
			})
		}
		if len(query) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query exceeds maximum length",
			})
		}
		if xssPattern.MatchString(query) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("query", query),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid query content",
			})
		}

		c.Locals("query", query)
		return c.Next()
	}
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
