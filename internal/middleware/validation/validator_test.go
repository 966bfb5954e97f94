package validation

import (
	"encoding/base64"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE"))

	tests := []struct {
		name    string
		raw     string
		max     int
		want    Event
		wantErr bool
	}{
		{name: "audio", raw: `{"type":"audio","audio":"` + audio + `"}`, want: Event{Type: EventAudio, Audio: []byte("RIFF....WAVE")}},
		{name: "data url audio", raw: `{"type":"audio","audio":"data:audio/webm;base64,` + audio + `"}`, want: Event{Type: EventAudio, Audio: []byte("RIFF....WAVE")}},
		{name: "interrupt", raw: `{"type":"interrupt"}`, want: Event{Type: EventInterrupt}},
		{name: "end", raw: `{"type":"end"}`, want: Event{Type: EventEnd}},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "unknown type", raw: `{"type":"video"}`, wantErr: true},
		{name: "missing audio", raw: `{"type":"audio"}`, wantErr: true},
		{name: "bad base64", raw: `{"type":"audio","audio":"%%%"}`, wantErr: true},
		{name: "too large", raw: `{"type":"audio","audio":"` + audio + `"}`, max: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.raw), tt.max)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newQueryApp() *fiber.App {
	app := fiber.New()
	app.Post("/api/v1/query", QueryMiddleware(Config{MaxQueryLength: 50}), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("query").(string))
	})
	return app
}

func post(t *testing.T, app *fiber.App, body, contentType string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/query", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestQueryMiddleware(t *testing.T) {
	app := newQueryApp()

	status, body := post(t, app, `{"query":"  Qual é o meu saldo?  "}`, "application/json")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Qual é o meu saldo?", body)

	status, _ = post(t, app, `{"query":""}`, "application/json")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, `{"query":"`+strings.Repeat("x", 51)+`"}`, "application/json")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, `{"query":"<script>alert(1)</script>"}`, "application/json")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = post(t, app, `query=saldo`, "text/plain")
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)
}
