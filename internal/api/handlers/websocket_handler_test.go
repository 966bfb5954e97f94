package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/pipeline"
	"github.com/voicerag/backend/internal/session"
)

type fakeConn struct {
	inbound [][]byte
	sent    []outboundMessage
	closed  bool
	failAt  int
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if len(f.inbound) == 0 {
		return 0, nil, io.EOF
	}
	msg := f.inbound[0]
	f.inbound = f.inbound[1:]
	return 1, msg, nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, v.(outboundMessage))
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeSpeech struct {
	transcript    string
	transcribeErr error
	synthErr      error
	hints         []string
	voices        []string
}

func (f *fakeSpeech) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	f.hints = append(f.hints, lang)
	return f.transcript, f.transcribeErr
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	f.voices = append(f.voices, voice)
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return []byte("mp3:" + text), nil
}

type fakeEngine struct {
	queries []string
	lang    gate.Language
	hasDL   bool
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, conv *session.Conversation, req pipeline.TurnRequest) *pipeline.TurnResult {
	f.queries = append(f.queries, req.Query)
	_ = conv.Append(session.RoleUser, req.Query)
	reply := "Reply to " + req.Query
	_ = conv.Append(session.RoleAssistant, reply)
	conv.SetLanguage(f.lang)
	_, f.hasDL = ctx.Deadline()
	return &pipeline.TurnResult{ID: "turn-1", Reply: reply, Outcome: pipeline.OutcomeCompleted, Language: f.lang}
}

func audioEvent(payload string) []byte {
	return []byte(`{"type":"audio","audio":"` + base64.StdEncoding.EncodeToString([]byte(payload)) + `"}`)
}

func newTestHandler(speech *fakeSpeech, engine *fakeEngine) (*WebSocketHandler, *session.Registry) {
	registry := session.NewRegistry()
	h := NewWebSocketHandler(engine, speech, registry, WebSocketConfig{
		Voices:        map[string]string{"pt": "nova", "en": "alloy"},
		TurnTimeout:   time.Second,
		MaxAudioBytes: 1024,
	})
	return h, registry
}

func TestSessionLifecycle(t *testing.T) {
	speech := &fakeSpeech{transcript: "What are the student plans?"}
	engine := &fakeEngine{lang: gate.English}
	h, registry := newTestHandler(speech, engine)

	conn := &fakeConn{inbound: [][]byte{
		audioEvent("wav"),
		[]byte(`{"type":"end"}`),
		audioEvent("never read"),
	}}
	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 4)

	assert.Equal(t, msgTypeMessage, conn.sent[0].Type)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgGreeting), conn.sent[0].Text)
	assert.NotEmpty(t, conn.sent[0].Audio)

	assert.Equal(t, outboundMessage{Type: msgTypeTranscription, Text: "What are the student plans?"}, conn.sent[1])

	assert.Equal(t, msgTypeResponse, conn.sent[2].Type)
	assert.Equal(t, "Reply to What are the student plans?", conn.sent[2].Text)
	audio, err := base64.StdEncoding.DecodeString(conn.sent[2].Audio)
	require.NoError(t, err)
	assert.Equal(t, "mp3:Reply to What are the student plans?", string(audio))

	assert.Equal(t, msgTypeGoodbye, conn.sent[3].Type)
	assert.Equal(t, gate.Message(gate.English, gate.MsgGoodbye), conn.sent[3].Text)

	assert.Equal(t, []string{"nova", "alloy", "alloy"}, speech.voices)
	assert.Equal(t, []string{"pt"}, speech.hints)
	assert.True(t, engine.hasDL, "turns run under a deadline")
	assert.True(t, conn.closed)
	assert.Zero(t, registry.Active())
}

func TestInterruptIsAcknowledged(t *testing.T) {
	h, _ := newTestHandler(&fakeSpeech{}, &fakeEngine{})
	conn := &fakeConn{inbound: [][]byte{[]byte(`{"type":"interrupt"}`)}}

	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 2)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgInterruptAck), conn.sent[1].Text)
}

func TestEmptyTranscriptionSkipsTurn(t *testing.T) {
	engine := &fakeEngine{}
	h, _ := newTestHandler(&fakeSpeech{transcript: "   "}, engine)
	conn := &fakeConn{inbound: [][]byte{audioEvent("silence")}}

	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 3)
	assert.Equal(t, msgTypeTranscription, conn.sent[1].Type)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgEmptyTranscription), conn.sent[2].Text)
	assert.Empty(t, engine.queries)
}

func TestMalformedEventKeepsSessionAlive(t *testing.T) {
	engine := &fakeEngine{lang: gate.Portuguese}
	h, _ := newTestHandler(&fakeSpeech{transcript: "Qual é o meu saldo?"}, engine)
	conn := &fakeConn{inbound: [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"audio","audio":"%%%"}`),
		audioEvent("wav"),
	}}

	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 5)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgMalformedEvent), conn.sent[1].Text)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgMalformedEvent), conn.sent[2].Text)
	assert.Equal(t, msgTypeResponse, conn.sent[4].Type)
	assert.Equal(t, []string{"Qual é o meu saldo?"}, engine.queries)
}

func TestTranscriptionFailureApologizes(t *testing.T) {
	engine := &fakeEngine{}
	h, _ := newTestHandler(&fakeSpeech{transcribeErr: errors.New("whisper down")}, engine)
	conn := &fakeConn{inbound: [][]byte{audioEvent("wav")}}

	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 2)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgGenericApology), conn.sent[1].Text)
	assert.Empty(t, engine.queries)
}

func TestSynthesisFailureSendsTextOnly(t *testing.T) {
	h, _ := newTestHandler(&fakeSpeech{synthErr: errors.New("tts down")}, &fakeEngine{})
	conn := &fakeConn{}

	h.Serve(context.Background(), conn)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, gate.Message(gate.Portuguese, gate.MsgGreeting), conn.sent[0].Text)
	assert.Empty(t, conn.sent[0].Audio)
}

func TestWriteFailureEndsSession(t *testing.T) {
	engine := &fakeEngine{}
	h, registry := newTestHandler(&fakeSpeech{transcript: "olá"}, engine)
	conn := &fakeConn{
		inbound: [][]byte{audioEvent("a"), audioEvent("b")},
		failAt:  2,
	}

	h.Serve(context.Background(), conn)

	assert.Len(t, conn.sent, 1)
	assert.Empty(t, engine.queries)
	assert.True(t, conn.closed)
	assert.Zero(t, registry.Active())
}
