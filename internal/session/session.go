// Package session holds per-connection conversation state.
package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/pkg/logger"
)

const DefaultWindow = 10

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an append-only log of turns. Truncation happens only in
// Window, so Transcript always returns every turn.
//
// A conversation is driven by one session loop, but the mutex keeps reads
// from diagnostics handlers safe.
type Conversation struct {
	ID        string
	CreatedAt time.Time

	mu       sync.RWMutex
	turns    []Turn
	language gate.Language
}

func NewConversation() *Conversation {
	return &Conversation{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		language:  gate.DefaultLanguage,
	}
}

func (c *Conversation) Append(role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	c.mu.Lock()
	c.turns = append(c.turns, Turn{Role: role, Content: content})
	c.mu.Unlock()
	return nil
}

// Window returns the most recent n turns, oldest first.
func (c *Conversation) Window(n int) []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if n >= 0 && len(c.turns) > n {
		start = len(c.turns) - n
	}
	return slices.Clone(c.turns[start:])
}

func (c *Conversation) Transcript() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.turns)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Language is the language detected on the latest screened query. It is the
// transcription hint and the language of canned replies.
func (c *Conversation) Language() gate.Language {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.language
}

func (c *Conversation) SetLanguage(lang gate.Language) {
	if lang == "" {
		return
	}
	c.mu.Lock()
	c.language = lang
	c.mu.Unlock()
}

// Registry tracks open conversations. Nothing is persisted; closing a
// conversation discards it.
type Registry struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
}

func NewRegistry() *Registry {
	return &Registry{conversations: make(map[string]*Conversation)}
}

func (r *Registry) Open() *Conversation {
	conv := NewConversation()

	r.mu.Lock()
	r.conversations[conv.ID] = conv
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	logger.Debug("Conversation opened", zap.String("session_id", conv.ID))
	return conv
}

func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	return conv, ok
}

func (r *Registry) Close(id string) {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	delete(r.conversations, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	logger.Debug("Conversation closed",
		zap.String("session_id", id),
		zap.Int("turns", conv.Len()),
	)
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}
