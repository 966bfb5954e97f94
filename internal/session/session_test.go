package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerag/backend/internal/gate"
)

func TestWindowReturnsMostRecentInOrder(t *testing.T) {
	conv := NewConversation()
	for i := 0; i < 15; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, conv.Append(role, fmt.Sprintf("turn %d", i)))
	}

	window := conv.Window(DefaultWindow)
	require.Len(t, window, 10)
	for i, turn := range window {
		assert.Equal(t, fmt.Sprintf("turn %d", i+5), turn.Content)
	}
	assert.Equal(t, RoleAssistant, window[0].Role)

	assert.Equal(t, 15, conv.Len())
	assert.Len(t, conv.Transcript(), 15)
}

func TestWindowShorterThanMax(t *testing.T) {
	conv := NewConversation()
	require.NoError(t, conv.Append(RoleUser, "olá"))

	assert.Equal(t, []Turn{{Role: RoleUser, Content: "olá"}}, conv.Window(10))
	assert.Empty(t, NewConversation().Window(10))
	assert.Empty(t, conv.Window(0))
}

func TestWindowIsACopy(t *testing.T) {
	conv := NewConversation()
	require.NoError(t, conv.Append(RoleUser, "original"))

	w := conv.Window(10)
	w[0].Content = "changed"

	assert.Equal(t, "original", conv.Transcript()[0].Content)
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	conv := NewConversation()
	assert.Error(t, conv.Append(Role("system"), "x"))
	assert.Zero(t, conv.Len())
}

func TestLanguageDefaultsToPortuguese(t *testing.T) {
	conv := NewConversation()
	assert.Equal(t, gate.Portuguese, conv.Language())

	conv.SetLanguage(gate.English)
	conv.SetLanguage("")
	assert.Equal(t, gate.English, conv.Language())
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	a := r.Open()
	b := r.Open()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Active())

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Close(a.ID)
	r.Close(a.ID)
	assert.Equal(t, 1, r.Active())

	_, ok = r.Get(a.ID)
	assert.False(t, ok)
}
