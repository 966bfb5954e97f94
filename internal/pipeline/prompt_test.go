package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicerag/backend/internal/gate"
)

func TestBuildSystemPrompt(t *testing.T) {
	relevant := gate.Decision{Relevant: true, Sentiment: gate.Neutral}

	pt := BuildSystemPrompt(gate.Portuguese, "[Documento 1]\nAPN: internet.mz", relevant)
	assert.Contains(t, pt, "DOCUMENTAÇÃO DISPONÍVEL:\n[Documento 1]\nAPN: internet.mz")
	assert.Contains(t, pt, gate.Message(gate.Portuguese, gate.MsgOutOfScope))
	assert.NotContains(t, pt, "{context}")
	assert.NotContains(t, pt, "empatia")

	en := BuildSystemPrompt(gate.English, "ctx", gate.Decision{Relevant: false, Sentiment: gate.Negative})
	assert.Contains(t, en, "Answer in English")
	assert.Contains(t, en, "empathy")
	assert.Contains(t, en, "outside the documentation")

	// unknown languages use the Portuguese template
	assert.Contains(t, BuildSystemPrompt(gate.Language("fr"), "ctx", relevant), "Responda em Português")
}
