package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordListLanguageDetector(t *testing.T) {
	tests := []struct {
		text string
		want Language
	}{
		{"What are the student plans?", English},
		{"How do I top-up my balance?", English},
		{"Quais são os planos para estudantes?", Portuguese},
		{"Como posso pagar a minha fatura?", Portuguese},
		{"merda", Portuguese},
		{"", Portuguese},
		{"roaming", Portuguese},
	}

	d := WordListLanguageDetector{}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.text))
		})
	}
}

func TestWordListSentimentDetector(t *testing.T) {
	tests := []struct {
		text string
		want Sentiment
	}{
		{"My internet is not working and I'm frustrated", Negative},
		{"Este serviço é péssimo", Negative},
		{"A internet não funciona desde ontem", Negative},
		{"TERRIBLE coverage", Negative},
		{"Qual é o saldo mínimo?", Neutral},
		{"What are the student plans?", Neutral},
	}

	d := WordListSentimentDetector{}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.text))
		})
	}
}

func TestWordsSplitsOnPunctuation(t *testing.T) {
	assert.Equal(t, []string{"olá", "quanto", "custa", "top-up"}, words("Olá! Quanto custa... top-up?"))
}
