// Package assembler turns retrieved chunks into the bounded context blob
// handed to the generator.
package assembler

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/gate"
	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
)

const DefaultCharBudget = 2500

type Summarizer interface {
	Summarize(ctx context.Context, instruction, text string) (string, error)
}

var (
	documentLabel = map[gate.Language]string{
		gate.Portuguese: "Documento",
		gate.English:    "Document",
	}

	summaryInstruction = map[gate.Language]string{
		gate.Portuguese: "Resuma a documentação seguinte de forma concisa em Português. " +
			"Preserve todos os factos, preços, números, nomes de planos e contactos. Não invente nada.",
		gate.English: "Summarize the following documentation concisely in English. " +
			"Preserve every fact, price, number, plan name and contact. Do not invent anything.",
	}
)

type Assembler struct {
	summarizer Summarizer
	budget     int
}

func New(summarizer Summarizer, budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	return &Assembler{summarizer: summarizer, budget: budget}
}

// Assemble joins the chunks under numbered document headers. Output longer
// than the budget is replaced by a single summarization call; its failure is
// returned to the caller.
func (a *Assembler) Assemble(ctx context.Context, chunks []models.RetrievedChunk, lang gate.Language) (string, error) {
	raw := Concatenate(chunks, lang)

	length := utf8.RuneCountInString(raw)
	if length <= a.budget {
		return raw, nil
	}

	logger.Debug("Context over budget, summarizing",
		zap.Int("chars", length),
		zap.Int("budget", a.budget),
		zap.Int("chunks", len(chunks)),
	)

	instruction, ok := summaryInstruction[lang]
	if !ok {
		instruction = summaryInstruction[gate.DefaultLanguage]
	}

	summary, err := a.summarizer.Summarize(ctx, instruction, raw)
	if err != nil {
		metrics.ExternalCallErrors.WithLabelValues("summarize").Inc()
		return "", fmt.Errorf("failed to summarize context: %w", err)
	}
	metrics.Summarizations.Inc()

	return summary, nil
}

// Concatenate formats chunks as "[Documento i]\n<text>" blocks separated by a
// blank line, numbering from 1.
func Concatenate(chunks []models.RetrievedChunk, lang gate.Language) string {
	label, ok := documentLabel[lang]
	if !ok {
		label = documentLabel[gate.DefaultLanguage]
	}

	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[%s %d]\n%s", label, i+1, c.Text)
	}
	return strings.Join(parts, "\n\n")
}
