package pipeline

import (
	"strings"

	"github.com/voicerag/backend/internal/gate"
)

const systemPromptPT = `Você é um assistente de atendimento ao cliente da Mozaitelecomunicação.

DOCUMENTAÇÃO DISPONÍVEL:
{context}

REGRAS IMPORTANTES:

1. RESPONDA APENAS com informações da DOCUMENTAÇÃO acima
2. Se a informação NÃO estiver na documentação, diga:
   "{fallback}"
3. NUNCA invente informações
4. USE o histórico da conversa para entender contexto e referências como "esse", "qual", "e"
5. Se a pergunta requer ação administrativa (mudança, cancelamento, reclamação), redirecione para apoio@mozaitelecomunicacao.co.mz
6. Seja profissional, prestativo e conciso (2-4 frases)
7. Responda em Português de Moçambique`

const systemPromptEN = `You are a customer support assistant for Mozaitelecomunicação.

AVAILABLE DOCUMENTATION:
{context}

IMPORTANT RULES:

1. ANSWER ONLY with information from the DOCUMENTATION above
2. If the information is NOT in the documentation, say:
   "{fallback}"
3. NEVER invent information
4. USE the conversation history to resolve references such as "that one", "which", "and"
5. If the question needs an administrative action (change, cancellation, complaint), redirect to apoio@mozaitelecomunicacao.co.mz
6. Be professional, helpful and concise (2-4 sentences)
7. Answer in English`

var (
	empatheticOpener = map[gate.Language]string{
		gate.Portuguese: "O cliente parece frustrado. Comece a resposta reconhecendo a situação com empatia antes de dar a informação.",
		gate.English:    "The customer seems frustrated. Open by acknowledging the situation with empathy before giving the information.",
	}

	lowRelevanceNote = map[gate.Language]string{
		gate.Portuguese: "A pergunta pode estar fora do âmbito da documentação. Se não puder responder com a documentação, use a mensagem da regra 2.",
		gate.English:    "The question may be outside the documentation. If the documentation cannot answer it, use the message from rule 2.",
	}
)

// BuildSystemPrompt fills the language template with the assembled context
// and appends the sentiment and relevance instructions that apply.
func BuildSystemPrompt(lang gate.Language, contextText string, decision gate.Decision) string {
	tmpl := systemPromptPT
	if lang == gate.English {
		tmpl = systemPromptEN
	}

	prompt := strings.NewReplacer(
		"{context}", contextText,
		"{fallback}", gate.Message(lang, gate.MsgOutOfScope),
	).Replace(tmpl)

	var extra []string
	if decision.Sentiment == gate.Negative {
		extra = append(extra, pick(empatheticOpener, lang))
	}
	if !decision.Relevant {
		extra = append(extra, pick(lowRelevanceNote, lang))
	}
	if len(extra) == 0 {
		return prompt
	}
	return prompt + "\n\n" + strings.Join(extra, "\n")
}

func pick(m map[gate.Language]string, lang gate.Language) string {
	if s, ok := m[lang]; ok {
		return s
	}
	return m[gate.DefaultLanguage]
}
