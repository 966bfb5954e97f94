package gate

import (
	"strings"
	"unicode"
)

type Language string

const (
	Portuguese Language = "pt"
	English    Language = "en"
)

// DefaultLanguage is used whenever detection cannot decide.
const DefaultLanguage = Portuguese

type Sentiment string

const (
	Neutral  Sentiment = "neutral"
	Negative Sentiment = "negative"
)

type LanguageDetector interface {
	Detect(text string) Language
}

type SentimentDetector interface {
	Detect(text string) Sentiment
}

// Marker lists are disjoint: words shared by both languages ("a", "do",
// "no", "as") carry no signal and are left out.
var (
	englishMarkers = wordSet(
		"the", "what", "which", "how", "where", "when", "why", "who",
		"is", "are", "was", "were", "be", "been", "does", "did", "can", "could",
		"would", "should", "will", "have", "has", "i", "you", "your", "my", "me",
		"we", "our", "it", "this", "that", "these", "there", "and", "or", "of",
		"with", "for", "from", "about", "please", "thanks", "thank", "hello", "hi",
		"want", "need", "help", "plans", "bill", "pay", "phone", "student",
		"balance", "coverage", "network", "settings", "top-up", "any", "not",
	)

	portugueseMarkers = wordSet(
		"o", "os", "um", "uma", "uns", "umas", "que", "qual", "quais", "como",
		"onde", "quando", "porque", "porquê", "quem", "é", "são", "está", "estão",
		"estou", "tem", "têm", "ter", "posso", "pode", "quero", "preciso", "meu",
		"minha", "meus", "minhas", "você", "seu", "sua", "eu", "nós", "de", "da",
		"dos", "das", "em", "na", "nas", "nos", "com", "para", "por", "pelo",
		"pela", "e", "ou", "não", "obrigado", "obrigada", "olá", "bom", "dia",
		"planos", "fatura", "pagar", "saldo", "cobertura", "rede", "estudante",
		"ajuda", "também", "muito", "mais",
	)
)

// WordListLanguageDetector votes with language-specific marker words and
// falls back to Portuguese on a tie.
type WordListLanguageDetector struct{}

func (WordListLanguageDetector) Detect(text string) Language {
	var en, pt int
	for _, w := range words(text) {
		if _, ok := englishMarkers[w]; ok {
			en++
		}
		if _, ok := portugueseMarkers[w]; ok {
			pt++
		}
	}
	if en > pt {
		return English
	}
	return DefaultLanguage
}

var (
	negativeWords = wordSet(
		"angry", "frustrated", "frustrating", "annoyed", "upset", "disappointed",
		"terrible", "awful", "horrible", "worst", "hate", "useless", "ridiculous",
		"unacceptable", "broken", "complaint", "irritado", "irritada", "frustrado",
		"frustrada", "chateado", "chateada", "decepcionado", "decepcionada",
		"péssimo", "péssima", "horrível", "terrível", "pior", "odeio", "inútil",
		"ridículo", "inaceitável", "avariado", "reclamação", "zangado", "zangada",
	)

	negativePhrases = []string{
		"not working", "doesn't work", "does not work", "no signal", "still waiting",
		"não funciona", "não está a funcionar", "sem sinal", "sem rede", "ainda estou à espera",
	}
)

// WordListSentimentDetector flags text as negative when any negative-affect
// word or phrase appears.
type WordListSentimentDetector struct{}

func (WordListSentimentDetector) Detect(text string) Sentiment {
	for _, w := range words(text) {
		if _, ok := negativeWords[w]; ok {
			return Negative
		}
	}
	lower := strings.ToLower(text)
	for _, p := range negativePhrases {
		if strings.Contains(lower, p) {
			return Negative
		}
	}
	return Neutral
}

// words lower-cases text and splits it on anything that is not a letter,
// digit, hyphen or apostrophe.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
}

func wordSet(ws ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}
