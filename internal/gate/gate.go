// Package gate screens a query and its retrieved chunks before generation:
// profanity blocking, topic relevance, language and sentiment detection.
package gate

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/metrics"
	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
)

var profanityList = []string{
	"fuck", "shit", "damn", "bitch", "ass", "hell", "bastard",
	"idiot", "stupid", "dumb", "moron", "crap",
	"merda", "caralho", "puta", "foda", "burro", "idiota",
}

var domainKeywords = []string{
	// pt
	"fatura", "pagar", "pagamento", "plano", "internet", "dados", "saldo",
	"apn", "5g", "4g", "sim", "chip", "serviço", "chamadas", "minutos",
	"cobertura", "rede", "sinal", "roaming", "recarga", "configuração",
	"telefone", "celular", "móvel", "número", "linha", "conta", "suporte",
	"modem", "router", "wifi", "banda", "velocidade", "contacto", "email",
	"escritório", "app", "aplicativo", "mpesa", "emola", "banco", "apoio",
	"recomenda", "estudante", "universitário", "jovem", "família", "empresarial",
	// en
	"bill", "invoice", "payment", "plan", "data", "balance", "calls", "minutes",
	"coverage", "network", "signal", "top-up", "recharge", "settings", "phone",
	"mobile", "number", "account", "support", "speed", "contact", "office",
	"bank", "recommend", "student", "university", "family", "business", "bundle",
}

const (
	minOverlap      = 3
	overlapFraction = 0.2
)

type Verdict int

const (
	Pass Verdict = iota
	Blocked
)

func (v Verdict) String() string {
	if v == Blocked {
		return "blocked"
	}
	return "pass"
}

// Decision is the outcome of Screen. Message is set only when Blocked.
// Relevant is informational; Screen never blocks on it.
type Decision struct {
	Verdict   Verdict
	Reason    string
	Message   string
	Relevant  bool
	Language  Language
	Sentiment Sentiment
}

func (d Decision) Blocked() bool {
	return d.Verdict == Blocked
}

type Gate struct {
	language  LanguageDetector
	sentiment SentimentDetector
}

// New returns a gate using the word-list detectors unless replacements are
// given.
func New(lang LanguageDetector, sentiment SentimentDetector) *Gate {
	if lang == nil {
		lang = WordListLanguageDetector{}
	}
	if sentiment == nil {
		sentiment = WordListSentimentDetector{}
	}
	return &Gate{language: lang, sentiment: sentiment}
}

func (g *Gate) DetectLanguage(text string) Language {
	return g.language.Detect(text)
}

// CheckProfanity runs only the block-list test, so callers can refuse a
// query before spending an embedding call on it.
func (g *Gate) CheckProfanity(query string) (Decision, bool) {
	term, found := ContainsProfanity(query)
	if !found {
		return Decision{}, false
	}

	lang := g.language.Detect(query)
	metrics.GateBlocks.WithLabelValues("profanity", string(lang)).Inc()
	logger.Info("Query blocked by profanity filter",
		zap.String("term", term),
		zap.String("language", string(lang)),
	)
	return Decision{
		Verdict:   Blocked,
		Reason:    "profanity",
		Message:   Message(lang, MsgProfanity),
		Language:  lang,
		Sentiment: g.sentiment.Detect(query),
	}, true
}

// Screen runs the profanity check first; a match blocks regardless of the
// chunks.
func (g *Gate) Screen(query string, chunks []models.RetrievedChunk) Decision {
	if d, blocked := g.CheckProfanity(query); blocked {
		return d
	}

	lang := g.language.Detect(query)
	relevant := IsRelevant(query, chunks)
	if !relevant {
		metrics.IrrelevantQueries.Inc()
	}

	return Decision{
		Verdict:   Pass,
		Relevant:  relevant,
		Language:  lang,
		Sentiment: g.sentiment.Detect(query),
	}
}

// ContainsProfanity is a plain substring test on the lower-cased query, so
// it also fires on block-listed terms inside longer words.
func ContainsProfanity(query string) (string, bool) {
	lower := strings.ToLower(query)
	for _, term := range profanityList {
		if strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

// IsRelevant is false without chunks. Otherwise a domain keyword anywhere in
// the query is enough; failing that, the query must share at least
// max(3, 0.2*n) distinct words with the chunk text.
func IsRelevant(query string, chunks []models.RetrievedChunk) bool {
	if len(chunks) == 0 {
		return false
	}

	lower := strings.ToLower(query)
	for _, kw := range domainKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	queryWords := wordSet(strings.Fields(lower)...)

	contextWords := make(map[string]struct{})
	for _, c := range chunks {
		for _, w := range strings.Fields(strings.ToLower(c.Text)) {
			contextWords[w] = struct{}{}
		}
	}

	overlap := 0
	for w := range queryWords {
		if _, ok := contextWords[w]; ok {
			overlap++
		}
	}

	threshold := math.Max(minOverlap, overlapFraction*float64(len(queryWords)))
	return float64(overlap) >= threshold
}
