package ingestion

import (
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	TokenizerCL100K = "cl100k"
	TokenizerProse  = "prose"
)

// Tokenizer splits text into the units chunk windows are counted in, and
// turns a run of those units back into text.
type Tokenizer interface {
	Split(text string) ([]string, error)
	Join(tokens []string) string
}

// NewTokenizer returns the tokenizer registered under name.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case TokenizerCL100K, "":
		return NewBPETokenizer("cl100k_base")
	case TokenizerProse:
		return ProseTokenizer{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

// BPETokenizer counts in the embedding model's byte-pair tokens. The
// encoding tables are compiled in, so no download happens at runtime.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewBPETokenizer(encoding string) (*BPETokenizer, error) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &BPETokenizer{enc: enc}, nil
}

func (b *BPETokenizer) Split(text string) ([]string, error) {
	ids := b.enc.Encode(text, nil, nil)
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tokens[i] = b.enc.Decode([]int{id})
	}
	return tokens, nil
}

// Join concatenates the token bytes. A window edge can split a multi-byte
// character; the dangling bytes are dropped.
func (b *BPETokenizer) Join(tokens []string) string {
	return strings.TrimSpace(strings.ToValidUTF8(strings.Join(tokens, ""), ""))
}

// ProseTokenizer counts words and punctuation marks.
type ProseTokenizer struct{}

func (ProseTokenizer) Split(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize: %w", err)
	}

	tokens := doc.Tokens()
	words := make([]string, len(tokens))
	for i, tok := range tokens {
		words[i] = tok.Text
	}
	return words, nil
}

// Join puts spaces back between tokens, except before closing punctuation
// and after opening brackets.
func (ProseTokenizer) Join(tokens []string) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && !noSpaceBefore(tok) && !noSpaceAfter(tokens[i-1]) {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func noSpaceBefore(tok string) bool {
	switch tok {
	case ".", ",", ";", ":", "!", "?", ")", "]", "}", "%", "'s", "n't", "'re", "'ll", "'ve", "'m", "'d":
		return true
	}
	return false
}

func noSpaceAfter(tok string) bool {
	switch tok {
	case "(", "[", "{", "$":
		return true
	}
	return false
}
