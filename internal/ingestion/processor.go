// Package ingestion builds the corpus the retriever serves: it extracts text
// from source documents, cuts overlapping token windows, embeds them and
// writes vectors and metadata aligned by row id.
package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/internal/vector"
	"github.com/voicerag/backend/pkg/logger"
)

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

type CorpusWriter interface {
	ReplaceCorpus(ctx context.Context, records []models.ChunkRecord, embeddings [][]float32) error
}

// VectorMirror receives a copy of the vectors, for the remote index backend.
type VectorMirror interface {
	ReplaceAll(ctx context.Context, embeddings [][]float32) error
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	// Dim, when set, rejects embeddings of any other length.
	Dim int
	// Tokenizer defines what a window counts. Nil means ProseTokenizer.
	Tokenizer Tokenizer
}

type Processor struct {
	embedder Embedder
	store    CorpusWriter
	mirror   VectorMirror
	opts     Options
}

type Document struct {
	Source string
	Text   string
}

type Report struct {
	Files   int
	Skipped int
	Chunks  int
}

func NewProcessor(embedder Embedder, store CorpusWriter, opts Options) *Processor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 400
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = ProseTokenizer{}
	}
	return &Processor{
		embedder: embedder,
		store:    store,
		opts:     opts,
	}
}

func (p *Processor) WithMirror(m VectorMirror) *Processor {
	p.mirror = m
	return p
}

// Run replaces the whole corpus with the documents found under dir.
func (p *Processor) Run(ctx context.Context, dir string) (*Report, error) {
	docs, skipped, err := LoadDocuments(dir)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no supported documents found in %s", dir)
	}

	report, err := p.Ingest(ctx, docs)
	if err != nil {
		return nil, err
	}
	report.Skipped = skipped
	return report, nil
}

func (p *Processor) Ingest(ctx context.Context, docs []Document) (*Report, error) {
	var (
		records []models.ChunkRecord
		texts   []string
	)

	for _, doc := range docs {
		chunks, err := ChunkText(p.opts.Tokenizer, doc.Text, p.opts.ChunkSize, p.opts.ChunkOverlap)
		if err != nil {
			return nil, fmt.Errorf("failed to chunk %s: %w", doc.Source, err)
		}
		for i, text := range chunks {
			records = append(records, models.ChunkRecord{
				RowID:      int64(len(records)),
				Source:     doc.Source,
				ChunkIndex: i,
				Text:       text,
			})
			texts = append(texts, text)
		}
		logger.Info("Document chunked",
			zap.String("source", doc.Source),
			zap.Int("chunks", len(chunks)),
		)
	}

	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, texts, p.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(records) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(records))
	}
	if p.opts.Dim > 0 {
		for i, e := range embeddings {
			if len(e) != p.opts.Dim {
				return nil, fmt.Errorf("%w: expected %d, chunk %d has %d", vector.ErrDimensionMismatch, p.opts.Dim, i, len(e))
			}
		}
	}

	if err := p.store.ReplaceCorpus(ctx, records, embeddings); err != nil {
		return nil, fmt.Errorf("failed to write corpus: %w", err)
	}

	if p.mirror != nil {
		if err := p.mirror.ReplaceAll(ctx, embeddings); err != nil {
			return nil, fmt.Errorf("failed to mirror vectors: %w", err)
		}
	}

	logger.Info("Corpus ingested",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(records)),
	)

	return &Report{Files: len(docs), Chunks: len(records)}, nil
}

// LoadDocuments reads every supported file under dir in lexical order.
// Unsupported or empty files are counted as skipped.
func LoadDocuments(dir string) ([]Document, int, error) {
	var (
		docs    []Document
		skipped int
	)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = d.Name()
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		text, ok := ExtractText(d.Name(), content)
		if !ok {
			logger.Warn("Skipping unsupported file", zap.String("path", rel))
			skipped++
			return nil
		}
		if text == "" {
			logger.Warn("Skipping empty document", zap.String("path", rel))
			skipped++
			return nil
		}

		docs = append(docs, Document{Source: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	return docs, skipped, nil
}

var whitespace = regexp.MustCompile(`\s+`)

// ExtractText returns the plain text of a file by extension. The bool is
// false for unsupported types.
func ExtractText(name string, content []byte) (string, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return strings.TrimSpace(whitespace.ReplaceAllString(string(content), " ")), true
	case ".html", ".htm":
		text, err := cleanHTML(string(content))
		if err != nil {
			logger.Warn("Failed to parse HTML", zap.String("file", name), zap.Error(err))
			return "", true
		}
		return text, true
	case ".pdf":
		text, err := extractPDF(content)
		if err != nil {
			logger.Warn("Failed to read PDF", zap.String("file", name), zap.Error(err))
			return "", true
		}
		return text, true
	default:
		return "", false
	}
}

func cleanHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// keep block boundaries so words from adjacent elements don't merge
	doc.Find("p, li, h1, h2, h3, h4, h5, h6, td, th, div, br").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	text := doc.Find("body").Text()
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " ")), nil
}

// extractPDF returns the text of every page, pages separated by a space.
// Scanned pages without a text layer contribute nothing.
func extractPDF(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		for _, name := range page.Fonts() {
			f := page.Font(name)
			fonts[name] = &f
		}
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(strings.Join(pages, " "), " ")), nil
}

// ChunkText splits text into windows of size tokens; window i starts at
// token i*(size-overlap). The last window may be shorter.
func ChunkText(tok Tokenizer, text string, size, overlap int) ([]string, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("invalid window: size %d, overlap %d", size, overlap)
	}

	tokens, err := tok.Split(text)
	if err != nil {
		return nil, err
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(tokens); start += step {
		end := min(start+size, len(tokens))
		if chunk := tok.Join(tokens[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}
