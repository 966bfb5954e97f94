package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/storage/models"
	"github.com/voicerag/backend/pkg/logger"
	"github.com/voicerag/backend/pkg/utils"
)

// ErrMisalignedCorpus means the vector table and the metadata table do not
// describe the same rows 0..n-1.
var ErrMisalignedCorpus = errors.New("corpus vectors and metadata are misaligned")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		row_id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);

	CREATE TABLE IF NOT EXISTS vectors (
		row_id INTEGER PRIMARY KEY,
		dim INTEGER NOT NULL,
		embedding BLOB NOT NULL
	);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// ReplaceCorpus rewrites both tables in one transaction. Row i of records is
// stored with row_id i next to embeddings[i].
func (c *Client) ReplaceCorpus(ctx context.Context, records []models.ChunkRecord, embeddings [][]float32) error {
	if len(records) != len(embeddings) {
		return fmt.Errorf("%w: %d chunks but %d embeddings", ErrMisalignedCorpus, len(records), len(embeddings))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks; DELETE FROM vectors;`); err != nil {
		return fmt.Errorf("failed to clear corpus: %w", err)
	}

	chunkStmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (row_id, source, chunk_index, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	vectorStmt, err := tx.PrepareContext(ctx, `INSERT INTO vectors (row_id, dim, embedding) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare vector insert: %w", err)
	}
	defer vectorStmt.Close()

	for i, rec := range records {
		rowID := int64(i)
		if _, err := chunkStmt.ExecContext(ctx, rowID, rec.Source, rec.ChunkIndex, rec.Text); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
		if _, err := vectorStmt.ExecContext(ctx, rowID, len(embeddings[i]), utils.EncodeFloat32s(embeddings[i])); err != nil {
			return fmt.Errorf("failed to insert vector %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit corpus: %w", err)
	}

	logger.Info("Corpus replaced", zap.Int("chunks", len(records)))
	return nil
}

// LoadVectors returns every vector ordered by row id after checking that the
// vector and metadata tables line up row for row.
func (c *Client) LoadVectors(ctx context.Context) ([]models.VectorRecord, error) {
	var chunkCount, orphanCount int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunkCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors v LEFT JOIN chunks c ON c.row_id = v.row_id WHERE c.row_id IS NULL`,
	).Scan(&orphanCount)
	if err != nil {
		return nil, fmt.Errorf("failed to check vector alignment: %w", err)
	}
	if orphanCount > 0 {
		return nil, fmt.Errorf("%w: %d vectors without metadata", ErrMisalignedCorpus, orphanCount)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT row_id, embedding FROM vectors ORDER BY row_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	var out []models.VectorRecord
	for rows.Next() {
		var rec models.VectorRecord
		var blob []byte
		if err := rows.Scan(&rec.RowID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		if rec.RowID != int64(len(out)) {
			return nil, fmt.Errorf("%w: expected row %d, found %d", ErrMisalignedCorpus, len(out), rec.RowID)
		}
		if rec.Embedding, err = utils.DecodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("failed to decode vector %d: %w", rec.RowID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	if int64(len(out)) != chunkCount {
		return nil, fmt.Errorf("%w: %d vectors but %d chunks", ErrMisalignedCorpus, len(out), chunkCount)
	}

	logger.Info("Vectors loaded", zap.Int("count", len(out)))
	return out, nil
}

// ChunksByRowIDs returns metadata keyed by row id. Unknown ids are absent.
func (c *Client) ChunksByRowIDs(ctx context.Context, ids []int64) (map[int64]models.ChunkRecord, error) {
	out := make(map[int64]models.ChunkRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT row_id, source, chunk_index, text FROM chunks WHERE row_id IN (%s)`, placeholders)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.ChunkRecord
		if err := rows.Scan(&rec.RowID, &rec.Source, &rec.ChunkIndex, &rec.Text); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		out[rec.RowID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}

	return out, nil
}

func (c *Client) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}
