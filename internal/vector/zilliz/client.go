package zilliz

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/voicerag/backend/internal/vector"
	"github.com/voicerag/backend/pkg/logger"
)

const (
	rowIDField     = "row_id"
	embeddingField = "embedding"
)

// Client serves the corpus vectors from a Milvus/Zilliz collection. Row ids
// match the sqlite metadata store.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
		zap.Int("dim", vectorDim),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "support corpus chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       rowIDField,
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:     embeddingField,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
		},
	}
}

// EnsureCollection creates, indexes and loads the collection if missing.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := z.client.CreateCollection(ctx, z.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexFlat(entity.L2)
		if err != nil {
			return fmt.Errorf("failed to build index spec: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, embeddingField, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// ReplaceAll drops the collection and inserts embeddings with row ids 0..n-1.
func (z *Client) ReplaceAll(ctx context.Context, embeddings [][]float32) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		if err := z.client.DropCollection(ctx, z.collectionName); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}
	if err := z.EnsureCollection(ctx); err != nil {
		return err
	}
	if len(embeddings) == 0 {
		return nil
	}

	rowIDs := make([]int64, len(embeddings))
	for i, e := range embeddings {
		if len(e) != z.vectorDim {
			return fmt.Errorf("%w: collection has %d, row %d has %d", vector.ErrDimensionMismatch, z.vectorDim, i, len(e))
		}
		rowIDs[i] = int64(i)
	}

	_, err = z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnInt64(rowIDField, rowIDs),
		entity.NewColumnFloatVector(embeddingField, z.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert vectors: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Vectors inserted into Milvus", zap.Int("count", len(embeddings)))
	return nil
}

func (z *Client) Search(ctx context.Context, query []float32, topK int) ([]vector.Hit, error) {
	if len(query) != z.vectorDim {
		return nil, fmt.Errorf("%w: collection has %d, query has %d", vector.ErrDimensionMismatch, z.vectorDim, len(query))
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		[]string{rowIDField},
		[]entity.Vector{entity.FloatVector(query)},
		embeddingField,
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, topK)
	for _, sr := range searchResult {
		ids, ok := sr.IDs.(*entity.ColumnInt64)
		if !ok {
			return nil, fmt.Errorf("unexpected id column type %T", sr.IDs)
		}
		data := ids.Data()
		for i := 0; i < sr.ResultCount && i < len(data); i++ {
			hits = append(hits, vector.Hit{RowID: data[i], Distance: sr.Scores[i]})
		}
	}

	return hits, nil
}
