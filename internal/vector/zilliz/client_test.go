package zilliz

import (
	"context"
	"errors"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerag/backend/internal/vector"
)

func TestSchemaMatchesCorpusLayout(t *testing.T) {
	z := &Client{collectionName: "support_corpus", vectorDim: 3072}
	s := z.schema()

	assert.Equal(t, "support_corpus", s.CollectionName)
	require.Len(t, s.Fields, 2)

	assert.Equal(t, rowIDField, s.Fields[0].Name)
	assert.Equal(t, entity.FieldTypeInt64, s.Fields[0].DataType)
	assert.True(t, s.Fields[0].PrimaryKey)
	assert.False(t, s.Fields[0].AutoID, "row ids must line up with sqlite")

	assert.Equal(t, embeddingField, s.Fields[1].Name)
	assert.Equal(t, "3072", s.Fields[1].TypeParams["dim"])
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	z := &Client{collectionName: "support_corpus", vectorDim: 4}

	_, err := z.Search(context.Background(), []float32{1, 2}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vector.ErrDimensionMismatch))
}
