package models

// ChunkRecord is one row of the corpus metadata store. RowID is the position
// of the chunk's vector in the index.
type ChunkRecord struct {
	RowID      int64
	Source     string
	ChunkIndex int
	Text       string
}

// RetrievedChunk is a search result joined with its metadata. Read-only
// once produced.
type RetrievedChunk struct {
	Text       string  `json:"text"`
	SourceID   string  `json:"source_id"`
	ChunkIndex int     `json:"chunk_index"`
	Distance   float32 `json:"distance"`
}

// VectorRecord is one row of the vector table.
type VectorRecord struct {
	RowID     int64
	Embedding []float32
}
