package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// likeEscaper neutralizes LIKE wildcards in user-derived query words so
// a word like "100%" matches literally instead of everything.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Chunk types assigned by the chunker.
const (
	ChunkTypeDefinition = "definition"
	ChunkTypeClause     = "clause"
	ChunkTypeHeader     = "header"
	ChunkTypeGeneral    = "general"
)

// ChunkMetadata is the retrieval metadata carried by every vector row.
type ChunkMetadata struct {
	PageNumber       int    `json:"page_number"`
	SectionTitle     string `json:"section_title"`
	DetectedCategory string `json:"detected_category"`
	ChunkType        string `json:"chunk_type"`
	CitationKey      string `json:"citation_key"`
}

// ChunkRecord is one embedded span of document text.
type ChunkRecord struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	ChunkOrder int           `json:"chunk_order"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"-"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ChunkSearchResult pairs a chunk with its similarity score.
type ChunkSearchResult struct {
	Chunk      ChunkRecord `json:"chunk"`
	Similarity float64     `json:"similarity"`
}

// InsertChunks persists chunk+vector+metadata rows in fixed-size insert
// batches so a large document never rides a single giant transaction.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []ChunkRecord, batchSize int) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to insert")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := s.insertChunkBatch(ctx, documentID, chunks[start:end]); err != nil {
			return fmt.Errorf("insert chunk batch at %d: %w", start, err)
		}
	}
	return nil
}

func (s *Store) insertChunkBatch(ctx context.Context, documentID string, chunks []ChunkRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO document_vectors (id, document_id, chunk_order, content, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			return fmt.Errorf("embedding vector required for chunk %d", ch.ChunkOrder)
		}
		id := ch.ID
		if id == "" {
			id = uuid.New().String()
		}
		metaBytes, mErr := json.Marshal(ch.Metadata)
		if mErr != nil {
			return fmt.Errorf("marshal chunk metadata: %w", mErr)
		}
		if _, err = stmt.ExecContext(ctx, id, documentID, ch.ChunkOrder, ch.Content,
			pgvector.NewVector(ch.Embedding), metaBytes); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk batch: %w", err)
	}
	return nil
}

// ListChunksByDocument returns all chunks in chunk order, without
// embeddings. Used to build the lexical index and by keyword tiers.
func (s *Store) ListChunksByDocument(ctx context.Context, documentID, ownerID string) ([]ChunkRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT v.id, v.document_id, v.chunk_order, v.content, v.metadata
FROM document_vectors v
JOIN documents d ON d.id = v.document_id
WHERE v.document_id=$1 AND d.owner_id=$2
ORDER BY v.chunk_order
`, documentID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

// CountChunks reports how many vectors a document has.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_vectors WHERE document_id=$1`, documentID).Scan(&n)
	return n, err
}

// VectorSearchChunks runs cosine similarity search scoped to one
// document and owner. Similarity is 1 - cosine distance; results below
// the floor are dropped.
func (s *Store) VectorSearchChunks(ctx context.Context, documentID, ownerID string, vector []float32, floor float64, limit int) ([]ChunkSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT v.id, v.document_id, v.chunk_order, v.content, v.metadata,
       1 - (v.embedding <=> $3::vector) AS similarity
FROM document_vectors v
JOIN documents d ON d.id = v.document_id
WHERE v.document_id=$1 AND d.owner_id=$2
ORDER BY v.embedding <=> $3::vector
LIMIT $4
`, documentID, ownerID, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChunkSearchResult
	for rows.Next() {
		var (
			res       ChunkSearchResult
			metaBytes []byte
		)
		if err := rows.Scan(&res.Chunk.ID, &res.Chunk.DocumentID, &res.Chunk.ChunkOrder,
			&res.Chunk.Content, &metaBytes, &res.Similarity); err != nil {
			return nil, err
		}
		if res.Similarity < floor {
			continue
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &res.Chunk.Metadata)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// KeywordSearchChunks returns chunks whose content matches any of the
// given words, with the caller's nominal similarity attached since no
// true ranking signal exists at this tier.
func (s *Store) KeywordSearchChunks(ctx context.Context, documentID, ownerID string, words []string, nominal float64, limit int) ([]ChunkSearchResult, error) {
	if len(words) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	patterns := make([]string, 0, len(words))
	for _, w := range words {
		patterns = append(patterns, "%"+likeEscaper.Replace(w)+"%")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT v.id, v.document_id, v.chunk_order, v.content, v.metadata
FROM document_vectors v
JOIN documents d ON d.id = v.document_id
WHERE v.document_id=$1 AND d.owner_id=$2 AND v.content ILIKE ANY($3)
ORDER BY v.chunk_order
LIMIT $4
`, documentID, ownerID, pq.Array(patterns), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks, err := scanChunkRows(rows)
	if err != nil {
		return nil, err
	}
	results := make([]ChunkSearchResult, 0, len(chunks))
	for _, ch := range chunks {
		results = append(results, ChunkSearchResult{Chunk: ch, Similarity: nominal})
	}
	return results, nil
}

// DeleteChunksByDocument removes all vectors for a document, used when
// reprocessing from scratch.
func (s *Store) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM document_vectors WHERE document_id=$1`, documentID)
	return err
}

func scanChunkRows(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	for rows.Next() {
		var (
			ch        ChunkRecord
			metaBytes []byte
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.ChunkOrder, &ch.Content, &metaBytes); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &ch.Metadata)
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}
