package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/mkarlsen/ragline/internal/models"
)

type PgVectorConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
}

// PgVectorStore is a Postgres/pgvector SearchBackend. Vector search uses
// cosine distance, keyword search uses full-text ranking, and hybrid
// mode fuses the two ranked lists with RRF inside the backend.
type PgVectorStore struct {
	config PgVectorConfig
	pool   *pgxpool.Pool
}

func NewPgVectorStore(config PgVectorConfig) (*PgVectorStore, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}

	pool, err := pgxpool.New(context.Background(), config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &PgVectorStore{config: config, pool: pool}
	if err := vs.initialize(); err != nil {
		pool.Close()
		return nil, err
	}
	return vs, nil
}

func (vs *PgVectorStore) initialize() error {
	ctx := context.Background()

	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			position INTEGER NOT NULL,
			token_count INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			embedding vector(%d)
		)`, vs.config.TableName, vs.config.VectorDim)
	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createVectorIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, createVectorIndex); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	createTextIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_content_fts_idx
		ON %s
		USING gin (to_tsvector('english', content))`,
		vs.config.TableName, vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, createTextIndex); err != nil {
		return fmt.Errorf("failed to create text index: %w", err)
	}

	return nil
}

func (vs *PgVectorStore) Add(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, content, position, token_count, checksum, created_at, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			token_count = EXCLUDED.token_count,
			checksum = EXCLUDED.checksum,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`,
		vs.config.TableName)

	for i, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for chunk %s: %w", chunk.ID, err)
		}
		_, err = tx.Exec(ctx, stmt,
			chunk.ID,
			chunk.DocumentID,
			chunk.Content,
			chunk.Position,
			chunk.TokenCount,
			chunk.Checksum,
			chunk.CreatedAt,
			metadata,
			pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (vs *PgVectorStore) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	switch req.Mode {
	case ModeKeyword:
		return vs.keywordSearch(ctx, req.Query, req.TopK)
	case ModeHybrid:
		vecMatches, err := vs.vectorSearch(ctx, req.Vector, req.TopK)
		if err != nil {
			return nil, err
		}
		kwMatches, err := vs.keywordSearch(ctx, req.Query, req.TopK)
		if err != nil {
			return nil, err
		}
		fused := ReciprocalRankFusion(vecMatches, kwMatches)
		if req.TopK > 0 && len(fused) > req.TopK {
			fused = fused[:req.TopK]
		}
		return fused, nil
	default:
		return vs.vectorSearch(ctx, req.Vector, req.TopK)
	}
}

func (vs *PgVectorStore) vectorSearch(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	query := fmt.Sprintf(`
		SELECT id, document_id, content, position, token_count, checksum, created_at, metadata,
		       1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (vs *PgVectorStore) keywordSearch(ctx context.Context, text string, topK int) ([]Match, error) {
	query := fmt.Sprintf(`
		SELECT id, document_id, content, position, token_count, checksum, created_at, metadata,
		       ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $1))::float8 AS score
		FROM %s
		WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query, text, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

func scanMatches(rows pgx.Rows) ([]Match, error) {
	var matches []Match
	for rows.Next() {
		var m Match
		var createdAt time.Time
		var metadata []byte
		err := rows.Scan(
			&m.Chunk.ID,
			&m.Chunk.DocumentID,
			&m.Chunk.Content,
			&m.Chunk.Position,
			&m.Chunk.TokenCount,
			&m.Chunk.Checksum,
			&createdAt,
			&metadata,
			&m.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Chunk.CreatedAt = createdAt
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Chunk.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (vs *PgVectorStore) Delete(ctx context.Context, documentIDs []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE document_id = ANY($1)", vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, query, documentIDs); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (vs *PgVectorStore) Info(ctx context.Context) (Info, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", vs.config.TableName)
	if err := vs.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return Info{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	return Info{Count: count, Dimensions: vs.config.VectorDim}, nil
}

// Pool exposes the connection pool so the document store can share it.
func (vs *PgVectorStore) Pool() *pgxpool.Pool {
	return vs.pool
}

func (vs *PgVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// PgDocumentStore keeps parent documents in Postgres, sharing the
// pgvector store's pool.
type PgDocumentStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPgDocumentStore(pool *pgxpool.Pool, table string) (*PgDocumentStore, error) {
	if table == "" {
		table = "documents"
	}
	ds := &PgDocumentStore{pool: pool, table: table}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT,
			metadata JSONB
		)`, table)
	if _, err := pool.Exec(context.Background(), createTable); err != nil {
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return ds, nil
}

func (ds *PgDocumentStore) Add(ctx context.Context, docs []models.Document) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, source, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			source = EXCLUDED.source,
			metadata = EXCLUDED.metadata`,
		ds.table)

	for _, doc := range docs {
		metadata, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for document %s: %w", doc.ID, err)
		}
		if _, err := ds.pool.Exec(ctx, stmt, doc.ID, doc.Content, doc.Source, metadata); err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (ds *PgDocumentStore) Get(ctx context.Context, id string) (models.Document, bool, error) {
	query := fmt.Sprintf("SELECT id, content, source, metadata FROM %s WHERE id = $1", ds.table)

	var doc models.Document
	var metadata []byte
	err := ds.pool.QueryRow(ctx, query, id).Scan(&doc.ID, &doc.Content, &doc.Source, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, false, nil
	}
	if err != nil {
		return models.Document{}, false, fmt.Errorf("failed to fetch document %s: %w", id, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return models.Document{}, false, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return doc, true, nil
}

func (ds *PgDocumentStore) Delete(ctx context.Context, ids []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", ds.table)
	if _, err := ds.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}
