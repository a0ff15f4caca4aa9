package export

import (
	"context"
	"fmt"
)

// Migrate creates the pgvector extension and the encodings table for the
// given embedding dimension. Safe to run repeatedly.
func (p *Pool) Migrate(ctx context.Context, embeddingDim int) error {
	if _, err := p.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS encodings (
			encoding_hash    VARCHAR(64) PRIMARY KEY,
			category         VARCHAR(32) NOT NULL,
			person           VARCHAR(255),
			embedding        vector(%d),
			source_file      TEXT,
			source_file_hash VARCHAR(64),
			backend          VARCHAR(64) NOT NULL,
			backend_version  VARCHAR(255),
			dim              INTEGER NOT NULL,
			created_at       TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, embeddingDim)
	if _, err := p.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create encodings table: %w", err)
	}

	if _, err := p.Exec(ctx, "CREATE INDEX IF NOT EXISTS encodings_person_idx ON encodings(person)"); err != nil {
		return fmt.Errorf("failed to create person index: %w", err)
	}
	if _, err := p.Exec(ctx, "CREATE INDEX IF NOT EXISTS encodings_category_idx ON encodings(category)"); err != nil {
		return fmt.Errorf("failed to create category index: %w", err)
	}
	return nil
}

// CreateVectorIndex creates the IVFFlat index for similarity search. Call
// after the table has data; building it on an empty table gives poor
// centroids.
func (p *Pool) CreateVectorIndex(ctx context.Context) error {
	_, err := p.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS encodings_vector_idx
		ON encodings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)
	`)
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}
