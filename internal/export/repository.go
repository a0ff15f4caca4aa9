package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/faceid/internal/store"
)

// Category distinguishes what role a mirrored encoding plays locally.
const (
	CategoryKnown        = "known"
	CategoryIgnored      = "ignored"
	CategoryHardNegative = "hard_negative"
)

// Row is one mirrored encoding.
type Row struct {
	EncodingHash   string
	Category       string
	Person         string
	Embedding      []float32
	SourceFile     string
	SourceFileHash string
	Backend        string
	BackendVersion string
	Dim            int
	CreatedAt      time.Time
}

// Repository reads and writes the mirrored encodings table.
type Repository struct {
	pool *Pool
}

// NewRepository creates a repository over a connection pool.
func NewRepository(pool *Pool) *Repository {
	return &Repository{pool: pool}
}

// rowsFrom flattens a database into mirror rows, keeping only entries of
// the given backend that carry an embedding of the expected dimension.
// Entries without an identity hash are skipped: the hash is the primary key.
func rowsFrom(db *store.Database, backendName string, dim int) []Row {
	var out []Row

	add := func(category, person string, entries []store.EncodingEntry) {
		for _, e := range entries {
			if e.Backend != backendName || len(e.Embedding) != dim {
				continue
			}
			hash := e.IdentityHash
			if hash == "" {
				hash = store.EncodingHash(e.Embedding)
			}
			created := time.Now()
			if e.CreatedAt != nil {
				created = *e.CreatedAt
			}
			out = append(out, Row{
				EncodingHash:   hash,
				Category:       category,
				Person:         person,
				Embedding:      e.Embedding,
				SourceFile:     e.SourceFile,
				SourceFileHash: e.SourceFileHash,
				Backend:        e.Backend,
				BackendVersion: e.BackendVersion,
				Dim:            dim,
				CreatedAt:      created,
			})
		}
	}

	for person, entries := range db.Known {
		add(CategoryKnown, person, entries)
	}
	add(CategoryIgnored, "", db.Ignored)
	for person, entries := range db.HardNegatives {
		add(CategoryHardNegative, person, entries)
	}
	return out
}

// Push mirrors the database into PostgreSQL: upserts every current row and
// deletes rows whose encoding no longer exists locally. Returns how many
// rows were written.
func (r *Repository) Push(ctx context.Context, db *store.Database, backendName string, dim int) (int, error) {
	rows := rowsFrom(db, backendName, dim)

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO encodings (encoding_hash, category, person, embedding, source_file, source_file_hash, backend, backend_version, dim, created_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (encoding_hash) DO UPDATE SET
			category = EXCLUDED.category,
			person = EXCLUDED.person,
			source_file = EXCLUDED.source_file,
			source_file_hash = EXCLUDED.source_file_hash,
			backend_version = EXCLUDED.backend_version
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		vec := pgvector.NewVector(row.Embedding)
		if _, err := stmt.ExecContext(ctx,
			row.EncodingHash, row.Category, row.Person, vec,
			row.SourceFile, row.SourceFileHash, row.Backend, row.BackendVersion,
			row.Dim, row.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("insert encoding %s: %w", row.EncodingHash, err)
		}
		hashes = append(hashes, row.EncodingHash)
	}

	// Rows for this backend that vanished locally are stale.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM encodings WHERE backend = $1 AND NOT (encoding_hash = ANY($2))",
		backendName, pq.Array(hashes),
	); err != nil {
		return 0, fmt.Errorf("prune stale encodings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(rows), nil
}

// Get retrieves a mirrored encoding by its hash, nil if not present.
func (r *Repository) Get(ctx context.Context, encodingHash string) (*Row, error) {
	query := `
		SELECT encoding_hash, category, person, embedding, source_file, source_file_hash, backend, backend_version, dim, created_at
		FROM encodings
		WHERE encoding_hash = $1
	`

	var row Row
	var person, sourceFile, sourceFileHash sql.NullString
	var vec pgvector.Vector

	err := r.pool.QueryRow(ctx, query, encodingHash).Scan(
		&row.EncodingHash, &row.Category, &person, &vec,
		&sourceFile, &sourceFileHash, &row.Backend, &row.BackendVersion,
		&row.Dim, &row.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query encoding: %w", err)
	}

	row.Person = person.String
	row.SourceFile = sourceFile.String
	row.SourceFileHash = sourceFileHash.String
	row.Embedding = vec.Slice()
	return &row, nil
}

// Count returns how many rows are mirrored per category.
func (r *Repository) Count(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT category, COUNT(*) FROM encodings GROUP BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		out[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}
	return out, nil
}

// Neighbor is one similarity search hit.
type Neighbor struct {
	Row      Row
	Distance float64
}

// FindSimilar returns the closest known encodings by cosine distance.
func (r *Repository) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]Neighbor, error) {
	query := `
		SELECT encoding_hash, category, person, source_file, backend, dim,
		       embedding <=> $1::vector AS distance
		FROM encodings
		WHERE category = $2
		ORDER BY distance
		LIMIT $3
	`

	vec := pgvector.NewVector(embedding)
	rows, err := r.pool.Query(ctx, query, vec, CategoryKnown, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar encodings: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		var person, sourceFile sql.NullString
		if err := rows.Scan(
			&n.Row.EncodingHash, &n.Row.Category, &person, &sourceFile,
			&n.Row.Backend, &n.Row.Dim, &n.Distance,
		); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		n.Row.Person = person.String
		n.Row.SourceFile = sourceFile.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return out, nil
}

// PersonCounts returns the number of mirrored encodings per known person.
func (r *Repository) PersonCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT person, COUNT(*) FROM encodings WHERE category = $1 GROUP BY person",
		CategoryKnown,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var person string
		var n int
		if err := rows.Scan(&person, &n); err != nil {
			return nil, fmt.Errorf("scan person count: %w", err)
		}
		out[person] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate person counts: %w", err)
	}
	return out, nil
}

// DeleteByHashes removes mirrored rows by encoding hash, returning how many
// were deleted.
func (r *Repository) DeleteByHashes(ctx context.Context, hashes []string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	res, err := r.pool.Exec(ctx, "DELETE FROM encodings WHERE encoding_hash = ANY($1)", pq.Array(hashes))
	if err != nil {
		return 0, fmt.Errorf("delete encodings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
