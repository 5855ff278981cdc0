package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kindler/kindler/internal/storage"
)

// VectorStore persists each job's file-path → embedding mapping in SQLite.
// Entries are overwritten when a path reappears with new content; they are
// never pruned when a file is deleted, so readers must tolerate stale paths.
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore wraps an existing *sql.DB for vector operations. The
// file_vectors table must already exist (created via migrations).
func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

// Upsert merges vectors into the job's index, overwriting existing paths.
// Re-upserting a path keeps its original insertion position.
func (s *VectorStore) Upsert(ctx context.Context, jobID string, vectors []storage.FileVector) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO file_vectors (job_id, path, embedding, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, path) DO UPDATE SET
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, v := range vectors {
		if _, err := stmt.Exec(jobID, v.Path, encodeFloat32s(v.Embedding), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting vector for %s: %w", v.Path, err)
		}
	}
	return tx.Commit()
}

// Vectors returns the job's full index in insertion order. An absent index
// yields an empty slice, not an error.
func (s *VectorStore) Vectors(ctx context.Context, jobID string) ([]storage.FileVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, embedding FROM file_vectors WHERE job_id = ? ORDER BY rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var vectors []storage.FileVector
	for rows.Next() {
		var v storage.FileVector
		var blob []byte
		if err := rows.Scan(&v.Path, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if v.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", v.Path, err)
		}
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// Count returns the number of index entries for the job.
func (s *VectorStore) Count(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_vectors WHERE job_id = ?`, jobID).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a float32 slice.
// A length that is not a multiple of 4 indicates data corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
