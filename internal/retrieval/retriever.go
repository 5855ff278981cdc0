// Package retrieval maintains per-job embedding indexes over generated files
// and answers nearest-neighbor queries for edit-time context selection.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

// DefaultTopK is the retrieval depth used when the caller passes topK <= 0.
const DefaultTopK = 5

// Embedder generates embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// FileSource reads current file contents from a job's working directory.
type FileSource interface {
	ReadFile(jobID, path string) (string, error)
}

// Chunk is one retrieved file with its similarity score.
type Chunk struct {
	Path    string
	Content string
	Score   float32
}

// Retriever combines the embedding capability, the persisted vector index,
// and the working directory into semantic file selection.
type Retriever struct {
	embedder Embedder
	vectors  *VectorStore
	files    FileSource
	logger   *slog.Logger
}

// NewRetriever creates a Retriever over the given collaborators.
func NewRetriever(embedder Embedder, vectors *VectorStore, files FileSource) *Retriever {
	return &Retriever{embedder: embedder, vectors: vectors, files: files, logger: slog.Default()}
}

// IndexFiles embeds the given files in a single batch call and merges the
// vectors into the job's index, overwriting entries for paths that reappear.
// Files with blank content are dropped first; an empty filtered set is a no-op.
func (r *Retriever) IndexFiles(ctx context.Context, jobID string, files []workspace.File) error {
	var kept []workspace.File
	for _, f := range files {
		if strings.TrimSpace(f.Content) != "" {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	texts := make([]string, len(kept))
	for i, f := range kept {
		texts[i] = f.Content
	}
	embeddings, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d files: %w", len(kept), err)
	}

	vectors := make([]storage.FileVector, len(kept))
	for i, f := range kept {
		vectors[i] = storage.FileVector{Path: f.Path, Embedding: embeddings[i]}
	}
	return r.vectors.Upsert(ctx, jobID, vectors)
}

// Retrieve embeds the query and returns the topK most similar files with
// their current working-directory contents, highest similarity first. Ties
// keep index insertion order. A job without an index yields an empty result
// rather than an error.
func (r *Retriever) Retrieve(ctx context.Context, jobID, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	indexed, err := r.vectors.Vectors(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(indexed) == 0 {
		return nil, nil
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := embeddings[0]

	scored := make([]Chunk, len(indexed))
	for i, v := range indexed {
		scored[i] = Chunk{Path: v.Path, Score: CosineSimilarity(queryVec, v.Embedding)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	// The index is never pruned on file deletion, so a selected path may no
	// longer exist; stale entries are skipped instead of failing retrieval.
	chunks := scored[:0]
	for _, c := range scored {
		content, err := r.files.ReadFile(jobID, c.Path)
		if err != nil {
			r.logger.Warn("skipping unreadable indexed file", "job_id", jobID, "path", c.Path, "error", err)
			continue
		}
		c.Content = content
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// CosineSimilarity computes dot(a,b) / (‖a‖·‖b‖), returning 0 when either
// vector has zero norm or the lengths differ.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
