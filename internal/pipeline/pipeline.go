// Package pipeline drives a job from prompt to generated working directory,
// and applies follow-up single-file edits. It owns the orchestration only;
// model calls, file mutation, and persistence live behind its collaborators.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/kindler/kindler/internal/genai"
	"github.com/kindler/kindler/internal/index"
	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/prompt"
	"github.com/kindler/kindler/internal/retrieval"
	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

// ErrFilesNotReady is returned for edit requests against a job whose
// generated files do not exist yet, or were cleaned up after a failure.
var ErrFilesNotReady = errors.New("generated files not available")

// Generator is the slice of the generation client the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, structured bool) (string, error)
	GenerateInto(ctx context.Context, prompt string, out any) error
}

// Indexer maintains the per-job vector index and answers similarity queries.
type Indexer interface {
	IndexFiles(ctx context.Context, jobID string, files []workspace.File) error
	Retrieve(ctx context.Context, jobID, query string, topK int) ([]retrieval.Chunk, error)
}

// Pipeline runs generation and edit flows for jobs.
type Pipeline struct {
	jobs        *jobs.Manager
	workspaces  *workspace.Manager
	generator   Generator
	indexer     Indexer
	templateDir string
	topK        int
	logger      *slog.Logger

	// group collapses concurrent generation requests for the same job into
	// one execution; duplicates share the outcome instead of racing over
	// the working directory.
	group singleflight.Group
}

// New creates a Pipeline over the given collaborators.
func New(jm *jobs.Manager, wm *workspace.Manager, gen Generator, idx Indexer, templateDir string, topK int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	return &Pipeline{
		jobs:        jm,
		workspaces:  wm,
		generator:   gen,
		indexer:     idx,
		templateDir: templateDir,
		topK:        topK,
		logger:      logger,
	}
}

// modificationsResponse is the structured generation output for both the
// initial build and follow-up edits.
type modificationsResponse struct {
	Modifications []workspace.Modification `json:"modifications"`
}

// RunGeneration executes the full generation flow for a job: materialize
// the template, prompt the model, apply its modifications, rebuild the
// project index, and refresh embeddings. Any terminal error marks the job
// failed and deletes its working directory; the recorded job row is the
// only channel callers observe progress through.
func (p *Pipeline) RunGeneration(ctx context.Context, jobID string) error {
	_, err, _ := p.group.Do(jobID, func() (any, error) {
		return nil, p.runGeneration(ctx, jobID)
	})
	return err
}

func (p *Pipeline) runGeneration(ctx context.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if err := p.jobs.Transition(ctx, jobID, storage.StatusProcessing, "Preparing project template...", storage.JobPatch{}); err != nil {
		return err
	}

	reused, err := p.workspaces.Materialize(jobID, p.templateDir)
	if err != nil {
		return p.failGeneration(ctx, jobID, fmt.Errorf("preparing working directory: %w", err))
	}
	if reused {
		p.logger.Info("reusing existing working directory", "job_id", jobID)
	}

	files, err := p.workspaces.Files(jobID)
	if err != nil {
		return p.failGeneration(ctx, jobID, err)
	}

	if err := p.jobs.Transition(ctx, jobID, storage.StatusProcessing, "Generating application...", storage.JobPatch{}); err != nil {
		return err
	}

	var resp modificationsResponse
	if err := p.generator.GenerateInto(ctx, prompt.Generation(job.Prompt, files), &resp); err != nil {
		return p.failGeneration(ctx, jobID, err)
	}
	if len(resp.Modifications) == 0 {
		return p.failGeneration(ctx, jobID, fmt.Errorf("%w: no modifications returned", genai.ErrBadResponse))
	}

	if err := p.jobs.Transition(ctx, jobID, storage.StatusProcessing,
		fmt.Sprintf("Applying %d modifications...", len(resp.Modifications)), storage.JobPatch{}); err != nil {
		return err
	}
	if err := p.workspaces.Apply(jobID, resp.Modifications); err != nil {
		return p.failGeneration(ctx, jobID, err)
	}

	// The project index enables later edits, and embeddings enable
	// retrieval. Neither invalidates the generated code, so failures here
	// are logged and the job still completes.
	if err := p.rebuildProjectIndex(ctx, jobID); err != nil {
		p.logger.Warn("project index generation failed, edits may be less accurate", "job_id", jobID, "error", err)
	}
	if err := p.indexer.IndexFiles(ctx, jobID, modifiedFiles(resp.Modifications)); err != nil {
		p.logger.Warn("embedding index update failed", "job_id", jobID, "error", err)
	}

	filesReady := true
	return p.jobs.Transition(ctx, jobID, storage.StatusGenerated, "Your app is ready.", storage.JobPatch{
		Modifications: &resp.Modifications,
		FilesReady:    &filesReady,
	})
}

// failGeneration records the terminal failure and removes the working
// directory so a later retry starts from a clean template copy.
func (p *Pipeline) failGeneration(ctx context.Context, jobID string, cause error) error {
	if err := p.jobs.Fail(ctx, jobID, cause); err != nil {
		p.logger.Error("recording job failure", "job_id", jobID, "error", err)
	}
	if err := p.workspaces.Remove(jobID); err != nil {
		p.logger.Warn("cleaning failed working directory", "job_id", jobID, "error", err)
	}
	return cause
}

// rebuildProjectIndex walks the working directory, asks the model to
// describe every node, and persists the described tree. When the describe
// call fails the bare tree is persisted instead so edits can still resolve
// paths.
func (p *Pipeline) rebuildProjectIndex(ctx context.Context, jobID string) error {
	workDir := p.workspaces.Dir(jobID)
	tree, err := index.Build(workDir)
	if err != nil {
		return err
	}

	described, err := p.describeTree(ctx, tree)
	if err != nil {
		p.logger.Warn("describing project tree failed, saving undescribed index", "job_id", jobID, "error", err)
		described = tree
	}
	return index.Save(workDir, described)
}

func (p *Pipeline) describeTree(ctx context.Context, tree map[string]*index.Node) (map[string]*index.Node, error) {
	treePrompt, err := prompt.DescribeTree(tree)
	if err != nil {
		return nil, err
	}
	var described map[string]*index.Node
	if err := p.generator.GenerateInto(ctx, treePrompt, &described); err != nil {
		return nil, err
	}
	if len(described) == 0 {
		return nil, fmt.Errorf("%w: empty described tree", genai.ErrBadResponse)
	}
	return described, nil
}

// modifiedFiles projects a modification batch onto the file set handed to
// the embedding index.
func modifiedFiles(mods []workspace.Modification) []workspace.File {
	files := make([]workspace.File, len(mods))
	for i, m := range mods {
		files[i] = workspace.File{Path: m.Path, Content: m.Body()}
	}
	return files
}
