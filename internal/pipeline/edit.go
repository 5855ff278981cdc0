package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kindler/kindler/internal/genai"
	"github.com/kindler/kindler/internal/index"
	"github.com/kindler/kindler/internal/prompt"
	"github.com/kindler/kindler/internal/workspace"
)

// Edit applies a conversational instruction to a generated project. The
// model first picks the single target file from the project index, then
// produces a whole-file replacement for it. Partial or diff edits are not
// supported. The applied modifications are returned so callers can show
// the updated file.
func (p *Pipeline) Edit(ctx context.Context, jobID, instruction string) ([]workspace.Modification, error) {
	if _, err := p.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if !p.workspaces.Exists(jobID) {
		return nil, fmt.Errorf("%w: job %s", ErrFilesNotReady, jobID)
	}
	workDir := p.workspaces.Dir(jobID)

	tree, err := index.Load(workDir)
	if err != nil {
		return nil, fmt.Errorf("loading project index: %w", err)
	}

	path, err := p.identifyTarget(ctx, instruction, tree)
	if err != nil {
		return nil, err
	}
	p.logger.Info("edit target identified", "job_id", jobID, "path", path)

	content, err := p.workspaces.ReadFile(jobID, path)
	if err != nil {
		return nil, fmt.Errorf("reading edit target %s: %w", path, err)
	}

	// Retrieval is best-effort context; an empty or missing vector index
	// just means the model sees only the target file.
	var sections []string
	chunks, err := p.indexer.Retrieve(ctx, jobID, instruction, p.topK)
	if err != nil {
		p.logger.Warn("context retrieval failed", "job_id", jobID, "error", err)
	}
	for _, c := range chunks {
		if c.Path == path {
			continue
		}
		sections = append(sections, prompt.FileSection(c.Path, c.Content))
	}

	var resp modificationsResponse
	if err := p.generator.GenerateInto(ctx, prompt.EditFile(instruction, path, content, sections), &resp); err != nil {
		return nil, err
	}
	mods, err := replacementsOnly(resp.Modifications)
	if err != nil {
		return nil, err
	}

	if err := p.workspaces.Apply(jobID, mods); err != nil {
		return nil, err
	}

	if err := p.refreshDescription(ctx, workDir, tree, mods[0]); err != nil {
		p.logger.Warn("updating project index description failed", "job_id", jobID, "path", mods[0].Path, "error", err)
	}
	if err := p.indexer.IndexFiles(ctx, jobID, modifiedFiles(mods)); err != nil {
		p.logger.Warn("embedding index update failed", "job_id", jobID, "error", err)
	}

	return mods, nil
}

// identifyTarget asks the model which file the instruction refers to. The
// answer must name a file that is actually in the project index.
func (p *Pipeline) identifyTarget(ctx context.Context, instruction string, tree map[string]*index.Node) (string, error) {
	identifyPrompt, err := prompt.IdentifyFile(instruction, tree)
	if err != nil {
		return "", err
	}
	var target struct {
		FilePath string `json:"filePath"`
	}
	if err := p.generator.GenerateInto(ctx, identifyPrompt, &target); err != nil {
		return "", err
	}
	if target.FilePath == "" {
		return "", fmt.Errorf("%w: no target file identified", genai.ErrBadResponse)
	}
	if !slices.Contains(index.Paths(tree), target.FilePath) {
		return "", fmt.Errorf("%w: identified file %q is not in the project index", genai.ErrBadResponse, target.FilePath)
	}
	return target.FilePath, nil
}

// replacementsOnly validates that an edit response contains at least one
// modification and nothing but whole-file replacements.
func replacementsOnly(mods []workspace.Modification) ([]workspace.Modification, error) {
	if len(mods) == 0 {
		return nil, fmt.Errorf("%w: no modifications returned", genai.ErrBadResponse)
	}
	for _, m := range mods {
		if m.Action.Type != workspace.ActionReplaceContent {
			return nil, fmt.Errorf("%w: edits only support %s, got %q for %s",
				genai.ErrBadResponse, workspace.ActionReplaceContent, m.Action.Type, m.Path)
		}
	}
	return mods, nil
}

// refreshDescription asks for a new one-sentence description of the edited
// file and patches the index leaf in place.
func (p *Pipeline) refreshDescription(ctx context.Context, workDir string, tree map[string]*index.Node, mod workspace.Modification) error {
	var described struct {
		Description string `json:"description"`
	}
	if err := p.generator.GenerateInto(ctx, prompt.DescribeFile(mod.Path, mod.Body()), &described); err != nil {
		return err
	}
	if described.Description == "" {
		return fmt.Errorf("%w: empty description", genai.ErrBadResponse)
	}
	if err := index.SetDescription(tree, mod.Path, described.Description); err != nil {
		if errors.Is(err, index.ErrNodeNotFound) {
			p.logger.Warn("edited file missing from project index", "path", mod.Path)
			return nil
		}
		return err
	}
	return index.Save(workDir, tree)
}
