package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

// Packager turns finished working directories into stored artifacts and
// back again.
type Packager struct {
	jobs       *jobs.Manager
	workspaces *workspace.Manager
	blobs      BlobStore
	scratchDir string
	logger     *slog.Logger
}

// NewPackager creates a Packager. scratchDir holds archives in flight;
// they are removed once uploaded.
func NewPackager(jm *jobs.Manager, wm *workspace.Manager, blobs BlobStore, scratchDir string, logger *slog.Logger) *Packager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{jobs: jm, workspaces: wm, blobs: blobs, scratchDir: scratchDir, logger: logger}
}

// Key returns the blob object name for a job's artifact.
func Key(jobID string) string {
	return jobID + ".tar.gz"
}

// PackageAndUpload archives a job's working directory, uploads it, and
// records the artifact reference with status packaged. A missing working
// directory fails fast without touching the job status so the caller can
// regenerate and retry. After a successful upload the working directory
// and the local archive are deleted; the artifact is the source of truth
// from then on. Any other failure marks the job failed and removes the
// working directory.
func (p *Packager) PackageAndUpload(ctx context.Context, jobID string) (string, error) {
	if _, err := p.jobs.Get(ctx, jobID); err != nil {
		return "", err
	}
	if !p.workspaces.Exists(jobID) {
		return "", fmt.Errorf("%w: no generated files for job %s, regenerate the project", workspace.ErrNotFound, jobID)
	}

	if err := p.jobs.Transition(ctx, jobID, storage.StatusPackaging, "Packaging artifact...", storage.JobPatch{}); err != nil {
		return "", err
	}

	ref, err := p.packageAndUpload(ctx, jobID)
	if err != nil {
		if failErr := p.jobs.Fail(ctx, jobID, err); failErr != nil {
			p.logger.Error("recording packaging failure", "job_id", jobID, "error", failErr)
		}
		if rmErr := p.workspaces.Remove(jobID); rmErr != nil {
			p.logger.Warn("cleaning working directory after packaging failure", "job_id", jobID, "error", rmErr)
		}
		return "", err
	}

	if err := p.jobs.Transition(ctx, jobID, storage.StatusPackaged, "Artifact ready for deployment.", storage.JobPatch{
		ArtifactRef: &ref,
	}); err != nil {
		return "", err
	}

	if err := p.workspaces.Remove(jobID); err != nil {
		p.logger.Warn("cleaning working directory after upload", "job_id", jobID, "error", err)
	}
	return ref, nil
}

func (p *Packager) packageAndUpload(ctx context.Context, jobID string) (string, error) {
	if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	archive, err := os.CreateTemp(p.scratchDir, jobID+"-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	archivePath := archive.Name()
	defer os.Remove(archivePath)

	if err := Pack(p.workspaces.Dir(jobID), archive); err != nil {
		archive.Close()
		return "", err
	}
	if err := archive.Close(); err != nil {
		return "", err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := p.blobs.Put(Key(jobID), f)
	if err != nil {
		return "", fmt.Errorf("uploading artifact: %w", err)
	}
	p.logger.Info("artifact uploaded", "job_id", jobID, "ref", ref)
	return ref, nil
}

// Rehydrate restores a job's working directory from its stored artifact.
// It is a no-op when the working directory already exists.
func (p *Packager) Rehydrate(ctx context.Context, jobID string) error {
	if p.workspaces.Exists(jobID) {
		return nil
	}
	if !p.blobs.Exists(Key(jobID)) {
		return fmt.Errorf("%w: no artifact for job %s", storage.ErrNotFound, jobID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := p.blobs.Open(Key(jobID))
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer r.Close()

	if err := Unpack(r, p.workspaces.Dir(jobID)); err != nil {
		// A partial unpack is worse than none; remove it so the next
		// attempt starts clean.
		if rmErr := p.workspaces.Remove(jobID); rmErr != nil {
			p.logger.Warn("removing partial rehydration", "job_id", jobID, "error", rmErr)
		}
		return err
	}
	p.logger.Info("working directory rehydrated from artifact", "job_id", jobID)
	return nil
}
