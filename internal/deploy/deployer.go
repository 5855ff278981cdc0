package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kindler/kindler/internal/artifact"
	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/storage"
)

// ErrNotReady is returned when a job's status does not allow deployment.
var ErrNotReady = errors.New("job is not ready for deployment")

// ErrInProgress is returned when a deployment for the job is already running.
var ErrInProgress = errors.New("deployment already in progress")

const (
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 60
)

// deployable lists the statuses a deploy request is accepted from.
// deployed is terminal, so re-deploying a live service requires a new job.
var deployable = map[storage.JobStatus]bool{
	storage.StatusGenerated: true,
	storage.StatusPackaged:  true,
	storage.StatusDeploying: true,
}

// Deployer orchestrates packaging, build submission, and URL polling.
type Deployer struct {
	jobs     *jobs.Manager
	packager *artifact.Packager
	platform Platform

	bucket   string
	project  string
	registry string
	region   string

	pollInterval time.Duration
	pollAttempts int
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewDeployer creates a Deployer. bucket is the blob location builds pull
// artifacts from; registry is the image registry prefix.
func NewDeployer(jm *jobs.Manager, packager *artifact.Packager, platform Platform, bucket, project, registry, region string, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		jobs:         jm,
		packager:     packager,
		platform:     platform,
		bucket:       bucket,
		project:      project,
		registry:     registry,
		region:       region,
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
		logger:       logger,
	}
}

// SetPollInterval overrides the URL polling cadence.
func (d *Deployer) SetPollInterval(interval time.Duration, attempts int) {
	d.pollInterval = interval
	d.pollAttempts = attempts
}

// ServiceName derives the deployed service's name from the job id.
func ServiceName(jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.ToLower("kindler-" + short)
}

// Start validates the job and launches the deployment in the background.
// Progress is observable only through the job record.
func (d *Deployer) Start(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !deployable[job.Status] {
		return fmt.Errorf("%w: job %s is %s", ErrNotReady, jobID, job.Status)
	}
	if !d.acquire(jobID) {
		return fmt.Errorf("%w: job %s", ErrInProgress, jobID)
	}

	go func() {
		defer d.release(jobID)
		// The triggering request has already been answered; the
		// background work gets its own lifetime.
		if err := d.run(context.Background(), jobID); err != nil {
			d.logger.Error("deployment failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// Run executes the deployment synchronously. Exposed for callers that want
// to wait, including tests; Start is the fire-and-forget path.
func (d *Deployer) Run(ctx context.Context, jobID string) error {
	if !d.acquire(jobID) {
		return fmt.Errorf("%w: job %s", ErrInProgress, jobID)
	}
	defer d.release(jobID)
	return d.run(ctx, jobID)
}

func (d *Deployer) run(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	// Package first when the job has only been generated.
	if job.Status == storage.StatusGenerated {
		if _, err := d.packager.PackageAndUpload(ctx, jobID); err != nil {
			return err
		}
		if job, err = d.jobs.Get(ctx, jobID); err != nil {
			return err
		}
	}
	if job.ArtifactRef == "" {
		return d.fail(ctx, jobID, errors.New("artifact reference is missing after packaging"))
	}

	if err := d.jobs.Transition(ctx, jobID, storage.StatusDeploying, "Submitting build...", storage.JobPatch{}); err != nil {
		return err
	}

	buildRef, err := d.platform.SubmitBuild(ctx, d.buildRequest(jobID))
	if err != nil {
		return d.fail(ctx, jobID, err)
	}
	d.logger.Info("build submitted", "job_id", jobID, "build_ref", buildRef)
	if err := d.jobs.Merge(ctx, jobID, storage.JobPatch{DeployBuildRef: &buildRef}); err != nil {
		return err
	}

	return d.awaitServiceURL(ctx, jobID)
}

// buildRequest assembles the build program: build the image, push it,
// deploy it privately, then open it to unauthenticated traffic.
func (d *Deployer) buildRequest(jobID string) BuildRequest {
	service := ServiceName(jobID)
	image := fmt.Sprintf("%s/%s/%s:%s", d.registry, d.project, service, jobID)

	var req BuildRequest
	req.Source.Bucket = d.bucket
	req.Source.Object = artifact.Key(jobID)
	req.Steps = []BuildStep{
		{Name: "gcr.io/cloud-builders/docker", Args: []string{"build", "-t", image, "."}},
		{Name: "gcr.io/cloud-builders/docker", Args: []string{"push", image}},
		{
			Name:       "gcr.io/google.com/cloudsdktool/cloud-sdk",
			Entrypoint: "gcloud",
			Args: []string{
				"run", "deploy", service,
				"--image", image,
				"--region", d.region,
				"--platform", "managed",
				"--no-allow-unauthenticated",
				"--quiet",
			},
		},
		{
			Name:       "gcr.io/google.com/cloudsdktool/cloud-sdk",
			Entrypoint: "gcloud",
			Args: []string{
				"run", "services", "add-iam-policy-binding", service,
				"--member=allUsers",
				"--role=roles/run.invoker",
				"--region", d.region,
				"--platform", "managed",
			},
		},
	}
	req.Images = []string{image}
	return req
}

// awaitServiceURL polls until the service reports a public URL or the
// attempts are exhausted.
func (d *Deployer) awaitServiceURL(ctx context.Context, jobID string) error {
	service := ServiceName(jobID)
	for attempt := 0; attempt < d.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return d.fail(ctx, jobID, ctx.Err())
		case <-time.After(d.pollInterval):
		}

		url, err := d.platform.ServiceURL(ctx, service)
		if err != nil {
			d.logger.Warn("service status check failed", "job_id", jobID, "error", err)
			continue
		}
		if url == "" {
			continue
		}

		d.logger.Info("service deployed", "job_id", jobID, "url", url)
		return d.jobs.Transition(ctx, jobID, storage.StatusDeployed, "Your app is live.", storage.JobPatch{
			DeployURL: &url,
		})
	}
	return d.fail(ctx, jobID, errors.New("timeout waiting for service URL"))
}

// fail records a deployment failure, translating known platform errors
// into actionable messages.
func (d *Deployer) fail(ctx context.Context, jobID string, cause error) error {
	message := TranslateFailure(cause)
	deployErr := message
	// The failure must be recorded even when the deployment's own context
	// is already canceled.
	ctx = context.WithoutCancel(ctx)
	if err := d.jobs.Transition(ctx, jobID, storage.StatusFailed, message, storage.JobPatch{
		DeployError: &deployErr,
	}); err != nil {
		d.logger.Error("recording deployment failure", "job_id", jobID, "error", err)
	}
	return cause
}

var (
	projectRefPattern    = regexp.MustCompile(`project=(\d+)`)
	serviceAcctPattern   = regexp.MustCompile(`(\S+@\S+gserviceaccount\.com)`)
	buildAPIDisabledHint = "has not been used"
)

// TranslateFailure maps known build platform errors to remediation
// instructions; anything unrecognized passes through as its own message.
func TranslateFailure(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, buildAPIDisabledHint) && strings.Contains(msg, "cloudbuild.googleapis.com"):
		project := "your-project"
		if m := projectRefPattern.FindStringSubmatch(msg); m != nil {
			project = m[1]
		}
		return fmt.Sprintf("The build API is not enabled. Enable it at https://console.developers.google.com/apis/api/cloudbuild.googleapis.com/overview?project=%s and retry.", project)
	case strings.Contains(msg, "storage.objects.get"):
		account := "the build service account"
		if m := serviceAcctPattern.FindStringSubmatch(msg); m != nil {
			account = m[1]
		}
		return fmt.Sprintf("%s does not have permission to read the artifact bucket. Grant it the \"Storage Object Viewer\" role and retry.", account)
	default:
		return msg
	}
}

func (d *Deployer) acquire(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[string]bool)
	}
	if d.active[jobID] {
		return false
	}
	d.active[jobID] = true
	return true
}

func (d *Deployer) release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}
