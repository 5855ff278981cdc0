package deploy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kindler/kindler/internal/artifact"
	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

// fakePlatform serves a URL after a configurable number of status checks.
type fakePlatform struct {
	mu           sync.Mutex
	submitErr    error
	buildRef     string
	submitted    []BuildRequest
	urlAfter     int
	url          string
	statusChecks int
}

func (f *fakePlatform) SubmitBuild(_ context.Context, req BuildRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return f.buildRef, nil
}

func (f *fakePlatform) ServiceURL(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChecks++
	if f.statusChecks > f.urlAfter {
		return f.url, nil
	}
	return "", nil
}

type deployFixture struct {
	deployer   *Deployer
	jobs       *jobs.Manager
	workspaces *workspace.Manager
	platform   *fakePlatform
}

func newDeployFixture(t *testing.T, platform *fakePlatform) *deployFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	jm := jobs.NewManager(store)
	wm := workspace.NewManager(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	packager := artifact.NewPackager(jm, wm, artifact.LocalFS{Root: t.TempDir()}, t.TempDir(), logger)

	d := NewDeployer(jm, packager, platform, "kindler-artifacts", "test-project", "gcr.io", "us-central1", logger)
	d.SetPollInterval(time.Millisecond, 60)
	return &deployFixture{deployer: d, jobs: jm, workspaces: wm, platform: platform}
}

func (f *deployFixture) generatedJob(t *testing.T) storage.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.jobs.Create(ctx, "build a todo app", "base-react-vite")
	if err != nil {
		t.Fatal(err)
	}
	workDir := f.workspaces.Dir(job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "Dockerfile"), []byte("FROM nginx"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, status := range []storage.JobStatus{storage.StatusProcessing, storage.StatusGenerated} {
		if err := f.jobs.Transition(ctx, job.ID, status, "", storage.JobPatch{}); err != nil {
			t.Fatal(err)
		}
	}
	return job
}

func TestRunPackagesThenDeploys(t *testing.T) {
	platform := &fakePlatform{buildRef: "operations/build-1", url: "https://kindler-abc.run.app", urlAfter: 2}
	f := newDeployFixture(t, platform)
	ctx := context.Background()
	job := f.generatedJob(t)

	if err := f.deployer.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := f.jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusDeployed {
		t.Errorf("status = %s, want deployed (details: %s)", got.Status, got.Details)
	}
	if got.ArtifactRef == "" {
		t.Error("packaging did not record an artifact ref")
	}
	if got.Deployment.BuildRef != "operations/build-1" {
		t.Errorf("buildRef = %q", got.Deployment.BuildRef)
	}
	if got.Deployment.URL != "https://kindler-abc.run.app" {
		t.Errorf("url = %q", got.Deployment.URL)
	}

	if len(platform.submitted) != 1 {
		t.Fatalf("submitted %d builds, want 1", len(platform.submitted))
	}
	req := platform.submitted[0]
	if req.Source.Object != artifact.Key(job.ID) {
		t.Errorf("build source = %q", req.Source.Object)
	}
	if len(req.Steps) != 4 {
		t.Fatalf("build has %d steps, want 4", len(req.Steps))
	}
	last := req.Steps[3]
	if last.Args[1] != "services" || last.Args[2] != "add-iam-policy-binding" {
		t.Errorf("final step does not open the service: %v", last.Args)
	}
}

func TestRunSubmitFailure(t *testing.T) {
	platform := &fakePlatform{submitErr: errors.New("build backend exploded")}
	f := newDeployFixture(t, platform)
	ctx := context.Background()
	job := f.generatedJob(t)

	if err := f.deployer.Run(ctx, job.ID); err == nil {
		t.Fatal("expected error")
	}

	got, _ := f.jobs.Get(ctx, job.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Deployment.Error != "build backend exploded" {
		t.Errorf("deployment.error = %q", got.Deployment.Error)
	}
}

func TestRunPollTimeout(t *testing.T) {
	platform := &fakePlatform{buildRef: "operations/build-1", urlAfter: 1000}
	f := newDeployFixture(t, platform)
	f.deployer.SetPollInterval(time.Microsecond, 60)
	ctx := context.Background()
	job := f.generatedJob(t)

	if err := f.deployer.Run(ctx, job.ID); err == nil {
		t.Fatal("expected timeout error")
	}

	got, _ := f.jobs.Get(ctx, job.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Deployment.Error, "Timeout") && !strings.Contains(got.Deployment.Error, "timeout") {
		t.Errorf("deployment.error = %q", got.Deployment.Error)
	}
	if platform.statusChecks != 60 {
		t.Errorf("polled %d times, want exactly 60", platform.statusChecks)
	}
}

func TestStartRejectsPendingJob(t *testing.T) {
	f := newDeployFixture(t, &fakePlatform{})
	ctx := context.Background()
	job, err := f.jobs.Create(ctx, "build", "base-react-vite")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.deployer.Start(ctx, job.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestRunRejectsConcurrentDeploy(t *testing.T) {
	f := newDeployFixture(t, &fakePlatform{})
	job := f.generatedJob(t)

	if !f.deployer.acquire(job.ID) {
		t.Fatal("first acquire failed")
	}
	defer f.deployer.release(job.ID)

	if err := f.deployer.Run(context.Background(), job.ID); !errors.Is(err, ErrInProgress) {
		t.Errorf("err = %v, want ErrInProgress", err)
	}
}

func TestServiceName(t *testing.T) {
	got := ServiceName("A1B2C3D4-9999-0000")
	if got != "kindler-a1b2c3d4" {
		t.Errorf("ServiceName = %q", got)
	}
	if ServiceName("ab") != "kindler-ab" {
		t.Errorf("short id mangled: %q", ServiceName("ab"))
	}
}

func TestTranslateFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "build api disabled",
			err:  errors.New("Cloud Build API has not been used in project cloudbuild.googleapis.com project=123456 before"),
			want: "project=123456",
		},
		{
			name: "bucket permission",
			err:  errors.New("denied: 123-compute@developer.gserviceaccount.com lacks storage.objects.get on bucket"),
			want: "Storage Object Viewer",
		},
		{
			name: "passthrough",
			err:  errors.New("some other failure"),
			want: "some other failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateFailure(tt.err)
			if !strings.Contains(got, tt.want) {
				t.Errorf("TranslateFailure = %q, want it to mention %q", got, tt.want)
			}
		})
	}
}

func TestHTTPPlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/test-project/builds":
			w.Write([]byte(`{"name": "operations/build-42"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/projects/test-project/locations/us-central1/services/"):
			w.Write([]byte(`{"status": {"address": {"url": "https://svc.run.app"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPPlatform(srv.URL, "test-project", "us-central1")
	ctx := context.Background()

	var req BuildRequest
	ref, err := p.SubmitBuild(ctx, req)
	if err != nil {
		t.Fatalf("SubmitBuild: %v", err)
	}
	if ref != "operations/build-42" {
		t.Errorf("ref = %q", ref)
	}

	url, err := p.ServiceURL(ctx, "kindler-abc")
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if url != "https://svc.run.app" {
		t.Errorf("url = %q", url)
	}
}

func TestHTTPPlatformServiceNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPPlatform(srv.URL, "p", "r")
	url, err := p.ServiceURL(context.Background(), "svc")
	if err != nil {
		t.Fatalf("ServiceURL: %v", err)
	}
	if url != "" {
		t.Errorf("url = %q, want empty while not ready", url)
	}
}

func TestHTTPPlatformSubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "permission denied: storage.objects.get", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewHTTPPlatform(srv.URL, "p", "r")
	_, err := p.SubmitBuild(context.Background(), BuildRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "storage.objects.get") {
		t.Errorf("error does not carry response body: %v", err)
	}
}
