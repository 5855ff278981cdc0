package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kindler/kindler/internal/workspace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(id string) Job {
	now := time.Now().UTC().Truncate(time.Second)
	return Job{
		ID:        id,
		Prompt:    "landing page",
		Template:  "base-react-vite",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("j1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Prompt != "landing page" {
		t.Errorf("Prompt = %q", got.Prompt)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.FilesReady {
		t.Error("FilesReady = true, want false")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMergeJobPartialUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, newTestJob("j1")); err != nil {
		t.Fatal(err)
	}

	status := StatusGenerated
	details := "Your app is ready"
	ready := true
	mods := []workspace.Modification{workspace.Create("src/App.jsx", "app")}
	err := s.MergeJob(ctx, "j1", JobPatch{
		Status:        &status,
		Details:       &details,
		FilesReady:    &ready,
		Modifications: &mods,
	})
	if err != nil {
		t.Fatalf("MergeJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusGenerated {
		t.Errorf("Status = %q", got.Status)
	}
	if got.Details != details {
		t.Errorf("Details = %q", got.Details)
	}
	if !got.FilesReady {
		t.Error("FilesReady = false")
	}
	if len(got.Modifications) != 1 || got.Modifications[0].Path != "src/App.jsx" {
		t.Errorf("Modifications = %+v", got.Modifications)
	}
	// Untouched fields survive the merge.
	if got.Prompt != "landing page" {
		t.Errorf("Prompt clobbered: %q", got.Prompt)
	}
	if got.ArtifactRef != "" {
		t.Errorf("ArtifactRef = %q, want empty", got.ArtifactRef)
	}
}

func TestMergeJobDeploymentFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, newTestJob("j1")); err != nil {
		t.Fatal(err)
	}

	buildRef := "operations/build-42"
	url := "https://app-j1.example.run"
	if err := s.MergeJob(ctx, "j1", JobPatch{DeployBuildRef: &buildRef}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeJob(ctx, "j1", JobPatch{DeployURL: &url}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Deployment.BuildRef != buildRef {
		t.Errorf("BuildRef = %q", got.Deployment.BuildRef)
	}
	if got.Deployment.URL != url {
		t.Errorf("URL = %q", got.Deployment.URL)
	}
}

func TestMergeJobNotFound(t *testing.T) {
	s := openTestStore(t)
	status := StatusFailed
	err := s.MergeJob(context.Background(), "ghost", JobPatch{Status: &status})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "mid", "new"} {
		j := newTestJob(id)
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		j.UpdatedAt = j.CreatedAt
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListJobs(ctx, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != "new" || jobs[1].ID != "mid" {
		t.Errorf("order = %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestAppliedMigrationsRecorded(t *testing.T) {
	s := openTestStore(t)
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("no migrations recorded")
	}
}
