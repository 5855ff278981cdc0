// Package jobs owns the durable job record and its state transitions. Every
// other component reads and writes job state through the Manager, which is
// the only cross-boundary communication channel between pipeline stages.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindler/kindler/internal/storage"
)

// ErrInvalidTransition is returned when a status write does not follow the
// job state machine. Callers hitting this have a bug, not a runtime fault.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store abstracts the document-store operations the Manager needs.
type Store interface {
	CreateJob(ctx context.Context, job storage.Job) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
	MergeJob(ctx context.Context, id string, patch storage.JobPatch) error
	ListJobs(ctx context.Context, limit int) ([]storage.Job, error)
}

// validSuccessors encodes the job state machine:
//
//	pending → processing → {generated | failed}
//	generated → packaging → {packaged | failed}
//	packaged → deploying → {deployed | failed}
//
// failed and deployed are terminal. A same-status write is always allowed so
// stages can refresh the details message while running.
var validSuccessors = map[storage.JobStatus][]storage.JobStatus{
	storage.StatusPending:    {storage.StatusProcessing, storage.StatusFailed},
	storage.StatusProcessing: {storage.StatusGenerated, storage.StatusFailed},
	storage.StatusGenerated:  {storage.StatusPackaging, storage.StatusFailed},
	storage.StatusPackaging:  {storage.StatusPackaged, storage.StatusFailed},
	storage.StatusPackaged:   {storage.StatusDeploying, storage.StatusFailed},
	storage.StatusDeploying:  {storage.StatusDeployed, storage.StatusFailed},
	storage.StatusDeployed:   {},
	storage.StatusFailed:     {},
}

// ValidTransition reports whether to is an allowed successor of from.
func ValidTransition(from, to storage.JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager is the job lifecycle manager.
type Manager struct {
	store Store
}

// NewManager creates a Manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create allocates a job id, writes the initial pending record, and returns
// the id without waiting on any pipeline work.
func (m *Manager) Create(ctx context.Context, prompt, template string) (storage.Job, error) {
	now := time.Now().UTC()
	job := storage.Job{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Template:  template,
		Status:    storage.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return storage.Job{}, fmt.Errorf("creating job: %w", err)
	}
	return job, nil
}

// Get returns the job record, or storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (storage.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns the most recent jobs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]storage.Job, error) {
	return m.store.ListJobs(ctx, limit)
}

// Transition moves the job to status with a human-readable details message,
// merging any extra fields from patch in the same write. The transition is
// checked against the state machine; an out-of-order write returns
// ErrInvalidTransition without touching the record.
func (m *Manager) Transition(ctx context.Context, id string, status storage.JobStatus, details string, patch storage.JobPatch) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !ValidTransition(job.Status, status) {
		return fmt.Errorf("%s → %s for job %s: %w", job.Status, status, id, ErrInvalidTransition)
	}
	patch.Status = &status
	patch.Details = &details
	return m.store.MergeJob(ctx, id, patch)
}

// Fail marks the job failed with the error's message as details.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	return m.Transition(ctx, id, storage.StatusFailed, cause.Error(), storage.JobPatch{})
}

// Merge applies a partial update without a status change.
func (m *Manager) Merge(ctx context.Context, id string, patch storage.JobPatch) error {
	return m.store.MergeJob(ctx, id, patch)
}
