package storage

import (
	"errors"
	"time"

	"github.com/kindler/kindler/internal/workspace"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusGenerated  JobStatus = "generated"
	StatusPackaging  JobStatus = "packaging"
	StatusPackaged   JobStatus = "packaged"
	StatusDeploying  JobStatus = "deploying"
	StatusDeployed   JobStatus = "deployed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further pipeline stage may run for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Deployment is the deploy sub-record of a job.
type Deployment struct {
	BuildRef string `json:"buildRef,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Job is the durable record of one generation job. It is the single source
// of truth for the job's progress across processes and background tasks.
type Job struct {
	ID            string                   `json:"id"`
	Prompt        string                   `json:"prompt"`
	Template      string                   `json:"template"`
	Status        JobStatus                `json:"status"`
	Details       string                   `json:"details,omitempty"`
	ArtifactRef   string                   `json:"artifactRef,omitempty"`
	Modifications []workspace.Modification `json:"modifications,omitempty"`
	FilesReady    bool                     `json:"filesReady"`
	Deployment    Deployment               `json:"deployment"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// JobPatch is a partial merge-update of a job record. Nil fields are left
// untouched; UpdatedAt is always bumped by the store.
type JobPatch struct {
	Status         *JobStatus
	Details        *string
	ArtifactRef    *string
	Modifications  *[]workspace.Modification
	FilesReady     *bool
	DeployBuildRef *string
	DeployURL      *string
	DeployError    *string
}

// FileVector is one entry of a job's vector index.
type FileVector struct {
	Path      string
	Embedding []float32
}
