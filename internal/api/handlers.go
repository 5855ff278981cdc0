package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kindler/kindler/internal/deploy"
	"github.com/kindler/kindler/internal/pipeline"
	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

const defaultProjectsLimit = 20

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template"`
}

type chatRequest struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// projectSummary is the listing view of a job, without the heavyweight
// modification payloads.
type projectSummary struct {
	ID        string            `json:"id"`
	Prompt    string            `json:"prompt"`
	Template  string            `json:"template"`
	Status    storage.JobStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// handleGenerate creates the job, answers 202 with its id, and runs the
// generation pipeline in the background.
func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Prompt == "" || req.Template == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt and template are required")
			return
		}

		job, err := deps.Jobs.Create(r.Context(), req.Prompt, req.Template)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}

		ctx := detach(r)
		go func() {
			if err := deps.Pipeline.RunGeneration(ctx, job.ID); err != nil {
				// The pipeline has already recorded the failure on the job.
				deps.Logger.Error("generation failed", "job_id", job.ID, "error", err)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Jobs.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// handleGetJobFiles returns the job's file tree. When the working directory
// has been cleaned up after packaging, it is rehydrated from the stored
// artifact first.
func handleGetJobFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Jobs.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch job: %v", err)
			return
		}

		if !job.FilesReady {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "job files are not ready yet")
			return
		}

		if !deps.Workspaces.Exists(id) {
			if err := deps.Packager.Rehydrate(r.Context(), id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					httpError(w, http.StatusNotFound, "not_found_error", "generated files not found, regenerate the project")
					return
				}
				httpError(w, http.StatusInternalServerError, "api_error", "failed to restore files: %v", err)
				return
			}
		}

		files, err := deps.Workspaces.Tree(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read files: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	}
}

// handleDeploy answers 202 and launches packaging plus deployment in the
// background.
func handleDeploy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Deployer.Start(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
		case errors.Is(err, deploy.ErrNotReady):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, deploy.ErrInProgress):
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start deployment: %v", err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"message": "Deployment process initiated."})
		}
	}
}

// handleChat applies a conversational edit and answers with the applied
// modifications once done. Unlike generation, edits are synchronous.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.JobID == "" || req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "jobId and message are required")
			return
		}

		mods, err := deps.Pipeline.Edit(r.Context(), req.JobID, req.Message)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", req.JobID)
		case errors.Is(err, pipeline.ErrFilesNotReady):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, workspace.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "edit target does not exist")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to process edit: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"modifications": mods})
		}
	}
}

func handleListProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Jobs.List(r.Context(), defaultProjectsLimit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list projects: %v", err)
			return
		}
		projects := make([]projectSummary, len(list))
		for i, job := range list {
			projects[i] = projectSummary{
				ID:        job.ID,
				Prompt:    job.Prompt,
				Template:  job.Template,
				Status:    job.Status,
				CreatedAt: job.CreatedAt,
				UpdatedAt: job.UpdatedAt,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	}
}
