// Package api exposes the job pipeline over HTTP and MCP. Generation and
// deployment handlers answer immediately with 202; progress is observed by
// re-reading the job record.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kindler/kindler/internal/artifact"
	"github.com/kindler/kindler/internal/deploy"
	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/pipeline"
	"github.com/kindler/kindler/internal/workspace"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the collaborators the HTTP layer dispatches into.
type Deps struct {
	Jobs       *jobs.Manager
	Pipeline   *pipeline.Pipeline
	Packager   *artifact.Packager
	Deployer   *deploy.Deployer
	Workspaces *workspace.Manager
	Token      string // empty disables authentication
	Logger     *slog.Logger
}

// NewHandler builds the full HTTP surface.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/generate", handleGenerate(deps))
		r.Get("/job/{id}", handleGetJob(deps))
		r.Get("/job/{id}/files", handleGetJobFiles(deps))
		r.Post("/job/{id}/deploy", handleDeploy(deps))
		r.Post("/chat", handleChat(deps))
		r.Get("/projects", handleListProjects(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// detach returns a context for background work that outlives the request
// but keeps its values.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
