package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kindler/kindler/internal/storage"
)

// NewMCPServer registers the kindler tools so MCP clients can drive the
// prompt-to-app pipeline directly.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"kindler",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("kindler generates deployable web applications from natural language prompts. Start with generate_app, watch progress with get_job, refine with edit_app, ship with deploy_app."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_app",
			mcp.WithDescription("Generate a web application from a prompt. Returns the job id; generation continues in the background."),
			mcp.WithString("prompt", mcp.Description("What the application should do"), mcp.Required()),
			mcp.WithString("template", mcp.Description("Starter template name (default base-react-vite)")),
		),
		mcpGenerateApp(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch the current state of a generation job, including status, details, and deployment URL once live."),
			mcp.WithString("job_id", mcp.Description("Job id returned by generate_app"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("edit_app",
			mcp.WithDescription("Apply a conversational edit to a generated application. The change targets one file, chosen from the project index."),
			mcp.WithString("job_id", mcp.Description("Job id of the generated application"), mcp.Required()),
			mcp.WithString("instruction", mcp.Description("What to change"), mcp.Required()),
		),
		mcpEditApp(deps),
	)

	s.AddTool(
		mcp.NewTool("deploy_app",
			mcp.WithDescription("Package and deploy a generated application. Deployment runs in the background; poll get_job for the URL."),
			mcp.WithString("job_id", mcp.Description("Job id of the generated application"), mcp.Required()),
		),
		mcpDeployApp(deps),
	)

	return s
}

func mcpGenerateApp(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userPrompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		template := req.GetString("template", "base-react-vite")

		job, err := deps.Jobs.Create(ctx, userPrompt, template)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create job: %v", err)), nil
		}

		bg := context.WithoutCancel(ctx)
		go func() {
			if err := deps.Pipeline.RunGeneration(bg, job.ID); err != nil {
				deps.Logger.Error("generation failed", "job_id", job.ID, "error", err)
			}
		}()

		return mcpText(fmt.Sprintf("Generation started, job id %s. Poll get_job for progress.", job.ID)), nil
	}
}

func mcpGetJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to fetch job: %v", err)), nil
		}

		// Trim the modification payloads; clients only need progress.
		view := struct {
			ID         string             `json:"id"`
			Status     storage.JobStatus  `json:"status"`
			Details    string             `json:"details,omitempty"`
			FilesReady bool               `json:"filesReady"`
			Artifact   string             `json:"artifactRef,omitempty"`
			Deployment storage.Deployment `json:"deployment"`
		}{job.ID, job.Status, job.Details, job.FilesReady, job.ArtifactRef, job.Deployment}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpEditApp(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		instruction, err := req.RequireString("instruction")
		if err != nil {
			return mcpError("instruction is required"), nil
		}

		mods, err := deps.Pipeline.Edit(ctx, id, instruction)
		if err != nil {
			return mcpError(fmt.Sprintf("edit failed: %v", err)), nil
		}

		paths := make([]string, len(mods))
		for i, m := range mods {
			paths[i] = m.Path
		}
		b, err := json.Marshal(map[string]any{"modifiedFiles": paths})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeployApp(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		if err := deps.Deployer.Start(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("deployment not started: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deployment started for job %s. Poll get_job for the service URL.", id)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
