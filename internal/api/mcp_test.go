package api

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kindler/kindler/internal/storage"
)

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return text.Text
}

func TestMCPGenerateAndGetJob(t *testing.T) {
	_, deps := setupHandler(t, "")
	ctx := context.Background()

	res, err := mcpGenerateApp(deps)(ctx, callTool("generate_app", map[string]any{
		"prompt": "build a todo app",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	// The tool reports the job id; pull it back out.
	text := resultText(t, res)
	fields := strings.Fields(text)
	var jobID string
	for i, f := range fields {
		if f == "id" && i+1 < len(fields) {
			jobID = strings.TrimSuffix(fields[i+1], ".")
		}
	}
	if jobID == "" {
		t.Fatalf("no job id in %q", text)
	}

	waitForStatus(t, deps, jobID, storage.StatusGenerated)

	res, err = mcpGetJob(deps)(ctx, callTool("get_job", map[string]any{"job_id": jobID}))
	if err != nil {
		t.Fatal(err)
	}
	status := resultText(t, res)
	if !strings.Contains(status, `"status":"generated"`) {
		t.Errorf("get_job = %s", status)
	}
}

func TestMCPGenerateRequiresPrompt(t *testing.T) {
	_, deps := setupHandler(t, "")

	res, err := mcpGenerateApp(deps)(context.Background(), callTool("generate_app", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected IsError for missing prompt")
	}
}

func TestMCPGetJobUnknown(t *testing.T) {
	_, deps := setupHandler(t, "")

	res, err := mcpGetJob(deps)(context.Background(), callTool("get_job", map[string]any{"job_id": "ghost"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected IsError for unknown job")
	}
}

func TestMCPDeployNotReady(t *testing.T) {
	_, deps := setupHandler(t, "")
	job, err := deps.Jobs.Create(context.Background(), "build", "base-react-vite")
	if err != nil {
		t.Fatal(err)
	}

	res, err := mcpDeployApp(deps)(context.Background(), callTool("deploy_app", map[string]any{"job_id": job.ID}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected IsError for pending job")
	}
}
