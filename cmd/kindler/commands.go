package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// jobView mirrors the job record the server returns, trimmed to the fields
// the CLI renders.
type jobView struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	Template    string `json:"template"`
	Status      string `json:"status"`
	Details     string `json:"details"`
	ArtifactRef string `json:"artifactRef"`
	FilesReady  bool   `json:"filesReady"`
	Deployment  struct {
		BuildRef string `json:"buildRef"`
		URL      string `json:"url"`
		Error    string `json:"error"`
	} `json:"deployment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func terminalStatus(status string) bool {
	return status == "generated" || status == "deployed" || status == "failed"
}

// pollJob watches a job until it settles, echoing each progress detail once.
func pollJob(ctx context.Context, client *apiClient, jobID string, done func(jobView) bool) (jobView, error) {
	var lastDetails string
	for {
		resp, err := client.get(ctx, "/v1/job/"+jobID)
		if err != nil {
			return jobView{}, err
		}
		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return jobView{}, err
		}

		if job.Details != "" && job.Details != lastDetails {
			printStep("%s", job.Details)
			lastDetails = job.Details
		}
		if done(job) {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return jobView{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate an app from a prompt",
	Long: `Generate an app from a plain-language prompt.

Examples:
  kindler generate "a pomodoro timer with a daily streak counter"
  kindler generate --template base-react-vite "a recipe box with search"
  kindler generate --no-wait "a habit tracker"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/v1/generate", map[string]string{
			"prompt":   args[0],
			"template": template,
		})
		if err != nil {
			return err
		}

		var created struct {
			JobID string `json:"jobId"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Queued job %s", created.JobID)

		if noWait {
			fmt.Println(created.JobID)
			return nil
		}

		job, err := pollJob(ctx, client, created.JobID, func(j jobView) bool {
			return terminalStatus(j.Status)
		})
		if err != nil {
			return err
		}
		if job.Status == "failed" {
			printError("Generation failed: %s", job.Details)
			return fmt.Errorf("job %s failed", job.ID)
		}
		printSuccess("App generated (job %s)", job.ID)
		fmt.Println(job.ID)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("template", "base-react-vite", "project template to start from")
	generateCmd.Flags().Bool("no-wait", false, "return immediately instead of waiting for the job to finish")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/job/"+args[0])
		if err != nil {
			return err
		}
		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s", job.ID)
		printStatus("Status", "%s", job.Status)
		if job.Details != "" {
			printStatus("Details", "%s", job.Details)
		}
		printStatus("Template", "%s", job.Template)
		printStatus("Prompt", "%s", truncate(job.Prompt, 80))
		if job.ArtifactRef != "" {
			printStatus("Artifact", "%s", job.ArtifactRef)
		}
		if job.Deployment.URL != "" {
			printStatus("URL", "%s", job.Deployment.URL)
		}
		if job.Deployment.Error != "" {
			printStatus("Deploy error", "%s", job.Deployment.Error)
		}
		printStatus("Updated", "%s", job.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

// --- files ---

type fileItem struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Path     string     `json:"path"`
	Children []fileItem `json:"children"`
}

var filesCmd = &cobra.Command{
	Use:   "files <job-id>",
	Short: "List the generated files of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/job/"+args[0]+"/files")
		if err != nil {
			return err
		}
		var listing struct {
			Files []fileItem `json:"files"`
		}
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		printFileTree(listing.Files, 0)
		return nil
	},
}

func printFileTree(items []fileItem, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, item := range items {
		if item.Type == "folder" {
			fmt.Printf("%s%s/\n", indent, item.Name)
			printFileTree(item.Children, depth+1)
		} else {
			fmt.Printf("%s%s\n", indent, item.Name)
		}
	}
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <job-id> <instruction>",
	Short: "Edit a generated app with an instruction",
	Long: `Edit a generated app with a plain-language instruction.

Examples:
  kindler chat 4f0c9c1e-... "make the header background dark blue"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/chat", map[string]string{
			"jobId":   args[0],
			"message": args[1],
		})
		if err != nil {
			return err
		}

		var result struct {
			Modifications []struct {
				FilePath string          `json:"filePath"`
				Action   json.RawMessage `json:"action"`
			} `json:"modifications"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, m := range result.Modifications {
			printStep("updated %s", m.FilePath)
		}
		printSuccess("Applied %d modification(s)", len(result.Modifications))
		return nil
	},
}

// --- deploy ---

var deployCmd = &cobra.Command{
	Use:   "deploy <job-id>",
	Short: "Package and deploy a generated app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noWait, _ := cmd.Flags().GetBool("no-wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/v1/job/"+args[0]+"/deploy", nil)
		if err != nil {
			return err
		}
		var ack map[string]string
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}
		printSuccess("Deployment started for job %s", args[0])

		if noWait {
			return nil
		}

		job, err := pollJob(ctx, client, args[0], func(j jobView) bool {
			return j.Status == "deployed" || j.Status == "failed"
		})
		if err != nil {
			return err
		}
		if job.Status == "failed" {
			printError("Deployment failed: %s", job.Deployment.Error)
			return fmt.Errorf("job %s failed", job.ID)
		}
		printSuccess("Deployed at %s", job.Deployment.URL)
		fmt.Println(job.Deployment.URL)
		return nil
	},
}

func init() {
	deployCmd.Flags().Bool("no-wait", false, "return immediately instead of waiting for the deploy to finish")
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List recent projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/projects")
		if err != nil {
			return err
		}
		var listing struct {
			Projects []struct {
				ID        string    `json:"id"`
				Prompt    string    `json:"prompt"`
				Status    string    `json:"status"`
				UpdatedAt time.Time `json:"updatedAt"`
			} `json:"projects"`
		}
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		if len(listing.Projects) == 0 {
			fmt.Println("no projects yet")
			return nil
		}
		for _, p := range listing.Projects {
			fmt.Printf("%s  %-11s %s  %s\n", p.ID, p.Status, p.UpdatedAt.Format("2006-01-02 15:04"), truncate(p.Prompt, 60))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
