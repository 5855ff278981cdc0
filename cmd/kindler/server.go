package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kindler/kindler/internal/api"
	"github.com/kindler/kindler/internal/artifact"
	"github.com/kindler/kindler/internal/config"
	"github.com/kindler/kindler/internal/deploy"
	"github.com/kindler/kindler/internal/embed"
	"github.com/kindler/kindler/internal/genai"
	"github.com/kindler/kindler/internal/jobs"
	"github.com/kindler/kindler/internal/pipeline"
	"github.com/kindler/kindler/internal/retrieval"
	"github.com/kindler/kindler/internal/storage"
	"github.com/kindler/kindler/internal/workspace"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kindler server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kindler server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kindler system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kindler.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "kindler version %s\n", version)

	// Pick up a local .env when present, then load config from the
	// environment.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Server.APIToken == "" {
		printWarning("KINDLER_API_TOKEN is not set; the API will accept unauthenticated requests")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("kindler is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("kindler is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the generation and deployment machinery.
	generator := genai.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey, cfg.Generation.Model)
	embedder := embed.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey)
	vectors := retrieval.NewVectorStore(store.DB())
	workspaces := workspace.NewManager(filepath.Join(cfg.Storage.DataDir, "workdirs"))
	retriever := retrieval.NewRetriever(embedder, vectors, workspaces)
	jobManager := jobs.NewManager(store)
	pipe := pipeline.New(jobManager, workspaces, generator, retriever, cfg.Storage.TemplateDir, cfg.Retrieval.TopK, slog.Default())

	blobs := artifact.LocalFS{Root: filepath.Join(cfg.Storage.DataDir, "artifacts")}
	packager := artifact.NewPackager(jobManager, workspaces, blobs, filepath.Join(cfg.Storage.DataDir, "scratch"), slog.Default())

	if cfg.Build.Project == "" {
		slog.Warn("build project is not configured, deployments will fail", "env", "KINDLER_BUILD_PROJECT")
	}
	platform := deploy.NewHTTPPlatform(cfg.Build.BaseURL, cfg.Build.Project, cfg.Build.Region)
	deployer := deploy.NewDeployer(jobManager, packager, platform, cfg.Build.Bucket, cfg.Build.Project, cfg.Build.Registry, cfg.Build.Region, slog.Default())

	deps := api.Deps{
		Jobs:       jobManager,
		Pipeline:   pipe,
		Packager:   packager,
		Deployer:   deployer,
		Workspaces: workspaces,
		Token:      cfg.Server.APIToken,
		Logger:     slog.Default(),
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "kindler listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg := config.LoadClient()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kindler is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kindler (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kindler (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg := config.LoadClient()

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Generation model", "%s", cfg.Generation.Model)
	printStatus("Build project", "%s", orUnset(cfg.Build.Project))
	printStatus("Build region", "%s", cfg.Build.Region)

	// Show project count if the server is running.
	if running {
		cli := &apiClient{
			baseURL:    serverURL,
			token:      cfg.Server.APIToken,
			httpClient: client,
		}
		if projResp, err := cli.get(context.Background(), "/v1/projects"); err == nil {
			var listing struct {
				Projects []struct {
					ID string `json:"id"`
				} `json:"projects"`
			}
			if decodeJSON(projResp, &listing) == nil {
				printStatus("Projects", "%d most recent", len(listing.Projects))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func orUnset(v string) string {
	if v == "" {
		return "(unset)"
	}
	return v
}
