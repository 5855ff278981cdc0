package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kindler/kindler/internal/workspace"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding job records and per-job file vectors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "kindler.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for collaborating packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const jobColumns = `id, prompt, template, status, details, artifact_ref, modifications_json,
	files_ready, deploy_build_ref, deploy_url, deploy_error, created_at, updated_at`

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	modsJSON, err := marshalModifications(job.Modifications)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Prompt, job.Template, string(job.Status), job.Details,
		job.ArtifactRef, modsJSON, job.FilesReady,
		job.Deployment.BuildRef, job.Deployment.URL, job.Deployment.Error,
		job.CreatedAt.UTC().Format(time.RFC3339), job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job record for id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// MergeJob applies a partial update to the job record. Only non-nil patch
// fields are written; updated_at is always refreshed. There is no cross-field
// transaction guarantee beyond the single UPDATE statement.
func (s *Store) MergeJob(ctx context.Context, id string, patch JobPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Details != nil {
		sets = append(sets, "details = ?")
		args = append(args, *patch.Details)
	}
	if patch.ArtifactRef != nil {
		sets = append(sets, "artifact_ref = ?")
		args = append(args, *patch.ArtifactRef)
	}
	if patch.Modifications != nil {
		modsJSON, err := marshalModifications(*patch.Modifications)
		if err != nil {
			return err
		}
		sets = append(sets, "modifications_json = ?")
		args = append(args, modsJSON)
	}
	if patch.FilesReady != nil {
		sets = append(sets, "files_ready = ?")
		args = append(args, *patch.FilesReady)
	}
	if patch.DeployBuildRef != nil {
		sets = append(sets, "deploy_build_ref = ?")
		args = append(args, *patch.DeployBuildRef)
	}
	if patch.DeployURL != nil {
		sets = append(sets, "deploy_url = ?")
		args = append(args, *patch.DeployURL)
	}
	if patch.DeployError != nil {
		sets = append(sets, "deploy_error = ?")
		args = append(args, *patch.DeployError)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("merging job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns the most recently created jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status, modsJSON, createdAt, updatedAt string
	if err := row.Scan(
		&j.ID, &j.Prompt, &j.Template, &status, &j.Details, &j.ArtifactRef, &modsJSON,
		&j.FilesReady, &j.Deployment.BuildRef, &j.Deployment.URL, &j.Deployment.Error,
		&createdAt, &updatedAt,
	); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	if modsJSON != "" && modsJSON != "[]" {
		if err := json.Unmarshal([]byte(modsJSON), &j.Modifications); err != nil {
			return Job{}, fmt.Errorf("parsing modifications for job %s: %w", j.ID, err)
		}
	}
	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func marshalModifications(mods []workspace.Modification) (string, error) {
	if mods == nil {
		return "[]", nil
	}
	b, err := json.Marshal(mods)
	if err != nil {
		return "", fmt.Errorf("marshalling modifications: %w", err)
	}
	return string(b), nil
}
