package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when a job has no working directory, or an edit
// targets a path that does not exist in it.
var ErrNotFound = errors.New("not found")

// ErrPathEscape is returned for modification paths that resolve outside the
// working directory.
var ErrPathEscape = errors.New("path escapes working directory")

// File is one file of a working directory with its full content.
type File struct {
	Path    string
	Content string
}

// Item is a node in a materialized file-tree listing.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "file" or "folder"
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	Children []Item `json:"children,omitempty"`
}

// Manager owns the per-job working directories under Root. A working
// directory belongs to exactly one job and is never shared.
type Manager struct {
	Root string
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{Root: dir}
}

// Dir returns the working directory path for a job.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.Root, jobID)
}

// Exists reports whether a working directory is materialized for the job.
func (m *Manager) Exists(jobID string) bool {
	info, err := os.Stat(m.Dir(jobID))
	return err == nil && info.IsDir()
}

// Materialize ensures a working directory exists for the job, copying the
// template tree when none does. Reports whether an existing directory was
// reused, which makes re-runs idempotent with respect to the template copy.
func (m *Manager) Materialize(jobID, templateDir string) (reused bool, err error) {
	if _, err := os.Stat(templateDir); err != nil {
		return false, fmt.Errorf("template %q not found: %w", filepath.Base(templateDir), err)
	}
	dir := m.Dir(jobID)
	if m.Exists(jobID) {
		return true, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating working directory: %w", err)
	}
	if err := os.CopyFS(dir, os.DirFS(templateDir)); err != nil {
		os.RemoveAll(dir)
		return false, fmt.Errorf("copying template: %w", err)
	}
	return false, nil
}

// Remove deletes the job's working directory. Missing directories are not an error.
func (m *Manager) Remove(jobID string) error {
	return os.RemoveAll(m.Dir(jobID))
}

// resolve confines a relative modification path to the working directory.
// Absolute paths, parent-directory traversal, and anything else that would
// resolve outside the root are rejected.
func resolve(workDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path: %w", ErrPathEscape)
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathEscape)
	}
	abs := filepath.Join(workDir, filepath.Clean(rel))
	if abs != workDir && !strings.HasPrefix(abs, workDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathEscape)
	}
	return abs, nil
}

// creatableUnder checks that every already-existing ancestor of abs inside
// the working directory is a directory. A file sitting on the ancestor path
// would make the MkdirAll in the apply pass fail after earlier entries of
// the batch were written.
func creatableUnder(workDir, abs string, planned map[string]bool) error {
	for dir := filepath.Dir(abs); dir != workDir; dir = filepath.Dir(dir) {
		if planned[dir] {
			rel, relErr := filepath.Rel(workDir, dir)
			if relErr != nil {
				rel = dir
			}
			return fmt.Errorf("parent %s is created as a file by the same batch", rel)
		}
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, relErr := filepath.Rel(workDir, dir)
			if relErr != nil {
				rel = dir
			}
			return fmt.Errorf("parent %s is not a directory", rel)
		}
		// An existing directory implies all higher ancestors exist too.
		return nil
	}
	return nil
}

// Apply applies modifications to the job's working directory in order.
// Validation runs as a separate first pass over the whole batch, so a bad
// entry anywhere in the list leaves the tree untouched.
func (m *Manager) Apply(jobID string, mods []Modification) error {
	workDir := m.Dir(jobID)
	if !m.Exists(jobID) {
		return fmt.Errorf("working directory for job %s: %w", jobID, ErrNotFound)
	}

	// Pass 1: validate every entry before any write.
	targets := make([]string, len(mods))
	planned := make(map[string]bool, len(mods))
	for i, mod := range mods {
		if err := mod.validateType(); err != nil {
			return err
		}
		abs, err := resolve(workDir, mod.Path)
		if err != nil {
			return err
		}
		switch mod.Action.Type {
		case ActionReplaceContent:
			info, err := os.Stat(abs)
			if err != nil {
				return fmt.Errorf("replace target %s: %w", mod.Path, ErrNotFound)
			}
			if info.IsDir() {
				return fmt.Errorf("replace target %s is a directory", mod.Path)
			}
		case ActionCreateFile:
			if info, err := os.Stat(abs); err == nil && info.IsDir() {
				return fmt.Errorf("create target %s is a directory", mod.Path)
			}
			if err := creatableUnder(workDir, abs, planned); err != nil {
				return fmt.Errorf("create target %s: %w", mod.Path, err)
			}
		}
		planned[abs] = true
		targets[i] = abs
	}

	// Pass 2: apply.
	for i, mod := range mods {
		if mod.Action.Type == ActionCreateFile {
			if err := os.MkdirAll(filepath.Dir(targets[i]), 0o755); err != nil {
				return fmt.Errorf("creating parent directories for %s: %w", mod.Path, err)
			}
		}
		if err := os.WriteFile(targets[i], []byte(mod.Body()), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", mod.Path, err)
		}
	}
	return nil
}

// ReadFile returns the current content of one file in the working directory.
func (m *Manager) ReadFile(jobID, rel string) (string, error) {
	abs, err := resolve(m.Dir(jobID), rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s: %w", rel, ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}

// skip reports whether a directory entry is excluded from listings, prompts,
// and indexing: dependency trees and dotfiles (including the job's own
// .kindler metadata).
func skip(name string) bool {
	return name == "node_modules" || strings.HasPrefix(name, ".")
}

// Files returns every file in the working directory with its content,
// sorted by path.
func (m *Manager) Files(jobID string) ([]File, error) {
	workDir := m.Dir(jobID)
	if !m.Exists(jobID) {
		return nil, fmt.Errorf("working directory for job %s: %w", jobID, ErrNotFound)
	}

	var files []File
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workDir {
			return nil
		}
		if skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Tree builds a nested file-tree listing of the working directory, folders
// first, names sorted. File contents are read concurrently.
func (m *Manager) Tree(jobID string) ([]Item, error) {
	if !m.Exists(jobID) {
		return nil, fmt.Errorf("working directory for job %s: %w", jobID, ErrNotFound)
	}
	return m.buildTree(jobID, m.Dir(jobID), m.Dir(jobID))
}

func (m *Manager) buildTree(jobID, dir, base string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	type pending struct {
		idx  int
		full string
	}
	var reads []pending

	for _, entry := range entries {
		if skip(entry.Name()) {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			children, err := m.buildTree(jobID, full, base)
			if err != nil {
				return nil, err
			}
			items = append(items, Item{
				ID:       rel,
				Name:     entry.Name(),
				Type:     "folder",
				Path:     rel,
				Children: children,
			})
			continue
		}

		items = append(items, Item{
			ID:       rel,
			Name:     entry.Name(),
			Type:     "file",
			Path:     rel,
			Language: strings.TrimPrefix(filepath.Ext(entry.Name()), "."),
		})
		reads = append(reads, pending{idx: len(items) - 1, full: full})
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, p := range reads {
		g.Go(func() error {
			data, err := os.ReadFile(p.full)
			if err != nil {
				return fmt.Errorf("reading %s: %w", items[p.idx].Path, err)
			}
			items[p.idx].Content = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type == "folder"
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}
