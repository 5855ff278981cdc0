// Package index maintains the per-job project index: a nested tree mirroring
// the working directory, with a one-sentence description on every node. The
// tree is what edit requests consult to pick a target file, so it is rebuilt
// after generation and patched in place after each single-file edit.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNodeNotFound is returned when a path does not resolve to a tree node.
var ErrNodeNotFound = errors.New("index: node not found")

const (
	// MetaDirName is the directory inside a working directory that holds
	// job metadata files.
	MetaDirName = ".kindler"

	indexFileName = "index.json"

	TypeFile   = "file"
	TypeFolder = "folder"
)

// Node is one entry in the project index tree. Folders carry Children keyed
// by entry name; files carry only a type and description.
type Node struct {
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Children    map[string]*Node `json:"children,omitempty"`
}

// Build walks root and produces an undescribed tree of its contents.
// node_modules and dot-prefixed entries are skipped, matching the entries
// that never reach the generation prompt either.
func Build(root string) (map[string]*Node, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}
	tree := make(map[string]*Node)
	for _, entry := range entries {
		name := entry.Name()
		if name == "node_modules" || strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			children, err := Build(filepath.Join(root, name))
			if err != nil {
				return nil, err
			}
			tree[name] = &Node{Type: TypeFolder, Children: children}
		} else {
			tree[name] = &Node{Type: TypeFile}
		}
	}
	return tree, nil
}

// SetDescription updates the description of the node at path, splitting on
// "/" and descending through each segment's children. The node must already
// exist; Build or a CREATE_FILE modification creates nodes, not this.
func SetDescription(tree map[string]*Node, path, description string) error {
	segments := strings.Split(filepath.ToSlash(path), "/")
	current := tree
	for i, segment := range segments {
		node, ok := current[segment]
		if !ok {
			return fmt.Errorf("%w: %s (missing %q)", ErrNodeNotFound, path, segment)
		}
		if i == len(segments)-1 {
			node.Description = description
			return nil
		}
		if node.Children == nil {
			return fmt.Errorf("%w: %s (%q is not a folder)", ErrNodeNotFound, path, segment)
		}
		current = node.Children
	}
	return fmt.Errorf("%w: %s", ErrNodeNotFound, path)
}

// Describe returns the description of the node at path.
func Describe(tree map[string]*Node, path string) (string, error) {
	segments := strings.Split(filepath.ToSlash(path), "/")
	current := tree
	for i, segment := range segments {
		node, ok := current[segment]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNodeNotFound, path)
		}
		if i == len(segments)-1 {
			return node.Description, nil
		}
		if node.Children == nil {
			return "", fmt.Errorf("%w: %s", ErrNodeNotFound, path)
		}
		current = node.Children
	}
	return "", fmt.Errorf("%w: %s", ErrNodeNotFound, path)
}

// Paths returns every file path in the tree in sorted order, folders
// excluded. Useful for prompt construction and sanity checks.
func Paths(tree map[string]*Node) []string {
	var out []string
	var walk func(prefix string, nodes map[string]*Node)
	walk = func(prefix string, nodes map[string]*Node) {
		for name, node := range nodes {
			full := name
			if prefix != "" {
				full = prefix + "/" + name
			}
			if node.Type == TypeFolder {
				walk(full, node.Children)
			} else {
				out = append(out, full)
			}
		}
	}
	walk("", tree)
	sort.Strings(out)
	return out
}

// FilePath returns the location of the persisted index inside workDir.
func FilePath(workDir string) string {
	return filepath.Join(workDir, MetaDirName, indexFileName)
}

// Save persists the tree to workDir's metadata directory. The write goes
// through a temp file and rename so a crash mid-write cannot leave a
// truncated index behind.
func Save(workDir string, tree map[string]*Node) error {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	dir := filepath.Join(workDir, MetaDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return writeFileAtomic(FilePath(workDir), data, 0o644)
}

// Load reads a previously saved tree. A missing index returns ErrNodeNotFound
// so callers can distinguish "never indexed" from a corrupt file.
func Load(workDir string) (map[string]*Node, error) {
	data, err := os.ReadFile(FilePath(workDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no index in %s", ErrNodeNotFound, workDir)
		}
		return nil, err
	}
	var tree map[string]*Node
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	return tree, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
