// Package artifact packages a job's working directory into a compressed
// archive, stores it durably, and restores working directories from stored
// archives.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the durable home of packaged artifacts, keyed by object name.
type BlobStore interface {
	// Put stores the reader's contents under key and returns a stable
	// reference usable for later retrieval.
	Put(key string, r io.Reader) (string, error)
	Open(key string) (io.ReadCloser, error)
	Exists(key string) bool
}

// LocalFS is a BlobStore rooted at a directory on the local filesystem.
type LocalFS struct {
	Root string
}

func (l LocalFS) Put(key string, r io.Reader) (string, error) {
	clean := filepath.Clean(key)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("blob://%s", filepath.ToSlash(clean)), nil
}

func (l LocalFS) Open(key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(l.Root, filepath.Clean(key)))
}

func (l LocalFS) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(l.Root, filepath.Clean(key)))
	return err == nil
}
