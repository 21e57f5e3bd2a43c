// Package docstore keeps the original uploaded files on disk, one directory
// per document, so indexed documents can be downloaded later.
package docstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound marks a document with no stored original.
var ErrNotFound = errors.New("stored document not found")

// Store lays files out as {root}/{document_id}/{filename}.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Save copies the file at srcPath into the document's directory and returns
// the destination path.
func (s *Store) Save(documentID, filename, srcPath string) (string, error) {
	dir := filepath.Join(s.root, documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating document dir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	dest := filepath.Join(dir, filepath.Base(filename))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copying document: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing destination: %w", err)
	}
	return dest, nil
}

// Find returns the stored file's path and name for a document.
func (s *Store) Find(documentID string) (path, filename string, err error) {
	dir := filepath.Join(s.root, documentID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("reading document dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(dir, entry.Name()), entry.Name(), nil
		}
	}
	return "", "", ErrNotFound
}

// Delete removes the document's directory. Missing directories are not an
// error.
func (s *Store) Delete(documentID string) error {
	if err := os.RemoveAll(filepath.Join(s.root, documentID)); err != nil {
		return fmt.Errorf("removing document dir: %w", err)
	}
	return nil
}
