// Package storage is the object storage collaborator. Objects live on the
// local filesystem and are served back over HTTP under a base URL.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"messaging-service/internal/errs"
)

// FileStore writes objects below a root directory.
type FileStore struct {
	root    string
	baseURL string
}

// NewFileStore creates root when missing.
func NewFileStore(root, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store dir: %w", err)
	}
	return &FileStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory objects are written to.
func (s *FileStore) Root() string { return s.root }

// Store writes content under key, replacing any previous object, and returns
// its URL.
func (s *FileStore) Store(ctx context.Context, key string, content []byte) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return "", errs.New(errs.ErrInvalidArgument, "invalid object key")
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}

	target := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errs.Wrap(errs.ErrUnavailable, "object storage unavailable", err)
	}
	return s.baseURL + "/" + clean, nil
}
