package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// FSStore implements DocumentStore on the local filesystem, laid out as
// <root>/<index>/<documentId>/<filename>. Writes go through a temp file
// and rename so each key is updated atomically.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed document store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) docDir(index, documentID string) (string, error) {
	index, err := types.NormalizeIndexName(index)
	if err != nil {
		return "", errdefs.Validation(err)
	}
	if strings.ContainsAny(documentID, `/\`) {
		return "", errdefs.Validationf("document id %q contains path separators", documentID)
	}
	return filepath.Join(s.root, index, documentID), nil
}

func safeFilename(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errdefs.Validationf("invalid file name %q", name)
	}
	return name, nil
}

// WriteFile stores a file under index/documentId, atomically per key.
func (s *FSStore) WriteFile(ctx context.Context, index, documentID, filename string, content io.Reader) error {
	dir, err := s.docDir(index, documentID)
	if err != nil {
		return err
	}
	name, err := safeFilename(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// ReadFile returns the content of a stored file.
func (s *FSStore) ReadFile(ctx context.Context, index, documentID, filename string) ([]byte, error) {
	dir, err := s.docDir(index, documentID)
	if err != nil {
		return nil, err
	}
	name, err := safeFilename(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil, errdefs.NotFound("file %s/%s/%s", index, documentID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// DeleteFile removes a stored file. Missing files are ignored.
func (s *FSStore) DeleteFile(ctx context.Context, index, documentID, filename string) error {
	dir, err := s.docDir(index, documentID)
	if err != nil {
		return err
	}
	name, err := safeFilename(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// ListFiles enumerates files of a document, excluding the reserved
// pipeline status file.
func (s *FSStore) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	dir, err := s.docDir(index, documentID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, errdefs.NotFound("document %s/%s", index, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list document: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == types.PipelineStatusFilename || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDocument removes a document directory. Idempotent.
func (s *FSStore) DeleteDocument(ctx context.Context, index, documentID string) error {
	dir, err := s.docDir(index, documentID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// DeleteIndex removes an entire index directory. Idempotent.
func (s *FSStore) DeleteIndex(ctx context.Context, index string) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}

// ReadPipeline loads pipeline state from the reserved status file.
func (s *FSStore) ReadPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error) {
	data, err := s.ReadFile(ctx, index, documentID, types.PipelineStatusFilename)
	if err != nil {
		return nil, err
	}
	var p types.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline state: %w", err)
	}
	return &p, nil
}

// WritePipeline persists pipeline state to the reserved status file.
func (s *FSStore) WritePipeline(ctx context.Context, p *types.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline state: %w", err)
	}
	return s.WriteFile(ctx, p.Index, p.DocumentID, types.PipelineStatusFilename, strings.NewReader(string(data)))
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error { return nil }
