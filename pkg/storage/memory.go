package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// MemoryStore is an in-memory DocumentStore used by tests and by
// embedded scenarios where durability is not required.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte // key: index/documentID/filename
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

func (s *MemoryStore) key(index, documentID, filename string) (string, error) {
	index, err := types.NormalizeIndexName(index)
	if err != nil {
		return "", errdefs.Validation(err)
	}
	if strings.ContainsAny(documentID, `/\`) {
		return "", errdefs.Validationf("document id %q contains path separators", documentID)
	}
	if filename != "" {
		if _, err := safeFilename(filename); err != nil {
			return "", err
		}
	}
	return index + "/" + documentID + "/" + filename, nil
}

// WriteFile stores file content, replacing previous content.
func (s *MemoryStore) WriteFile(ctx context.Context, index, documentID, filename string, content io.Reader) error {
	k, err := s.key(index, documentID, filename)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[k] = data
	return nil
}

// ReadFile returns stored content.
func (s *MemoryStore) ReadFile(ctx context.Context, index, documentID, filename string) ([]byte, error) {
	k, err := s.key(index, documentID, filename)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[k]
	if !ok {
		return nil, errdefs.NotFound("file %s", k)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// DeleteFile removes a file. Missing files are ignored.
func (s *MemoryStore) DeleteFile(ctx context.Context, index, documentID, filename string) error {
	k, err := s.key(index, documentID, filename)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, k)
	return nil
}

// ListFiles enumerates filenames of a document.
func (s *MemoryStore) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	prefix, err := s.key(index, documentID, "")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for k := range s.files {
		if strings.HasPrefix(k, prefix) {
			name := strings.TrimPrefix(k, prefix)
			if name != types.PipelineStatusFilename {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		if _, ok := s.files[prefix+types.PipelineStatusFilename]; !ok {
			return nil, errdefs.NotFound("document %s/%s", index, documentID)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDocument removes all files of a document. Idempotent.
func (s *MemoryStore) DeleteDocument(ctx context.Context, index, documentID string) error {
	prefix, err := s.key(index, documentID, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.files {
		if strings.HasPrefix(k, prefix) {
			delete(s.files, k)
		}
	}
	return nil
}

// DeleteIndex removes all documents of an index. Idempotent.
func (s *MemoryStore) DeleteIndex(ctx context.Context, index string) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.files {
		if strings.HasPrefix(k, name+"/") {
			delete(s.files, k)
		}
	}
	return nil
}

// ReadPipeline loads pipeline state.
func (s *MemoryStore) ReadPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error) {
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

// WritePipeline persists pipeline state.
func (s *MemoryStore) WritePipeline(ctx context.Context, p *types.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline state: %w", err)
	}
	return s.WriteFile(ctx, p.Index, p.DocumentID, types.PipelineStatusFilename, strings.NewReader(string(data)))
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
