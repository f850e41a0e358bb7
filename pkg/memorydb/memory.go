package memorydb

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// InMemoryDB implements MemoryDB with maps, for tests and embedded use.
type InMemoryDB struct {
	mu      sync.RWMutex
	indexes map[string]int // name -> vector size
	records map[string]map[string]*types.MemoryRecord
}

// NewInMemoryDB creates an empty in-memory vector store.
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		indexes: make(map[string]int),
		records: make(map[string]map[string]*types.MemoryRecord),
	}
}

// CreateIndex creates a collection; re-creating is a no-op.
func (m *InMemoryDB) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		m.indexes[name] = vectorSize
		m.records[name] = make(map[string]*types.MemoryRecord)
	}
	return nil
}

// DeleteIndex removes a collection. Idempotent.
func (m *InMemoryDB) DeleteIndex(ctx context.Context, index string) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, name)
	delete(m.records, name)
	return nil
}

// ListIndexes returns all collection names.
func (m *InMemoryDB) ListIndexes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert inserts or replaces a record by id.
func (m *InMemoryDB) Upsert(ctx context.Context, index string, record *types.MemoryRecord) (string, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return "", errdefs.Validation(err)
	}
	if record.ID == "" {
		return "", errdefs.Validationf("record id is empty")
	}
	record.EnsureSchema()

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.records[name]
	if !ok {
		return "", errdefs.NotFound("index %s", name)
	}
	coll[record.ID] = cloneRecord(record)
	return record.ID, nil
}

// GetList returns records matching the filters, up to limit.
func (m *InMemoryDB) GetList(ctx context.Context, index string, filters Filters, limit int, withEmbeddings bool) ([]*types.MemoryRecord, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.records[name]
	if !ok {
		return nil, errdefs.NotFound("index %s", name)
	}
	var out []*types.MemoryRecord
	for _, id := range sortedIDs(coll) {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := coll[id]
		if !filters.Match(rec.Tags) {
			continue
		}
		cp := cloneRecord(rec)
		cp.EnsureSchema()
		if !withEmbeddings {
			cp.Vector = nil
		}
		out = append(out, cp)
	}
	return out, nil
}

// GetSimilarList scores matching records by cosine similarity.
func (m *InMemoryDB) GetSimilarList(ctx context.Context, index string, query []float32, limit int, minRelevance float64, filters Filters, withEmbeddings bool) ([]ScoredRecord, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.records[name]
	if !ok {
		return nil, errdefs.NotFound("index %s", name)
	}
	var scored []ScoredRecord
	for _, id := range sortedIDs(coll) {
		rec := coll[id]
		if !filters.Match(rec.Tags) {
			continue
		}
		score := CosineSimilarity(query, rec.Vector)
		if score < minRelevance {
			continue
		}
		cp := cloneRecord(rec)
		cp.EnsureSchema()
		if !withEmbeddings {
			cp.Vector = nil
		}
		scored = append(scored, ScoredRecord{Record: cp, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Delete removes a record by id. Missing records are ignored.
func (m *InMemoryDB) Delete(ctx context.Context, index string, record *types.MemoryRecord) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok := m.records[name]; ok {
		delete(coll, record.ID)
	}
	return nil
}

// Close is a no-op.
func (m *InMemoryDB) Close() error { return nil }

func sortedIDs(coll map[string]*types.MemoryRecord) []string {
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRecord(r *types.MemoryRecord) *types.MemoryRecord {
	// JSON round-trip keeps the clone semantics identical to the
	// persistent backends.
	data, _ := json.Marshal(r)
	var cp types.MemoryRecord
	_ = json.Unmarshal(data, &cp)
	return &cp
}
