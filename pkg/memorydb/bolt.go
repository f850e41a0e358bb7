package memorydb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

var (
	bucketIndexMeta = []byte("index_meta")
	recordPrefix    = "records:"
)

type indexMeta struct {
	Name       string `json:"name"`
	VectorSize int    `json:"vector_size"`
}

// BoltDB implements MemoryDB on bbolt: one metadata bucket plus one
// records bucket per index, JSON-serialized records keyed by id.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates) the memory database under dataDir.
func NewBoltDB(dataDir string) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, "memory.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndexMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create meta bucket: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Close closes the database.
func (m *BoltDB) Close() error {
	return m.db.Close()
}

func recordBucket(index string) []byte {
	return []byte(recordPrefix + index)
}

// CreateIndex creates a collection; re-creating is a no-op.
func (m *BoltDB) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketIndexMeta)
		if meta.Get([]byte(name)) == nil {
			data, err := json.Marshal(indexMeta{Name: name, VectorSize: vectorSize})
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(name), data); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(recordBucket(name))
		return err
	})
}

// DeleteIndex removes a collection. Idempotent.
func (m *BoltDB) DeleteIndex(ctx context.Context, index string) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketIndexMeta).Delete([]byte(name)); err != nil {
			return err
		}
		err := tx.DeleteBucket(recordBucket(name))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// ListIndexes returns all collection names.
func (m *BoltDB) ListIndexes(ctx context.Context) ([]string, error) {
	var names []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexMeta).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Upsert inserts or replaces a record by id.
func (m *BoltDB) Upsert(ctx context.Context, index string, record *types.MemoryRecord) (string, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return "", errdefs.Validation(err)
	}
	if record.ID == "" {
		return "", errdefs.Validationf("record id is empty")
	}
	record.EnsureSchema()

	err = m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket(name))
		if b == nil {
			return errdefs.NotFound("index %s", name)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

// GetList returns records matching the filters, up to limit.
func (m *BoltDB) GetList(ctx context.Context, index string, filters Filters, limit int, withEmbeddings bool) ([]*types.MemoryRecord, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	var records []*types.MemoryRecord
	err = m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket(name))
		if b == nil {
			return errdefs.NotFound("index %s", name)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec types.MemoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			rec.EnsureSchema()
			if !filters.Match(rec.Tags) {
				continue
			}
			if !withEmbeddings {
				rec.Vector = nil
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetSimilarList scores matching records by cosine similarity.
func (m *BoltDB) GetSimilarList(ctx context.Context, index string, query []float32, limit int, minRelevance float64, filters Filters, withEmbeddings bool) ([]ScoredRecord, error) {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	var scored []ScoredRecord
	err = m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket(name))
		if b == nil {
			return errdefs.NotFound("index %s", name)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.MemoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			rec.EnsureSchema()
			if !filters.Match(rec.Tags) {
				continue
			}
			score := CosineSimilarity(query, rec.Vector)
			if score < minRelevance {
				continue
			}
			if !withEmbeddings {
				rec.Vector = nil
			}
			scored = append(scored, ScoredRecord{Record: &rec, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Delete removes a record by id. Missing records are ignored.
func (m *BoltDB) Delete(ctx context.Context, index string, record *types.MemoryRecord) error {
	name, err := types.NormalizeIndexName(index)
	if err != nil {
		return errdefs.Validation(err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket(name))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(record.ID))
	})
}
