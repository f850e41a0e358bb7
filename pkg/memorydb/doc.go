/*
Package memorydb provides the vector + tag store the ingestion pipeline
populates and the retrieval path queries.

# Collections

Each index is a collection of memory records. Index names are normalized
at the adapter boundary (lowercase, underscores to hyphens, reserved
names to "default") so "My_Index" and "my-index" address the same
collection.

# Backends

BoltDB:
  - File: <dataDir>/memory.db
  - One records bucket per index, JSON values keyed by record id
  - Metadata bucket tracking collection vector sizes
  - Read: db.View(), Write: db.Update() with fsync

InMemoryDB:
  - Map-backed, for tests and embedded scenarios

# Filters

Filters are disjunctive normal form over tag equalities: a list of
AND-clauses combined by OR. Example matching
(type=news AND year=2024) OR (type=email):

	memorydb.Filters{
		{"type": {"news"}, "year": {"2024"}},
		{"type": {"email"}},
	}

# Scoring

Relevance is cosine similarity between the query vector and each record
vector. Results are ordered highest first and cut at minRelevance.
*/
package memorydb
