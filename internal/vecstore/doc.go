// Package vecstore provides the persistent vector index for note embeddings.
//
// The store keeps one record per file identity in a single SQLite database
// file:
//
//   - records: id, file_identity (unique), content_hash, embedding blob,
//     created_at
//   - index_meta: embedding model name and vector dimension, fixed at
//     schema creation time
//
// The vector dimension is a hard invariant: every upsert and every query
// vector must match the width recorded in index_meta. A conflicting
// dimension is never coerced — callers must Reset and re-index.
//
// # Lifecycle
//
// A freshly opened database is uninitialized: Search returns
// ErrIndexNotReady until InitializeSchema has been called. Reset drops all
// records and metadata, returning the store to the uninitialized state.
//
// # Search
//
// Search ranks by cosine similarity, descending, with ties broken by
// ascending file identity. Small indexes are scanned exactly; above a
// cutoff an in-memory HNSW graph (rebuilt on demand from the table)
// provides approximate sub-linear candidate selection with exact
// rescoring.
package vecstore
