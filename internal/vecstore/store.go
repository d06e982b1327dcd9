package vecstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist.
	ErrNotFound = errors.New("record not found")
	// ErrIndexNotReady is returned for operations that need a schema
	// before InitializeSchema has been called.
	ErrIndexNotReady = errors.New("index not ready: schema has not been initialized")
	// ErrSchemaMismatch is returned when a vector dimension or embedding
	// model conflicts with the existing schema. It is never auto-resolved;
	// the caller must Reset before re-indexing.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// Record is one stored (file identity, embedding) row.
type Record struct {
	ID           int64
	FileIdentity string
	ContentHash  string
	Embedding    []float32
	CreatedAt    time.Time
}

// Meta describes the schema the index was created with.
type Meta struct {
	Model     string
	Dimension int
}

// Store is a SQLite-backed vector index with upsert semantics keyed by
// file identity. All mutating operations serialize behind a single lock;
// searches may run concurrently with each other but not with Reset.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	mu   sync.RWMutex // guards schema state and serializes mutations
	meta *Meta        // nil while uninitialized

	annMu     sync.Mutex // guards the ANN graph
	ann       *hnswGraph
	annDirty  bool
	annCutoff int
}

// Option configures a Store.
type Option func(*Store)

// WithANNCutoff sets the record count above which searches use the HNSW
// graph instead of an exact linear scan.
func WithANNCutoff(n int) Option {
	return func(s *Store) { s.annCutoff = n }
}

// Open opens (or creates) the index database at path. Use ":memory:" for
// tests. The schema is not created here; call InitializeSchema once the
// embedding dimension is known.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for better read concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:        db,
		path:      path,
		logger:    logger,
		annCutoff: defaultANNCutoff,
		annDirty:  true,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadMeta(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// loadMeta reads schema metadata left by a previous run, if any.
func (s *Store) loadMeta(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='index_meta'`,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return nil
	}

	var model, dimStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM index_meta WHERE key='embedding_model'`).Scan(&model)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM index_meta WHERE key='dimension'`).Scan(&dimStr)
	if err != nil {
		return fmt.Errorf("index_meta is missing the dimension row: %w", err)
	}
	dim, err := strconv.Atoi(dimStr)
	if err != nil || dim <= 0 {
		return fmt.Errorf("index_meta holds an invalid dimension %q", dimStr)
	}

	s.meta = &Meta{Model: model, Dimension: dim}
	s.logger.Debug("loaded existing index schema",
		zap.String("model", model), zap.Int("dimension", dim))
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_identity TEXT NOT NULL UNIQUE,
    content_hash TEXT NOT NULL,
    embedding BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_identity ON records(file_identity);

CREATE TABLE IF NOT EXISTS index_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// InitializeSchema creates or validates storage for vectors of exactly
// dimension width produced by model. Calling with a different dimension or
// model than an already-initialized schema returns ErrSchemaMismatch.
func (s *Store) InitializeSchema(ctx context.Context, model string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrSchemaMismatch, dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta != nil {
		if s.meta.Dimension != dimension {
			return fmt.Errorf("%w: index was built with dimension %d, model %q requires %d; reset the index to re-embed",
				ErrSchemaMismatch, s.meta.Dimension, model, dimension)
		}
		if s.meta.Model != model {
			return fmt.Errorf("%w: index was built with model %q, configured model is %q; reset the index to re-embed",
				ErrSchemaMismatch, s.meta.Model, model)
		}
		return nil
	}

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO index_meta (key, value) VALUES
			('embedding_model', ?),
			('dimension', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		model, strconv.Itoa(dimension))
	if err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}

	s.meta = &Meta{Model: model, Dimension: dimension}
	s.logger.Info("index schema initialized",
		zap.String("model", model), zap.Int("dimension", dimension))
	return nil
}

// Upsert inserts or replaces the record for fileIdentity and returns its
// surrogate id. The embedding width must match the schema dimension.
func (s *Store) Upsert(ctx context.Context, fileIdentity, contentHash string, embedding []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta == nil {
		return 0, ErrIndexNotReady
	}
	if len(embedding) != s.meta.Dimension {
		return 0, fmt.Errorf("%w: embedding has dimension %d, index requires %d",
			ErrSchemaMismatch, len(embedding), s.meta.Dimension)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO records (file_identity, content_hash, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_identity) DO UPDATE SET
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			created_at = excluded.created_at
		RETURNING id
	`, fileIdentity, contentHash, serializeVector(embedding), time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert record: %w", err)
	}

	s.markANNDirty()
	return id, nil
}

// Delete removes the record for fileIdentity. Deleting an absent identity
// is a no-op, not an error.
func (s *Store) Delete(ctx context.Context, fileIdentity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE file_identity = ?`, fileIdentity)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.markANNDirty()
	}
	return nil
}

// Get returns the record for fileIdentity, or ErrNotFound.
func (s *Store) Get(ctx context.Context, fileIdentity string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return nil, ErrIndexNotReady
	}

	var rec Record
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_identity, content_hash, embedding, created_at
		FROM records WHERE file_identity = ?
	`, fileIdentity).Scan(&rec.ID, &rec.FileIdentity, &rec.ContentHash, &blob, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Embedding = deserializeVector(blob)
	return &rec, nil
}

// List returns all records whose identity starts with scopePrefix (every
// record when scopePrefix is empty), vectors included, ordered by identity.
func (s *Store) List(ctx context.Context, scopePrefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return nil, ErrIndexNotReady
	}

	query := `SELECT id, file_identity, content_hash, embedding, created_at FROM records`
	args := []interface{}{}
	if scopePrefix != "" {
		query += ` WHERE file_identity LIKE ? ESCAPE '\'`
		args = append(args, likePrefixPattern(scopePrefix))
	}
	query += ` ORDER BY file_identity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var blob []byte
		if err := rows.Scan(&rec.ID, &rec.FileIdentity, &rec.ContentHash, &blob, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Embedding = deserializeVector(blob)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored records. A zero count on an
// uninitialized store is not an error so status can always be reported.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Meta returns the schema metadata, or false while uninitialized.
func (s *Store) Meta() (Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return Meta{}, false
	}
	return *s.meta, true
}

// Reset drops all records and metadata, returning the index to the
// uninitialized state.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS records`); err != nil {
		return fmt.Errorf("failed to drop records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS index_meta`); err != nil {
		return fmt.Errorf("failed to drop metadata: %w", err)
	}

	s.meta = nil
	s.annMu.Lock()
	s.ann = nil
	s.annDirty = true
	s.annMu.Unlock()

	s.logger.Info("index reset")
	return nil
}

// markANNDirty flags the ANN graph for rebuild after a mutation.
func (s *Store) markANNDirty() {
	s.annMu.Lock()
	s.annDirty = true
	s.annMu.Unlock()
}

// likePrefixPattern escapes a literal prefix for use in a LIKE clause.
func likePrefixPattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+4)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}
