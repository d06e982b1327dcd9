// Package service wires the index components together behind one
// facade: bulk index builds, status and diagnostics, queue dispatch,
// and the query operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quiver-kb/quiver/internal/config"
	"github.com/quiver-kb/quiver/internal/embedding"
	"github.com/quiver-kb/quiver/internal/queue"
	"github.com/quiver-kb/quiver/internal/search"
	"github.com/quiver-kb/quiver/internal/vault"
	"github.com/quiver-kb/quiver/internal/vecstore"
)

// IndexMetadata describes the current state of the index. It is derived
// on demand, never persisted.
type IndexMetadata struct {
	EmbeddingModel    string
	Dimension         int
	RecordCount       int
	TotalFiles        int
	CompletenessRatio float64
}

// Inspection is the diagnostic view exposed for self-service debugging.
type Inspection struct {
	DBPath         string
	Driver         string
	BuildMode      string
	SchemaReady    bool
	EmbeddingModel string
	Dimension      int
	RecordCount    int
	QueueDepth     int
	Strategy       queue.Strategy
}

// BuildResult summarizes one bulk index build.
type BuildResult struct {
	TotalFiles int
	Indexed    int
	Skipped    int
	Failed     int
	Errors     []queue.TaskError
	Duration   time.Duration
}

// Service owns the index components and exposes the public operations.
type Service struct {
	cfg      *config.Config
	vault    *vault.Vault
	provider embedding.Provider
	store    *vecstore.Store
	queue    *queue.Queue
	searcher *search.Searcher
	logger   *zap.Logger
	workers  int

	schemaMu    sync.Mutex
	schemaReady bool

	watcher *vault.Watcher
	cron    *cron.Cron
}

// New constructs the service and its collaborators from configuration.
// Returns config.ErrDisabled when the index is switched off.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if !cfg.IsEnabled() {
		return nil, config.ErrDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v, err := vault.New(cfg.VaultPath)
	if err != nil {
		return nil, err
	}

	provider, err := embedding.New(embedding.Config{Model: cfg.EmbeddingModel}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	store, err := vecstore.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		vault:    v,
		provider: provider,
		store:    store,
		queue:    queue.New(cfg.Strategy(), v, provider, store, logger),
		searcher: search.NewSearcher(store, provider, v, logger),
		logger:   logger,
		workers:  runtime.NumCPU(),
	}, nil
}

// Close releases the background drainer, watcher, store, and provider.
func (s *Service) Close() error {
	s.StopBackground()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.provider.Close()
}

// ensureSchema initializes the records table on the first mutating call,
// once the embedding dimension is known. A dimension conflict with an
// existing index surfaces as vecstore.ErrSchemaMismatch and is never
// auto-resolved.
func (s *Service) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}

	dim, err := s.provider.Dimension()
	if err != nil {
		return err
	}
	if err := s.store.InitializeSchema(ctx, s.provider.Model(), dim); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

// BuildIndex embeds and upserts every note under scope. Unchanged notes
// are skipped unless force is set. Per-file failures are collected in
// the result, never raised.
func (s *Service) BuildIndex(ctx context.Context, scope string, force bool) (*BuildResult, error) {
	return s.BuildIndexBatch(ctx, scope, 0, force)
}

// BuildIndexBatch is BuildIndex bounded to at most maxFiles notes that
// actually need work; zero means unbounded.
func (s *Service) BuildIndexBatch(ctx context.Context, scope string, maxFiles int, force bool) (*BuildResult, error) {
	start := time.Now()
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	identities, err := s.vault.List(scope)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{TotalFiles: len(identities)}

	// Select the notes that need work so a bounded batch makes forward
	// progress across repeated calls instead of rescanning the same
	// already-indexed prefix.
	work := make([]string, 0, len(identities))
	for _, identity := range identities {
		if maxFiles > 0 && len(work) >= maxFiles {
			break
		}
		if force || s.needsIndex(ctx, identity) {
			work = append(work, identity)
		} else {
			result.Skipped++
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, identity := range work {
		identity := identity
		g.Go(func() error {
			skipped, err := s.indexOne(gctx, identity, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, queue.TaskError{
					Identity: identity,
					Message:  err.Error(),
				})
				s.logger.Warn("failed to index note",
					zap.String("identity", identity),
					zap.Error(err))
			case skipped:
				result.Skipped++
			default:
				result.Indexed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	s.logger.Info("index build finished",
		zap.String("scope", scope),
		zap.Int("indexed", result.Indexed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// needsIndex reports whether a note's stored record is missing or stale.
// Unreadable notes are included so the build reports the failure.
func (s *Service) needsIndex(ctx context.Context, identity string) bool {
	rec, err := s.store.Get(ctx, identity)
	if err != nil {
		return true
	}
	text, err := s.vault.ReadText(identity)
	if err != nil {
		return true
	}
	return rec.ContentHash != vault.ContentHash(text)
}

// indexOne embeds and upserts a single note, skipping unchanged content.
func (s *Service) indexOne(ctx context.Context, identity string, force bool) (skipped bool, err error) {
	text, err := s.vault.ReadText(identity)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, s.store.Delete(ctx, identity)
		}
		return false, err
	}

	hash := vault.ContentHash(text)
	if !force {
		if rec, getErr := s.store.Get(ctx, identity); getErr == nil && rec.ContentHash == hash {
			return true, nil
		}
	}

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return false, err
	}
	if _, err := s.store.Upsert(ctx, identity, hash, vec); err != nil {
		return false, err
	}
	return false, nil
}

// IndexStatus reports model, dimension, record count, and how complete
// the index is relative to the notes present in the vault.
func (s *Service) IndexStatus(ctx context.Context) (*IndexMetadata, error) {
	status := &IndexMetadata{}
	if meta, ok := s.store.Meta(); ok {
		status.EmbeddingModel = meta.Model
		status.Dimension = meta.Dimension
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	status.RecordCount = count

	total, err := s.vault.TotalFiles("")
	if err != nil {
		return nil, err
	}
	status.TotalFiles = total
	if total > 0 {
		status.CompletenessRatio = float64(count) / float64(total)
	}
	return status, nil
}

// Inspect returns the diagnostic view of the index internals.
func (s *Service) Inspect(ctx context.Context) (*Inspection, error) {
	insp := &Inspection{
		DBPath:     s.store.Path(),
		Driver:     vecstore.DriverName,
		BuildMode:  vecstore.BuildMode,
		QueueDepth: s.queue.Depth(),
		Strategy:   s.queue.Strategy(),
	}
	if meta, ok := s.store.Meta(); ok {
		insp.SchemaReady = true
		insp.EmbeddingModel = meta.Model
		insp.Dimension = meta.Dimension
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	insp.RecordCount = count
	return insp, nil
}

// Reset drops all records and the schema, returning the index to its
// uninitialized state.
func (s *Service) Reset(ctx context.Context) error {
	s.schemaMu.Lock()
	s.schemaReady = false
	s.schemaMu.Unlock()
	return s.store.Reset(ctx)
}

// SemanticSearch embeds the query and returns the closest notes.
func (s *Service) SemanticSearch(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return s.searcher.SemanticSearch(ctx, query, opts)
}

// FindSimilar returns the notes closest to an already indexed note.
func (s *Service) FindSimilar(ctx context.Context, reference string, limit int, excludeSelf bool) ([]search.Result, error) {
	return s.searcher.FindSimilar(ctx, reference, limit, excludeSelf)
}

// FindDuplicates groups near-identical notes.
func (s *Service) FindDuplicates(ctx context.Context, opts search.DuplicateOptions) ([]search.Group, error) {
	return s.searcher.FindDuplicates(ctx, opts)
}

// NoteChanged routes a create/edit notification into the queue. Under
// the batch strategy a full batch triggers an inline drain.
func (s *Service) NoteChanged(ctx context.Context, identity string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if err := s.queue.EnqueueIndex(ctx, identity, false); err != nil {
		return err
	}
	return s.maybeDrain(ctx)
}

// NoteRemoved routes a delete notification into the queue.
func (s *Service) NoteRemoved(ctx context.Context, identity string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if err := s.queue.EnqueueDelete(ctx, identity); err != nil {
		return err
	}
	return s.maybeDrain(ctx)
}

func (s *Service) maybeDrain(ctx context.Context) error {
	if s.queue.Strategy() != queue.StrategyBatch || s.queue.Depth() < s.cfg.BatchSize {
		return nil
	}
	result, err := s.queue.ProcessBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	s.logBatch(result)
	return nil
}

// ProcessPending drains up to maxTasks queued tasks; zero drains all.
func (s *Service) ProcessPending(ctx context.Context, maxTasks int) (*queue.BatchResult, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s.queue.ProcessBatch(ctx, maxTasks)
}

// QueueDepth returns the number of pending index tasks.
func (s *Service) QueueDepth() int {
	return s.queue.Depth()
}

// StartWatcher begins translating vault file events into queue tasks.
// Under the background strategy it also starts the periodic drainer.
func (s *Service) StartWatcher(ctx context.Context) error {
	if s.watcher != nil {
		return errors.New("watcher already started")
	}

	s.watcher = vault.NewWatcher(s.vault,
		func(identity string) {
			if err := s.NoteChanged(ctx, identity); err != nil {
				s.logger.Warn("failed to enqueue changed note",
					zap.String("identity", identity),
					zap.Error(err))
			}
		},
		func(identity string) {
			if err := s.NoteRemoved(ctx, identity); err != nil {
				s.logger.Warn("failed to enqueue removed note",
					zap.String("identity", identity),
					zap.Error(err))
			}
		},
		s.logger)
	if err := s.watcher.Start(ctx); err != nil {
		s.watcher = nil
		return err
	}

	if s.queue.Strategy() == queue.StrategyBackground {
		s.StartBackground(ctx)
	}
	return nil
}

// StartBackground starts the periodic queue drainer used by the
// background strategy. The interval comes from batch_timeout.
func (s *Service) StartBackground(ctx context.Context) {
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(time.Duration(s.cfg.BatchTimeout)), cron.FuncJob(func() {
		result, err := s.queue.ProcessBatch(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("background drain failed", zap.Error(err))
			return
		}
		s.logBatch(result)
	}))
	s.cron.Start()
}

// StopBackground stops the periodic drainer if it is running.
func (s *Service) StopBackground() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Service) logBatch(result *queue.BatchResult) {
	if result.Processed == 0 && result.Skipped == 0 && len(result.Errors) == 0 {
		return
	}
	s.logger.Info("queue drained",
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
}
