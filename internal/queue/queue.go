// Package queue decouples change detection from embedding work. Callers
// enqueue per-note tasks and a strategy decides whether each task is
// dispatched on the spot or drained later in batches.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quiver-kb/quiver/internal/embedding"
	"github.com/quiver-kb/quiver/internal/vault"
	"github.com/quiver-kb/quiver/internal/vecstore"
)

// Strategy selects when enqueued tasks are executed.
type Strategy string

const (
	// StrategyImmediate executes each task synchronously inside Enqueue.
	StrategyImmediate Strategy = "immediate"
	// StrategyBatch holds tasks until the caller drains them with ProcessBatch.
	StrategyBatch Strategy = "batch"
	// StrategyBackground holds tasks for a periodic drain loop.
	StrategyBackground Strategy = "background"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyImmediate, StrategyBatch, StrategyBackground:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown auto-index strategy %q (want immediate, batch, or background)", s)
	}
}

// Op is the kind of work a task carries.
type Op int

const (
	// OpIndex embeds a note and upserts its record.
	OpIndex Op = iota
	// OpDelete removes a note's record.
	OpDelete
)

// Task is one unit of pending index work for a single note.
type Task struct {
	Identity   string
	Op         Op
	Force      bool
	EnqueuedAt time.Time
}

// TaskError records a single task failure inside a batch.
type TaskError struct {
	Identity string
	Message  string
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Processed int
	Skipped   int
	Errors    []TaskError
}

// Queue holds at most one pending task per note identity. Re-enqueueing an
// identity replaces the pending task's operation and timestamp in place, so
// a note keeps its original drain position however often it changes.
type Queue struct {
	strategy Strategy
	vault    *vault.Vault
	provider embedding.Provider
	store    *vecstore.Store
	logger   *zap.Logger

	mu         sync.Mutex
	tasks      []*Task
	byIdentity map[string]*Task
}

// New creates a queue bound to its collaborators.
func New(strategy Strategy, v *vault.Vault, p embedding.Provider, s *vecstore.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		strategy:   strategy,
		vault:      v,
		provider:   p,
		store:      s,
		logger:     logger,
		byIdentity: make(map[string]*Task),
	}
}

// Strategy returns the configured dispatch strategy.
func (q *Queue) Strategy() Strategy {
	return q.strategy
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// EnqueueIndex registers a note for (re-)indexing. Under the immediate
// strategy the task runs before Enqueue returns and its error is surfaced
// directly; otherwise the task is queued and the call never fails.
func (q *Queue) EnqueueIndex(ctx context.Context, identity string, force bool) error {
	return q.enqueue(ctx, &Task{
		Identity:   identity,
		Op:         OpIndex,
		Force:      force,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueDelete registers removal of a note's record.
func (q *Queue) EnqueueDelete(ctx context.Context, identity string) error {
	return q.enqueue(ctx, &Task{
		Identity:   identity,
		Op:         OpDelete,
		EnqueuedAt: time.Now(),
	})
}

func (q *Queue) enqueue(ctx context.Context, task *Task) error {
	if q.strategy == StrategyImmediate {
		_, err := q.run(ctx, task)
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.byIdentity[task.Identity]; ok {
		existing.Op = task.Op
		existing.Force = existing.Force || task.Force
		existing.EnqueuedAt = task.EnqueuedAt
		return nil
	}
	q.tasks = append(q.tasks, task)
	q.byIdentity[task.Identity] = task
	return nil
}

func (q *Queue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	delete(q.byIdentity, task.Identity)
	return task
}

// ProcessBatch drains up to maxTasks pending tasks in FIFO order. A
// maxTasks of zero or less drains everything pending. Each task failure
// is collected and the batch continues; only context cancellation stops
// the drain early, leaving undrained tasks queued.
func (q *Queue) ProcessBatch(ctx context.Context, maxTasks int) (*BatchResult, error) {
	result := &BatchResult{}
	taken := 0
	for maxTasks <= 0 || taken < maxTasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		task := q.pop()
		if task == nil {
			break
		}
		taken++

		skipped, err := q.run(ctx, task)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, TaskError{
				Identity: task.Identity,
				Message:  err.Error(),
			})
			q.logger.Warn("index task failed",
				zap.String("identity", task.Identity),
				zap.Error(err))
		case skipped:
			result.Skipped++
		default:
			result.Processed++
		}
	}
	return result, nil
}

// run executes a single task. For index tasks the stored content hash
// short-circuits unchanged notes unless the task is forced; a note that
// vanished between enqueue and drain degrades into a delete.
func (q *Queue) run(ctx context.Context, task *Task) (skipped bool, err error) {
	if task.Op == OpDelete {
		return false, q.store.Delete(ctx, task.Identity)
	}

	text, err := q.vault.ReadText(task.Identity)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, q.store.Delete(ctx, task.Identity)
		}
		return false, fmt.Errorf("read %s: %w", task.Identity, err)
	}

	hash := vault.ContentHash(text)
	if !task.Force {
		if rec, getErr := q.store.Get(ctx, task.Identity); getErr == nil && rec.ContentHash == hash {
			return true, nil
		}
	}

	vec, err := q.provider.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embed %s: %w", task.Identity, err)
	}
	if _, err := q.store.Upsert(ctx, task.Identity, hash, vec); err != nil {
		return false, fmt.Errorf("upsert %s: %w", task.Identity, err)
	}
	return false, nil
}
