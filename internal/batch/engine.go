package batch

import (
	"fmt"
	"sync"

	"github.com/zombor/expense-scanner/internal/scanning"
)

// Defaults for the engine configuration
const (
	DefaultConcurrencyLimit = 3
	DefaultMaxBatchSize     = 20
)

// Config carries the per-engine knobs. Both values are fixed for the
// lifetime of a job once a batch starts.
type Config struct {
	// ConcurrencyLimit caps how many tasks may be uploading or processing
	// at the same time
	ConcurrencyLimit int
	// MaxBatchSize caps how many images one submission may carry. Zero
	// disables the cap.
	MaxBatchSize int
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.MaxBatchSize < 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	return c
}

// Engine converts batches of receipt images into transactions with bounded
// parallelism, live per-task progress, isolated failures, cooperative
// cancellation, and selective retry. One engine processes one batch at a
// time; a new submission starts a fresh job once the previous one is done.
type Engine struct {
	extractor scanning.Extractor
	cfg       Config
	store     *Store

	mu    sync.Mutex
	sched *Scheduler
}

// New creates an engine backed by the given extractor
func New(extractor scanning.Extractor, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		extractor: extractor,
		cfg:       cfg,
		store:     NewStore(cfg.MaxBatchSize),
	}
}

// NewWithStore creates an engine over a pre-built store, for tests that need
// to control id generation
func NewWithStore(extractor scanning.Extractor, cfg Config, store *Store) *Engine {
	return &Engine{
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		store:     store,
	}
}

// StartProcessing submits one batch of images. It returns a channel that
// resolves exactly once with the per-task outcomes (in submission order) when
// every task is terminal, or when cancellation has taken effect and in-flight
// work has drained. Extraction failures never surface here; they become
// per-task error outcomes. Only structurally invalid input fails the call.
func (e *Engine) StartProcessing(images []Image, currency, hint string) (<-chan []TaskOutcome, error) {
	if currency == "" {
		return nil, fmt.Errorf("currency is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.store.Submit(len(images))
	if err != nil {
		return nil, err
	}

	// Settlement is scoped to this job's generation: if the batch is
	// cancelled and replaced before in-flight work drains, the old job's
	// channel resolves empty instead of leaking the new job's outcomes
	gen := e.store.jobGeneration()
	done := make(chan []TaskOutcome, 1)
	var once sync.Once
	settle := func() {
		once.Do(func() {
			done <- e.store.terminalOutcomesForJob(gen)
		})
	}

	sched := NewScheduler(e.store, e.extractor, e.cfg.ConcurrencyLimit, currency, hint, settle)
	e.sched = sched

	items := make([]pendingItem, len(images))
	for i, image := range images {
		items[i] = pendingItem{id: ids[i], image: image}
	}
	sched.Start(items)

	return done, nil
}

// Cancel requests cancellation of the running batch. No new work is
// dispatched after the request; tasks already handed to the extractor run to
// completion and their results still land. Idempotent; a no-op when no batch
// is running.
func (e *Engine) Cancel() {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()

	e.store.Cancel()
	if sched != nil {
		sched.Kick()
	}
}

// Retry re-admits a single errored task with a (possibly re-encoded) image
// payload. Every other task is untouched. The returned channel resolves
// exactly once with the task's next terminal outcome. Fails with
// ErrInvalidTaskState if the id is unknown, the task is not errored, or the
// job was cancelled.
func (e *Engine) Retry(id string, image Image) (<-chan TaskOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sched == nil {
		return nil, ErrInvalidTaskState
	}
	if err := e.store.ResetForRetry(id); err != nil {
		return nil, err
	}

	done := e.store.AwaitTask(id)
	e.sched.Enqueue(pendingItem{id: id, image: image})
	return done, nil
}

// Snapshot returns the current immutable view of the job
func (e *Engine) Snapshot() Snapshot {
	return e.store.Snapshot()
}

// Subscribe registers an observer of job snapshots; the returned func
// unsubscribes
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	return e.store.Subscribe()
}

// SuccessfulTransactions returns all extracted transactions in submission
// order
func (e *Engine) SuccessfulTransactions() []scanning.Transaction {
	return e.store.Snapshot().SuccessfulTransactions()
}

// FailedTasks returns all errored tasks in submission order
func (e *Engine) FailedTasks() []FailedTask {
	return e.store.Snapshot().FailedTasks()
}
