package batch

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/zombor/expense-scanner/internal/scanning"
)

// ErrBatchRunning is returned when submitting while a batch is still active.
var ErrBatchRunning = errors.New("a batch is already running")

// ErrBatchTooLarge is returned when a submission exceeds the configured cap.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// ErrInvalidTaskState is returned when retrying a task that does not exist
// or is not in the error state.
var ErrInvalidTaskState = errors.New("task does not exist or is not retryable")

// IDGenerator generates unique IDs for tasks
type IDGenerator interface {
	Generate() string
}

// uuidGenerator generates IDs using random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// Store owns the task collection for the current batch job. It is the single
// mutation boundary: every component reads and writes task state through it,
// and the aggregate summary is recomputed from the full collection after each
// mutation rather than patched incrementally.
type Store struct {
	mu           sync.Mutex
	maxBatchSize int
	idGenerator  IDGenerator

	tasks      []*Task
	byID       map[string]*Task
	submitted  bool
	cancelled  bool
	generation int

	observers    map[int]chan Snapshot
	nextObserver int
	waiters      map[string][]chan TaskOutcome
}

// NewStore creates an empty store in the idle phase
func NewStore(maxBatchSize int) *Store {
	return NewStoreWithDeps(maxBatchSize, &uuidGenerator{})
}

// NewStoreWithDeps creates a store with a custom ID generator for testing
func NewStoreWithDeps(maxBatchSize int, idGen IDGenerator) *Store {
	return &Store{
		maxBatchSize: maxBatchSize,
		idGenerator:  idGen,
		byID:         make(map[string]*Task),
		observers:    make(map[int]chan Snapshot),
		waiters:      make(map[string][]chan TaskOutcome),
	}
}

// Submit replaces the current job with a fresh one of count pending tasks and
// returns their ids in submission order. It fails if a batch is still running
// or count exceeds the configured cap. An empty submission is accepted and
// completes immediately.
func (s *Store) Submit(count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phaseLocked() == PhaseRunning {
		return nil, ErrBatchRunning
	}
	if s.maxBatchSize > 0 && count > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, count, s.maxBatchSize)
	}

	// A cancelled job may leave retry waiters behind; resolve them before the
	// task collection is replaced so their channels still fire exactly once
	for id, chans := range s.waiters {
		if task, ok := s.byID[id]; ok {
			for _, ch := range chans {
				ch <- TaskOutcome{ID: task.ID, Index: task.Index, Error: "batch cancelled"}
			}
		}
	}

	s.generation++
	s.tasks = make([]*Task, 0, count)
	s.byID = make(map[string]*Task, count)
	s.waiters = make(map[string][]chan TaskOutcome)
	s.submitted = true
	s.cancelled = false

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		task := &Task{
			ID:     s.idGenerator.Generate(),
			Index:  i,
			Status: StatusPending,
		}
		s.tasks = append(s.tasks, task)
		s.byID[task.ID] = task
		ids = append(ids, task.ID)
	}

	s.publishLocked()
	return ids, nil
}

// MarkUploading transitions a task from pending to uploading
func (s *Store) MarkUploading(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(id, StatusUploading, nil, "")
}

// MarkProcessing transitions a task from uploading to processing
func (s *Store) MarkProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(id, StatusProcessing, nil, "")
}

// MarkReady transitions a task to the ready terminal state with its result
func (s *Store) MarkReady(id string, result *scanning.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(id, StatusReady, result, "")
}

// MarkError transitions a task to the error terminal state with a message
func (s *Store) MarkError(id string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(id, StatusError, nil, message)
}

// markFromJob applies a transition reported by the scheduler driving job gen.
// When gen no longer identifies the live job (the batch was replaced after
// cancellation while this task was in flight) the mark is dropped: the old
// job's work may still finish, but its results are never surfaced. Reports
// whether the mark was applied.
func (s *Store) markFromJob(gen int, id string, to Status, result *scanning.Transaction, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return false
	}
	s.markLocked(id, to, result, message)
	return true
}

// markLocked applies one transition with its milestone progress and
// result/error bookkeeping, resolving terminal waiters
func (s *Store) markLocked(id string, to Status, result *scanning.Transaction, message string) {
	task := s.transitionLocked(id, to)
	switch to {
	case StatusUploading:
		task.Progress = progressUploading
	case StatusProcessing:
		task.Progress = progressProcessing
	case StatusReady:
		task.Progress = progressDone
		task.Result = result
		task.Error = ""
	case StatusError:
		task.Progress = progressDone
		task.Result = nil
		task.Error = message
	}
	if to.IsTerminal() {
		s.resolveWaitersLocked(task)
	}
	s.publishLocked()
}

// ResetForRetry re-admits a single errored task to the pending state, leaving
// every other task untouched. The task keeps its id and index.
func (s *Store) ResetForRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok || task.Status != StatusError {
		return ErrInvalidTaskState
	}
	if s.cancelled {
		return ErrInvalidTaskState
	}

	s.transitionLocked(id, StatusPending)
	task.Progress = progressPending
	task.Result = nil
	task.Error = ""
	s.publishLocked()
	return nil
}

// Cancel requests cancellation of the running job. It is idempotent and a
// no-op for idle, completed, or already-cancelled jobs. Once set the flag is
// never cleared for this job.
func (s *Store) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phaseLocked() != PhaseRunning {
		return
	}
	s.cancelled = true
	s.publishLocked()
}

// CancelRequested reports whether cancellation is in effect for this job
func (s *Store) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// jobGeneration identifies the job created by the most recent accepted
// Submit. Scheduler mutations are tagged with it so work left over from a
// replaced job cannot touch the live one.
func (s *Store) jobGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// dispatchBlocked reports whether job gen must stop dispatching new work:
// cancellation is in effect, or the job has been replaced by a newer one
func (s *Store) dispatchBlocked(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled || gen != s.generation
}

// Snapshot returns an immutable copy of all tasks plus the derived summary
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers an observer channel that receives snapshots after every
// mutation. The channel never blocks the store: a stale unread snapshot is
// replaced by the newest one. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserver
	s.nextObserver++
	ch := make(chan Snapshot, 1)
	s.observers[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
	return ch, unsubscribe
}

// AwaitTask returns a channel that receives the task's next terminal outcome.
// The channel resolves exactly once.
func (s *Store) AwaitTask(id string) <-chan TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan TaskOutcome, 1)
	task, ok := s.byID[id]
	if ok && task.Status.IsTerminal() {
		ch <- outcomeOf(task)
		return ch
	}
	s.waiters[id] = append(s.waiters[id], ch)
	return ch
}

// TerminalOutcomes returns the outcomes of all tasks that have reached a
// terminal state, in original submission order
func (s *Store) TerminalOutcomes() []TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalOutcomesLocked()
}

// terminalOutcomesForJob returns the terminal outcomes if gen still
// identifies the live job, or nil when the job has been replaced: a replaced
// job surfaces nothing
func (s *Store) terminalOutcomesForJob(gen int) []TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return nil
	}
	return s.terminalOutcomesLocked()
}

func (s *Store) terminalOutcomesLocked() []TaskOutcome {
	outcomes := make([]TaskOutcome, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Status.IsTerminal() {
			outcomes = append(outcomes, outcomeOf(task))
		}
	}
	return outcomes
}

// transitionLocked validates and applies one state machine edge. An illegal
// edge is a scheduler defect, not a runtime case, so it panics.
func (s *Store) transitionLocked(id string, to Status) *Task {
	task, ok := s.byID[id]
	if !ok {
		panic(fmt.Sprintf("batch: transition for unknown task %q", id))
	}
	if !isValidTransition(task.Status, to) {
		panic(fmt.Sprintf("batch: invalid transition %s -> %s for task %q", task.Status, to, id))
	}
	task.Status = to
	return task
}

func (s *Store) resolveWaitersLocked(task *Task) {
	for _, ch := range s.waiters[task.ID] {
		ch <- outcomeOf(task)
	}
	delete(s.waiters, task.ID)
}

func (s *Store) publishLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.observers {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot and deliver the newest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) snapshotLocked() Snapshot {
	tasks := make([]Task, len(s.tasks))
	summary := Summary{Total: len(s.tasks)}
	for i, task := range s.tasks {
		tasks[i] = *task
		switch task.Status {
		case StatusPending:
			summary.Pending++
		case StatusUploading:
			summary.Uploading++
		case StatusProcessing:
			summary.Processing++
		case StatusReady:
			summary.Ready++
		case StatusError:
			summary.Error++
		}
	}
	if summary.Total > 0 {
		summary.PercentComplete = int(math.Round(100 * float64(summary.Ready+summary.Error) / float64(summary.Total)))
	}

	return Snapshot{
		Tasks:      tasks,
		Summary:    summary,
		Phase:      s.phaseLocked(),
		IsComplete: s.submitted && !s.cancelled && s.allTerminalLocked(),
	}
}

// phaseLocked derives the job phase. Completion is a continuously recomputed
// predicate, not a latch: a retry re-opens the job until the retried task
// resolves. Cancellation is sticky and overrides completion.
func (s *Store) phaseLocked() Phase {
	switch {
	case !s.submitted:
		return PhaseIdle
	case s.cancelled:
		return PhaseCancelled
	case s.allTerminalLocked():
		return PhaseCompleted
	default:
		return PhaseRunning
	}
}

func (s *Store) allTerminalLocked() bool {
	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func outcomeOf(task *Task) TaskOutcome {
	return TaskOutcome{
		ID:      task.ID,
		Index:   task.Index,
		Success: task.Status == StatusReady,
		Result:  task.Result,
		Error:   task.Error,
	}
}
