package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/expense-scanner/internal/scanning"
)

// errBatchReplaced means the scheduler's job was replaced by a newer
// submission while this task was still queued or in flight. The task is
// dropped without surfacing anything.
var errBatchReplaced = errors.New("batch replaced")

// pendingItem pairs a queued task with the image payload to extract from.
// Retries may carry a different payload than the original submission.
type pendingItem struct {
	id    string
	image Image
}

// Scheduler keeps up to limit tasks in flight against the extractor, drawing
// from a FIFO pending queue and refilling each slot as it frees. It holds no
// task state of its own; every status change goes through the store, tagged
// with the generation of the job this scheduler drives so leftover work from
// a replaced job can never touch the live one.
//
// One scheduler drives one batch job.
type Scheduler struct {
	store     *Store
	extractor scanning.Extractor
	gen       int
	limit     int
	currency  string
	hint      string

	// onSettled fires whenever the scheduler drains: no work in flight and
	// either nothing left to dispatch or cancellation in effect. It may fire
	// more than once across retries; callers guard single-resolution.
	onSettled func()

	mu       sync.Mutex
	queue    []pendingItem
	inFlight int
}

// NewScheduler creates a scheduler bound to the store's current job
func NewScheduler(store *Store, extractor scanning.Extractor, limit int, currency, hint string, onSettled func()) *Scheduler {
	return &Scheduler{
		store:     store,
		extractor: extractor,
		gen:       store.jobGeneration(),
		limit:     limit,
		currency:  currency,
		hint:      hint,
		onSettled: onSettled,
	}
}

// Start enqueues the initial batch in submission order and begins dispatching
func (s *Scheduler) Start(items []pendingItem) {
	s.mu.Lock()
	s.queue = append(s.queue, items...)
	s.mu.Unlock()
	s.fill()
}

// Enqueue re-admits a retried task at the back of the pending queue and
// restarts dispatch if the scheduler had drained
func (s *Scheduler) Enqueue(item pendingItem) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.fill()
}

// Kick re-evaluates the dispatch window. Called after cancellation so a
// drained scheduler still reports settlement.
func (s *Scheduler) Kick() {
	s.fill()
}

// fill dispatches pending tasks until the concurrency window is full, the
// queue is empty, or dispatch is blocked (cancellation, or this job was
// replaced). The check happens before each dispatch; work already in flight
// is left to finish.
func (s *Scheduler) fill() {
	for {
		blocked := s.store.dispatchBlocked(s.gen)

		s.mu.Lock()
		if blocked || s.inFlight >= s.limit || len(s.queue) == 0 {
			settled := s.inFlight == 0 && (blocked || len(s.queue) == 0)
			s.mu.Unlock()
			if settled && s.onSettled != nil {
				s.onSettled()
			}
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.inFlight++
		s.mu.Unlock()

		go s.run(item)
	}
}

// run drives one task to a terminal state. Extraction failures of any kind
// are contained here and recorded as the task's error; they never abort
// sibling tasks or the scheduler loop.
func (s *Scheduler) run(item pendingItem) {
	result, err := s.extract(item)
	switch {
	case errors.Is(err, errBatchReplaced):
		// Nothing to record; the task belonged to a job that no longer exists
	case err != nil:
		slog.Error("Task extraction failed", "task_id", item.id, "error", err)
		s.store.markFromJob(s.gen, item.id, StatusError, nil, err.Error())
	default:
		s.store.markFromJob(s.gen, item.id, StatusReady, result, "")
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	s.fill()
}

// extract runs the extractor for one task, converting panics into errors so
// a misbehaving extractor cannot take down the batch
func (s *Scheduler) extract(item pendingItem) (result *scanning.Transaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction panic: %v", r)
		}
	}()

	if !s.store.markFromJob(s.gen, item.id, StatusUploading, nil, "") {
		return nil, errBatchReplaced
	}
	// The extractor has no separate upload acknowledgement, so the task is
	// considered processing as soon as it is handed over
	s.store.markFromJob(s.gen, item.id, StatusProcessing, nil, "")

	return s.extractor.Extract(context.Background(), item.image.Data, item.image.ContentType, s.currency, s.hint)
}
