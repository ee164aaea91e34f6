package batch

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/expense-scanner/internal/scanning"
)

// seqIDGenerator is a deterministic IDGenerator for specs
type seqIDGenerator struct {
	next int
}

func (g *seqIDGenerator) Generate() string {
	g.next++
	return fmt.Sprintf("task-%d", g.next)
}

var _ = Describe("Store", func() {
	var store *Store

	BeforeEach(func() {
		store = NewStoreWithDeps(0, &seqIDGenerator{})
	})

	Describe("Submit", func() {
		When("submitting three images", func() {
			var (
				ids []string
				err error
			)

			JustBeforeEach(func() {
				ids, err = store.Submit(3)
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("creates one pending task per image in input order", func() {
				snap := store.Snapshot()
				Expect(snap.Tasks).To(HaveLen(3))
				for i, task := range snap.Tasks {
					Expect(task.Index).To(Equal(i))
					Expect(task.Status).To(Equal(StatusPending))
					Expect(task.Progress).To(Equal(0))
					Expect(task.Result).To(BeNil())
					Expect(task.Error).To(BeEmpty())
				}
			})

			It("assigns fresh unique ids", func() {
				Expect(ids).To(Equal([]string{"task-1", "task-2", "task-3"}))
			})

			It("moves the job to the running phase", func() {
				Expect(store.Snapshot().Phase).To(Equal(PhaseRunning))
			})

			It("rejects a second submission while running", func() {
				_, err := store.Submit(1)
				Expect(err).To(MatchError(ErrBatchRunning))
			})
		})

		When("the store enforces a maximum batch size", func() {
			BeforeEach(func() {
				store = NewStoreWithDeps(2, &seqIDGenerator{})
			})

			It("rejects oversized submissions", func() {
				_, err := store.Submit(3)
				Expect(err).To(MatchError(ErrBatchTooLarge))
			})

			It("accepts submissions at the cap", func() {
				_, err := store.Submit(2)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("submitting an empty batch", func() {
			JustBeforeEach(func() {
				_, _ = store.Submit(0)
			})

			It("completes immediately", func() {
				snap := store.Snapshot()
				Expect(snap.Phase).To(Equal(PhaseCompleted))
				Expect(snap.IsComplete).To(BeTrue())
				Expect(snap.Summary.Total).To(Equal(0))
				Expect(snap.Summary.PercentComplete).To(Equal(0))
			})

			It("allows a new submission right away", func() {
				_, err := store.Submit(1)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("status transitions", func() {
		var ids []string

		BeforeEach(func() {
			var err error
			ids, err = store.Submit(2)
			Expect(err).NotTo(HaveOccurred())
		})

		It("walks a task through its lifecycle with progress milestones", func() {
			store.MarkUploading(ids[0])
			Expect(store.Snapshot().Tasks[0].Status).To(Equal(StatusUploading))
			Expect(store.Snapshot().Tasks[0].Progress).To(Equal(10))

			store.MarkProcessing(ids[0])
			Expect(store.Snapshot().Tasks[0].Status).To(Equal(StatusProcessing))
			Expect(store.Snapshot().Tasks[0].Progress).To(Equal(50))

			store.MarkReady(ids[0], &scanning.Transaction{Title: "CVS"})
			task := store.Snapshot().Tasks[0]
			Expect(task.Status).To(Equal(StatusReady))
			Expect(task.Progress).To(Equal(100))
			Expect(task.Result.Title).To(Equal("CVS"))
			Expect(task.Error).To(BeEmpty())
		})

		It("records an error with its message", func() {
			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkError(ids[0], "network timeout")

			task := store.Snapshot().Tasks[0]
			Expect(task.Status).To(Equal(StatusError))
			Expect(task.Error).To(Equal("network timeout"))
			Expect(task.Result).To(BeNil())
		})

		It("panics on an illegal transition", func() {
			Expect(func() {
				store.MarkProcessing(ids[0]) // pending -> processing skips uploading
			}).To(Panic())
		})

		It("panics on a transition for an unknown task", func() {
			Expect(func() {
				store.MarkUploading("no-such-task")
			}).To(Panic())
		})

		It("panics when completing a task that is not processing", func() {
			Expect(func() {
				store.MarkReady(ids[0], &scanning.Transaction{})
			}).To(Panic())
		})

		It("recomputes the summary from the full collection on every mutation", func() {
			store.MarkUploading(ids[0])
			summary := store.Snapshot().Summary
			Expect(summary.Pending).To(Equal(1))
			Expect(summary.Uploading).To(Equal(1))
			Expect(summary.Total).To(Equal(2))
			Expect(summary.Pending + summary.Uploading + summary.Processing + summary.Ready + summary.Error).To(Equal(summary.Total))

			store.MarkProcessing(ids[0])
			store.MarkReady(ids[0], &scanning.Transaction{})
			summary = store.Snapshot().Summary
			Expect(summary.Ready).To(Equal(1))
			Expect(summary.PercentComplete).To(Equal(50))
		})
	})

	Describe("ResetForRetry", func() {
		var ids []string

		BeforeEach(func() {
			var err error
			ids, err = store.Submit(2)
			Expect(err).NotTo(HaveOccurred())

			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkError(ids[0], "bad scan")
			store.MarkUploading(ids[1])
			store.MarkProcessing(ids[1])
			store.MarkReady(ids[1], &scanning.Transaction{Title: "Target"})
		})

		It("re-admits the errored task with cleared fields and the same identity", func() {
			Expect(store.ResetForRetry(ids[0])).To(Succeed())

			task := store.Snapshot().Tasks[0]
			Expect(task.ID).To(Equal(ids[0]))
			Expect(task.Index).To(Equal(0))
			Expect(task.Status).To(Equal(StatusPending))
			Expect(task.Progress).To(Equal(0))
			Expect(task.Error).To(BeEmpty())
			Expect(task.Result).To(BeNil())
		})

		It("leaves the sibling task untouched", func() {
			before := store.Snapshot().Tasks[1]
			Expect(store.ResetForRetry(ids[0])).To(Succeed())
			Expect(store.Snapshot().Tasks[1]).To(Equal(before))
		})

		It("re-opens completion until the task resolves again", func() {
			Expect(store.Snapshot().IsComplete).To(BeTrue())
			Expect(store.ResetForRetry(ids[0])).To(Succeed())
			Expect(store.Snapshot().IsComplete).To(BeFalse())
			Expect(store.Snapshot().Phase).To(Equal(PhaseRunning))

			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkReady(ids[0], &scanning.Transaction{})
			Expect(store.Snapshot().IsComplete).To(BeTrue())
		})

		It("rejects a task that is not errored", func() {
			Expect(store.ResetForRetry(ids[1])).To(MatchError(ErrInvalidTaskState))
		})

		It("rejects an unknown id", func() {
			Expect(store.ResetForRetry("no-such-task")).To(MatchError(ErrInvalidTaskState))
		})

		It("rejects retries after cancellation", func() {
			ids, err := store.Submit(2)
			Expect(err).NotTo(HaveOccurred())
			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkError(ids[0], "bad scan")

			store.Cancel()
			Expect(store.ResetForRetry(ids[0])).To(MatchError(ErrInvalidTaskState))
		})
	})

	Describe("Cancel", func() {
		When("a job is running", func() {
			BeforeEach(func() {
				_, err := store.Submit(2)
				Expect(err).NotTo(HaveOccurred())
			})

			It("moves the job to the cancelled phase", func() {
				store.Cancel()
				Expect(store.Snapshot().Phase).To(Equal(PhaseCancelled))
				Expect(store.CancelRequested()).To(BeTrue())
				Expect(store.Snapshot().IsComplete).To(BeFalse())
			})

			It("is idempotent", func() {
				store.Cancel()
				store.Cancel()
				Expect(store.Snapshot().Phase).To(Equal(PhaseCancelled))
			})

			It("stays sticky even when remaining tasks resolve", func() {
				ids := []string{"task-1", "task-2"}
				store.Cancel()

				for _, id := range ids {
					store.MarkUploading(id)
					store.MarkProcessing(id)
					store.MarkReady(id, &scanning.Transaction{})
				}
				Expect(store.Snapshot().Phase).To(Equal(PhaseCancelled))
				Expect(store.Snapshot().IsComplete).To(BeFalse())
			})
		})

		When("no job is running", func() {
			It("is a no-op on an idle store", func() {
				store.Cancel()
				Expect(store.Snapshot().Phase).To(Equal(PhaseIdle))
				Expect(store.CancelRequested()).To(BeFalse())
			})

			It("is a no-op on a completed job", func() {
				ids, err := store.Submit(1)
				Expect(err).NotTo(HaveOccurred())
				store.MarkUploading(ids[0])
				store.MarkProcessing(ids[0])
				store.MarkReady(ids[0], &scanning.Transaction{})

				store.Cancel()
				Expect(store.Snapshot().Phase).To(Equal(PhaseCompleted))
				Expect(store.CancelRequested()).To(BeFalse())
			})
		})

		It("starts a fresh job with a fresh flag", func() {
			_, err := store.Submit(1)
			Expect(err).NotTo(HaveOccurred())
			store.Cancel()
			Expect(store.CancelRequested()).To(BeTrue())

			_, err = store.Submit(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.CancelRequested()).To(BeFalse())
			Expect(store.Snapshot().Phase).To(Equal(PhaseRunning))
		})
	})

	Describe("AwaitTask", func() {
		var ids []string

		BeforeEach(func() {
			var err error
			ids, err = store.Submit(1)
			Expect(err).NotTo(HaveOccurred())
		})

		It("resolves when the task reaches a terminal state", func() {
			done := store.AwaitTask(ids[0])

			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkError(ids[0], "boom")

			var outcome TaskOutcome
			Expect(done).To(Receive(&outcome))
			Expect(outcome.ID).To(Equal(ids[0]))
			Expect(outcome.Index).To(Equal(0))
			Expect(outcome.Success).To(BeFalse())
			Expect(outcome.Error).To(Equal("boom"))
		})

		It("resolves immediately for an already-terminal task", func() {
			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkReady(ids[0], &scanning.Transaction{Title: "Walmart"})

			done := store.AwaitTask(ids[0])

			var outcome TaskOutcome
			Expect(done).To(Receive(&outcome))
			Expect(outcome.Success).To(BeTrue())
			Expect(outcome.Result.Title).To(Equal("Walmart"))
		})
	})

	Describe("Snapshot projections", func() {
		BeforeEach(func() {
			ids, err := store.Submit(3)
			Expect(err).NotTo(HaveOccurred())

			// Complete out of submission order
			store.MarkUploading(ids[2])
			store.MarkProcessing(ids[2])
			store.MarkReady(ids[2], &scanning.Transaction{Title: "third"})

			store.MarkUploading(ids[1])
			store.MarkProcessing(ids[1])
			store.MarkError(ids[1], "unreadable")

			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])
			store.MarkReady(ids[0], &scanning.Transaction{Title: "first"})
		})

		It("orders successes by index, not completion order", func() {
			transactions := store.Snapshot().SuccessfulTransactions()
			Expect(transactions).To(HaveLen(2))
			Expect(transactions[0].Title).To(Equal("first"))
			Expect(transactions[1].Title).To(Equal("third"))
		})

		It("orders failures by index", func() {
			failed := store.Snapshot().FailedTasks()
			Expect(failed).To(HaveLen(1))
			Expect(failed[0].Index).To(Equal(1))
			Expect(failed[0].Error).To(Equal("unreadable"))
		})

		It("lists terminal outcomes in submission order", func() {
			outcomes := store.TerminalOutcomes()
			Expect(outcomes).To(HaveLen(3))
			Expect(outcomes[0].Index).To(Equal(0))
			Expect(outcomes[1].Index).To(Equal(1))
			Expect(outcomes[1].Success).To(BeFalse())
			Expect(outcomes[2].Index).To(Equal(2))
		})
	})

	Describe("Subscribe", func() {
		It("publishes a snapshot after every mutation, coalescing to the newest", func() {
			snapshots, unsubscribe := store.Subscribe()
			defer unsubscribe()

			ids, err := store.Submit(1)
			Expect(err).NotTo(HaveOccurred())
			store.MarkUploading(ids[0])
			store.MarkProcessing(ids[0])

			var snap Snapshot
			Expect(snapshots).To(Receive(&snap))
			Expect(snap.Tasks[0].Status).To(Equal(StatusProcessing))
		})

		It("stops delivering after unsubscribe", func() {
			snapshots, unsubscribe := store.Subscribe()
			unsubscribe()

			_, err := store.Submit(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshots).NotTo(Receive())
		})
	})
})
