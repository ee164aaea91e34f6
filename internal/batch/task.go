package batch

import "github.com/zombor/expense-scanner/internal/scanning"

// Status is the processing state of a single task
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that represent a final state
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

// Phase is the lifecycle state of a batch job
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCancelled Phase = "cancelled"
	PhaseCompleted Phase = "completed"
)

// Progress milestones applied on each status transition. The progress field
// is advisory; the extractor gives no finer-grained signal.
const (
	progressPending    = 0
	progressUploading  = 10
	progressProcessing = 50
	progressDone       = 100
)

// Image is the per-task payload handed to the extractor
type Image struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Task represents one receipt image being converted into a transaction.
// ID and Index never change after creation, including across retries.
type Task struct {
	ID       string                `json:"id"`
	Index    int                   `json:"index"`
	Status   Status                `json:"status"`
	Progress int                   `json:"progress"`
	Result   *scanning.Transaction `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Summary is the aggregate view over all tasks, recomputed from the full
// collection on every mutation
type Summary struct {
	Pending         int `json:"pending"`
	Uploading       int `json:"uploading"`
	Processing      int `json:"processing"`
	Ready           int `json:"ready"`
	Error           int `json:"error"`
	Total           int `json:"total"`
	PercentComplete int `json:"percent_complete"`
}

// Snapshot is an immutable view of the job at one point in time
type Snapshot struct {
	Tasks      []Task  `json:"tasks"`
	Summary    Summary `json:"summary"`
	Phase      Phase   `json:"phase"`
	IsComplete bool    `json:"is_complete"`
}

// TaskOutcome is the eventual terminal result for a single task
type TaskOutcome struct {
	ID      string                `json:"id"`
	Index   int                   `json:"index"`
	Success bool                  `json:"success"`
	Result  *scanning.Transaction `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// FailedTask describes an errored task for retry prompts
type FailedTask struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

// isValidTransition enforces the allowed task state machine edges
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReady || to == StatusError
	case StatusError:
		return to == StatusPending
	default:
		return false
	}
}

// SuccessfulTransactions returns the results of all ready tasks in original
// submission order, regardless of completion order
func (s Snapshot) SuccessfulTransactions() []scanning.Transaction {
	transactions := make([]scanning.Transaction, 0, len(s.Tasks))
	for _, task := range s.Tasks {
		if task.Status == StatusReady && task.Result != nil {
			transactions = append(transactions, *task.Result)
		}
	}
	return transactions
}

// FailedTasks returns all errored tasks in original submission order
func (s Snapshot) FailedTasks() []FailedTask {
	failed := make([]FailedTask, 0, len(s.Tasks))
	for _, task := range s.Tasks {
		if task.Status == StatusError {
			failed = append(failed, FailedTask{
				ID:    task.ID,
				Index: task.Index,
				Error: task.Error,
			})
		}
	}
	return failed
}
