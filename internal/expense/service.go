package expense

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zombor/expense-scanner/internal/batch"
	"github.com/zombor/expense-scanner/internal/scanning"
)

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates IDs using UnixNano timestamp
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// UploadedReceipt is one receipt file received from the caller
type UploadedReceipt struct {
	Filename    string
	Data        []byte
	ContentType string
}

// storedImage remembers where a task's uploaded file landed so a successful
// extraction can be linked back to it
type storedImage struct {
	path        string
	contentType string
}

// Service drives batches of receipts through the extraction engine and
// persists the resulting expenses
type Service struct {
	db          DB
	engine      *batch.Engine
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource

	mu     sync.Mutex
	images map[string]storedImage // task id -> stored upload
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, engine *batch.Engine, storage Storage) *Service {
	return NewServiceWithDeps(db, engine, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, engine *batch.Engine, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		engine:      engine,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		images:      make(map[string]storedImage),
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	// Remove special characters, keep only alphanumeric, spaces, hyphens, and underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")

	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(base, " ")

	base = strings.TrimSpace(base)

	// Truncate to reasonable length (50 chars for base, plus extension)
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// StartBatch stores the uploaded receipts, submits them to the engine as one
// batch, and saves an expense record for every task that extracts
// successfully once the batch settles. Per-task extraction failures never
// fail this call; they surface in the snapshot for selective retry.
func (s *Service) StartBatch(files []UploadedReceipt, currency, receiptType string) (batch.Snapshot, error) {
	images := make([]batch.Image, len(files))
	stored := make([]storedImage, len(files))
	for i, file := range files {
		cleanFilename := sanitizeFilename(file.Filename)
		savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", s.idGenerator.Generate(), cleanFilename), file.Data)
		if err != nil {
			return batch.Snapshot{}, fmt.Errorf("saving file %q: %w", file.Filename, err)
		}
		images[i] = batch.Image{
			Data:        file.Data,
			ContentType: file.ContentType,
			Filename:    savedPath,
		}
		stored[i] = storedImage{path: savedPath, contentType: file.ContentType}
	}

	done, err := s.engine.StartProcessing(images, currency, receiptType)
	if err != nil {
		// Clean up the saved files since the batch was rejected
		for _, image := range stored {
			if deleteErr := s.storage.Delete(image.path); deleteErr != nil {
				slog.Warn("Failed to delete file", "filename", image.path, "error", deleteErr)
			}
		}
		return batch.Snapshot{}, err
	}

	snap := s.engine.Snapshot()

	s.mu.Lock()
	s.images = make(map[string]storedImage, len(snap.Tasks))
	for i, task := range snap.Tasks {
		s.images[task.ID] = stored[i]
	}
	s.mu.Unlock()

	go func() {
		outcomes := <-done
		for _, outcome := range outcomes {
			if !outcome.Success {
				continue
			}
			if err := s.saveOutcome(outcome); err != nil {
				slog.Error("Failed to save extracted expense", "task_id", outcome.ID, "error", err)
			}
		}
	}()

	return snap, nil
}

// CancelBatch requests cancellation of the running batch. Idempotent.
func (s *Service) CancelBatch() {
	s.engine.Cancel()
}

// RetryTask stores a replacement image and re-admits the failed task. The
// expense is saved in the background if the retry succeeds.
func (s *Service) RetryTask(id string, file UploadedReceipt) (batch.Snapshot, error) {
	cleanFilename := sanitizeFilename(file.Filename)
	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", s.idGenerator.Generate(), cleanFilename), file.Data)
	if err != nil {
		return batch.Snapshot{}, fmt.Errorf("saving file %q: %w", file.Filename, err)
	}

	done, err := s.engine.Retry(id, batch.Image{
		Data:        file.Data,
		ContentType: file.ContentType,
		Filename:    savedPath,
	})
	if err != nil {
		if deleteErr := s.storage.Delete(savedPath); deleteErr != nil {
			slog.Warn("Failed to delete file", "filename", savedPath, "error", deleteErr)
		}
		return batch.Snapshot{}, err
	}

	s.mu.Lock()
	s.images[id] = storedImage{path: savedPath, contentType: file.ContentType}
	s.mu.Unlock()

	go func() {
		outcome := <-done
		if !outcome.Success {
			return
		}
		if err := s.saveOutcome(outcome); err != nil {
			slog.Error("Failed to save retried expense", "task_id", outcome.ID, "error", err)
		}
	}()

	return s.engine.Snapshot(), nil
}

// saveOutcome converts one successful task outcome into a persisted expense
func (s *Service) saveOutcome(outcome batch.TaskOutcome) error {
	s.mu.Lock()
	image := s.images[outcome.ID]
	s.mu.Unlock()

	expense := s.buildExpense(outcome.Result, image)
	if err := s.db.SaveExpense(expense); err != nil {
		return fmt.Errorf("saving expense to database: %w", err)
	}
	return nil
}

// buildExpense maps an extracted transaction onto the persisted model
func (s *Service) buildExpense(txn *scanning.Transaction, image storedImage) *Expense {
	now := s.timeSource.Now()

	date, err := time.Parse("2006-01-02", txn.Date)
	if err != nil {
		date = now
	}

	return &Expense{
		ID:          s.idGenerator.Generate(),
		Title:       txn.Title,
		Date:        date,
		Amount:      int(math.Round(txn.Amount * 100)),
		Currency:    txn.Currency,
		Category:    txn.Category,
		Filename:    image.path,
		ContentType: image.contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// BatchSnapshot returns the current view of the running or last batch
func (s *Service) BatchSnapshot() batch.Snapshot {
	return s.engine.Snapshot()
}

// SuccessfulTransactions returns all extracted transactions in submission order
func (s *Service) SuccessfulTransactions() []scanning.Transaction {
	return s.engine.SuccessfulTransactions()
}

// FailedTasks returns all errored tasks in submission order
func (s *Service) FailedTasks() []batch.FailedTask {
	return s.engine.FailedTasks()
}

// GetExpense retrieves an expense by ID
func (s *Service) GetExpense(id string) (*Expense, error) {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns all expenses
func (s *Service) ListExpenses() ([]*Expense, error) {
	expenses, err := s.db.ListExpenses()
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes an expense and its file
func (s *Service) DeleteExpense(id string) error {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return fmt.Errorf("getting expense for deletion: %w", err)
	}

	if err := s.storage.Delete(expense.Filename); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete file", "filename", expense.Filename, "error", err)
	}

	if err := s.db.DeleteExpense(id); err != nil {
		return fmt.Errorf("deleting expense from database: %w", err)
	}
	return nil
}

// GetExpenseFile retrieves the receipt file data for an expense
func (s *Service) GetExpenseFile(id string) ([]byte, string, error) {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting expense: %w", err)
	}

	data, err := s.storage.Get(expense.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting expense file: %w", err)
	}

	return data, expense.ContentType, nil
}
