package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/zombor/expense-scanner/internal/batch"
)

// maxFormSize caps multipart parsing (50MB to handle high-resolution phone photos)
const maxFormSize = int64(50 << 20)

// defaultCurrency is assumed when the caller does not specify one
const defaultCurrency = "USD"

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, code int, body any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// readUpload reads one multipart file into an UploadedReceipt
func readUpload(header *multipart.FileHeader) (UploadedReceipt, error) {
	file, err := header.Open()
	if err != nil {
		return UploadedReceipt{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return UploadedReceipt{}, err
	}

	return UploadedReceipt{
		Filename:    header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	}, nil
}

// handleStartBatch accepts a multipart upload of receipt images and starts
// one batch. Individual extraction failures do not fail this request; they
// appear as errored tasks in the snapshot.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		corsError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["receipts"]
	if len(headers) == 0 {
		corsError(w, "No receipt files provided", http.StatusBadRequest)
		return
	}

	currency := r.FormValue("currency")
	if currency == "" {
		currency = defaultCurrency
	}
	receiptType := r.FormValue("receipt_type")

	files := make([]UploadedReceipt, 0, len(headers))
	for _, header := range headers {
		upload, err := readUpload(header)
		if err != nil {
			slog.Error("Error reading uploaded file", "filename", header.Filename, "error", err)
			corsError(w, "Error reading uploaded file", http.StatusBadRequest)
			return
		}
		files = append(files, upload)
	}

	snap, err := s.service.StartBatch(files, currency, receiptType)
	if err != nil {
		switch {
		case errors.Is(err, batch.ErrBatchRunning):
			corsError(w, "A batch is already running", http.StatusConflict)
		case errors.Is(err, batch.ErrBatchTooLarge):
			corsError(w, "Too many receipts in one batch", http.StatusBadRequest)
		default:
			slog.Error("Error starting batch", "error", err)
			corsError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, snap)
}

// handleBatchSnapshot returns the live view of the current batch
func (s *Server) handleBatchSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.BatchSnapshot())
}

// handleBatchResults returns the ordered success/failure projections
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.service.SuccessfulTransactions(),
		"failed":       s.service.FailedTasks(),
	})
}

// handleCancelBatch requests cancellation of the running batch
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	s.service.CancelBatch()
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryTask re-admits a single failed task with a replacement image
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		corsError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("receipt")
	if err != nil {
		corsError(w, "No receipt file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		corsError(w, "Error reading uploaded file", http.StatusBadRequest)
		return
	}

	snap, err := s.service.RetryTask(id, UploadedReceipt{
		Filename:    header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		if errors.Is(err, batch.ErrInvalidTaskState) {
			corsError(w, "Task does not exist or is not retryable", http.StatusConflict)
			return
		}
		slog.Error("Error retrying task", "task_id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, snap)
}

// handleListExpenses returns a list of all saved expenses
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses()
	if err != nil {
		slog.Error("Error listing expenses", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, expenses)
}

// handleGetExpense returns one expense by id
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := s.service.GetExpense(r.PathValue("id"))
	if err != nil {
		corsError(w, "Expense not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, expense)
}

// handleDeleteExpense removes an expense and its file
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExpense(r.PathValue("id")); err != nil {
		corsError(w, "Expense not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetExpenseFile serves the original receipt file for an expense
func (s *Server) handleGetExpenseFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetExpenseFile(r.PathValue("id"))
	if err != nil {
		corsError(w, "Expense file not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
