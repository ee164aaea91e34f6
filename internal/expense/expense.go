package expense

import "time"

// Expense represents a saved expense record extracted from a receipt
type Expense struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Date        time.Time `json:"date"`
	Amount      int       `json:"amount"` // Amount in minor units (cents)
	Currency    string    `json:"currency"`
	Category    string    `json:"category,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
