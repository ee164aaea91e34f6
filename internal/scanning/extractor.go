package scanning

import "context"

// Transaction contains the structured expense extracted from a receipt
type Transaction struct {
	Title    string  `json:"title"`
	Date     string  `json:"date"` // ISO 8601 format
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Category string  `json:"category,omitempty"`
}

// Extractor defines the interface for receipt extraction operations
type Extractor interface {
	// Extract analyzes a receipt image/PDF and returns the structured
	// transaction. currency is the ISO 4217 code amounts should be reported
	// in; hint is an optional receipt type hint (e.g. "restaurant",
	// "pharmacy") and may be empty.
	Extract(ctx context.Context, imageData []byte, contentType, currency, hint string) (*Transaction, error)
	// Close closes the extractor and releases resources
	Close() error
}
