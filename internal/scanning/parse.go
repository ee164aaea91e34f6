package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// parseTransactionJSON parses the JSON response returned by a vision model.
// currency is used as the fallback when the model omits one.
func parseTransactionJSON(text, currency string) (*Transaction, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var txn Transaction
	if err := json.Unmarshal([]byte(text), &txn); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	// Validate and normalize the date
	if txn.Date != "" {
		parsedDate, err := time.Parse("2006-01-02", txn.Date)
		if err != nil {
			// Try other common formats
			formats := []string{
				"2006/01/02",
				"01/02/2006",
				"02-01-2006",
			}
			parsed := false
			for _, format := range formats {
				if d, e := time.Parse(format, txn.Date); e == nil {
					txn.Date = d.Format("2006-01-02")
					parsed = true
					break
				}
			}
			if !parsed {
				txn.Date = time.Now().Format("2006-01-02")
			}
		} else {
			txn.Date = parsedDate.Format("2006-01-02")
		}
	} else {
		// Default to today if no date found
		txn.Date = time.Now().Format("2006-01-02")
	}

	txn.Title = strings.TrimSpace(txn.Title)
	if txn.Title == "" {
		txn.Title = "Unknown Expense"
	}

	txn.Currency = strings.ToUpper(strings.TrimSpace(txn.Currency))
	if txn.Currency == "" {
		txn.Currency = currency
	}

	txn.Category = strings.ToLower(strings.TrimSpace(txn.Category))
	if txn.Category == "" {
		txn.Category = "other"
	}

	return &txn, nil
}
