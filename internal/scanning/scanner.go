package scanning

import "context"

// ReceiptData contains the structured fields extracted from a
// receipt. Pointer fields are nil when the model reported null.
type ReceiptData struct {
	TotalAmount *float64 `json:"total_amount"`
	Currency    *string  `json:"currency"`
	Date        *string  `json:"date"` // YYYY-MM-DD
	Time        *string  `json:"time"` // HH:MM
	Items       *string  `json:"items"`
	// TaxAmount is only populated by deployments whose prompt asks
	// for it; everyone else leaves it nil.
	TaxAmount *float64 `json:"tax_amount,omitempty"`
}

// Scanner defines the interface for receipt extraction backends.
// Pages are PNG-encoded images; multi-page PDFs arrive as one page
// per element and are analyzed as a single receipt.
type Scanner interface {
	ScanReceipt(ctx context.Context, pages [][]byte) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
