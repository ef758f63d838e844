// Package store persists payment receipts and serves the read surfaces
// of the status/admin API.
package store

import (
	"context"
	"errors"

	paygate "github.com/x402-labs/paygate"
)

// ErrNotFound is returned by point lookups that match no receipt.
var ErrNotFound = errors.New("receipt not found")

// ReceiptStore is the durable record of settled payments.
// Implementations must make Save an idempotent upsert keyed by receipt
// id. Single-writer semantics are sufficient for one process instance.
type ReceiptStore interface {
	Save(ctx context.Context, receipt paygate.PaymentReceipt) error
	GetByID(ctx context.Context, id string) (*paygate.PaymentReceipt, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*paygate.PaymentReceipt, error)
	// GetRecent returns receipts sorted by timestamp descending,
	// truncated to limit.
	GetRecent(ctx context.Context, limit int) ([]paygate.PaymentReceipt, error)
	// GetByPayer returns all receipts for a payer, newest first.
	GetByPayer(ctx context.Context, payer string) ([]paygate.PaymentReceipt, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats aggregates stored receipts. Revenue figures are in the
// settlement currency's minor units.
type Stats struct {
	TotalReceipts    int                     `json:"totalReceipts"`
	TotalRevenue     int64                   `json:"totalRevenue"`
	ServiceBreakdown map[string]ServiceStats `json:"serviceBreakdown"`
}

// ServiceStats is the per-service slice of the aggregate stats.
type ServiceStats struct {
	Count   int   `json:"count"`
	Revenue int64 `json:"revenue"`
}
