package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	paygate "github.com/x402-labs/paygate"
)

// MemoryStore is an in-memory ReceiptStore for single-shot runs and
// tests. State is lost on process exit; production deployments use the
// SQLite store.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]paygate.PaymentReceipt
}

// NewMemoryStore creates an empty in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]paygate.PaymentReceipt)}
}

// Save upserts a receipt keyed by id. Saving the same receipt twice is
// a no-op rather than an error.
func (s *MemoryStore) Save(_ context.Context, receipt paygate.PaymentReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[receipt.ID] = receipt
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*paygate.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if receipt, ok := s.receipts[id]; ok {
		return &receipt, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByInvoiceID(_ context.Context, invoiceID string) (*paygate.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, receipt := range s.receipts {
		if receipt.InvoiceID == invoiceID {
			r := receipt
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetRecent(_ context.Context, limit int) ([]paygate.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.sortedDescLocked(func(paygate.PaymentReceipt) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetByPayer(_ context.Context, payer string) ([]paygate.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedDescLocked(func(r paygate.PaymentReceipt) bool { return r.Payer == payer }), nil
}

// Stats folds over all stored receipts.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ServiceBreakdown: make(map[string]ServiceStats)}
	for _, receipt := range s.receipts {
		amount, _ := strconv.ParseInt(receipt.Amount, 10, 64)
		stats.TotalReceipts++
		stats.TotalRevenue += amount

		entry := stats.ServiceBreakdown[receipt.ServiceName]
		entry.Count++
		entry.Revenue += amount
		stats.ServiceBreakdown[receipt.ServiceName] = entry
	}
	return stats, nil
}

func (s *MemoryStore) sortedDescLocked(keep func(paygate.PaymentReceipt) bool) []paygate.PaymentReceipt {
	out := make([]paygate.PaymentReceipt, 0, len(s.receipts))
	for _, receipt := range s.receipts {
		if keep(receipt) {
			out = append(out, receipt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

var _ ReceiptStore = (*MemoryStore)(nil)
