package paygate

import (
	"context"
	"sync"
	"time"
)

// InvoiceCache provides at-most-once settlement per invoice within a
// process by caching settled results and tracking in-flight attempts.
// A second submission of an already-settled invoiceId is rejected
// before the facilitator is called; concurrent submissions of the same
// invoice coalesce onto one settlement attempt.
type InvoiceCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewInvoiceCache creates an invoice cache with the specified TTL for
// settled entries.
func NewInvoiceCache(ttl time.Duration) *InvoiceCache {
	return &InvoiceCache{
		results:  make(map[string]*SettleResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// InvoiceStatus represents the result of checking the cache.
type InvoiceStatus int

const (
	// InvoiceNotFound means the invoice has no recorded settlement and no in-flight attempt.
	InvoiceNotFound InvoiceStatus = iota
	// InvoiceSettled means the invoice was already settled.
	InvoiceSettled
	// InvoiceInFlight means another request is currently settling this invoice.
	InvoiceInFlight
)

// CheckAndMark atomically checks the cache and marks the invoice as
// in-flight if needed. Returns:
//   - InvoiceSettled + result if the invoice was already settled
//   - InvoiceInFlight + wait channel if another request is settling it
//   - InvoiceNotFound + done channel if this request should proceed (now marked in-flight)
func (c *InvoiceCache) CheckAndMark(invoiceID string) (InvoiceStatus, *SettleResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[invoiceID]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[invoiceID]; ok {
				return InvoiceSettled, result, nil
			}
		}
		// Expired - clean it up
		delete(c.results, invoiceID)
		delete(c.expiry, invoiceID)
	}

	if done, exists := c.inFlight[invoiceID]; exists {
		return InvoiceInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[invoiceID] = done
	return InvoiceNotFound, nil, done
}

// WaitForResult waits for an in-flight settlement to complete,
// respecting context cancellation. Returns the settled result if the
// attempt succeeded, or nil if it failed.
func (c *InvoiceCache) WaitForResult(ctx context.Context, invoiceID string, done chan struct{}) (*SettleResult, error) {
	select {
	case <-done:
		return c.Get(invoiceID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a settled result if it exists and hasn't expired.
func (c *InvoiceCache) Get(invoiceID string) *SettleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[invoiceID]
	if !exists {
		return nil
	}

	if time.Now().After(expiry) {
		// Expired - clean it up
		delete(c.results, invoiceID)
		delete(c.expiry, invoiceID)
		return nil
	}

	return c.results[invoiceID]
}

// Complete records a settled invoice, removes the in-flight marker and
// signals any waiting goroutines.
func (c *InvoiceCache) Complete(invoiceID string, result *SettleResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[invoiceID] = result
	c.expiry[invoiceID] = time.Now().Add(c.ttl)

	delete(c.inFlight, invoiceID)
	close(done)

	// Lazy cleanup of expired entries
	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without recording a settlement,
// allowing the invoice to be retried.
func (c *InvoiceCache) Fail(invoiceID string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, invoiceID)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *InvoiceCache) cleanupExpiredLocked() {
	now := time.Now()
	for invoiceID, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, invoiceID)
			delete(c.expiry, invoiceID)
		}
	}
}
