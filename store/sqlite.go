package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	paygate "github.com/x402-labs/paygate"
)

// SQLiteStore is the durable ReceiptStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the receipts schema on the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := migrateReceipts(db); err != nil {
		return nil, fmt.Errorf("migrate receipts: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrateReceipts(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			invoice_id TEXT NOT NULL UNIQUE,
			settlement_ref TEXT NOT NULL,
			service TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payer TEXT NOT NULL,
			recipient TEXT NOT NULL,
			network TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_ts ON receipts(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_payer ON receipts(payer, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const receiptColumns = `id, invoice_id, settlement_ref, service, amount, currency, status, ts, payer, recipient, network, error`

// Save upserts a receipt keyed by id.
func (s *SQLiteStore) Save(ctx context.Context, r paygate.PaymentReceipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			settlement_ref=excluded.settlement_ref,
			status=excluded.status,
			error=excluded.error`,
		r.ID, r.InvoiceID, r.SettlementReference, r.ServiceName, r.Amount, r.Currency,
		string(r.Status), r.Timestamp.UnixMilli(), r.Payer, r.Recipient, r.Network, r.Error,
	)
	if err != nil {
		return fmt.Errorf("save receipt %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*paygate.PaymentReceipt, error) {
	return s.getOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByInvoiceID(ctx context.Context, invoiceID string) (*paygate.PaymentReceipt, error) {
	return s.getOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE invoice_id = ?`, invoiceID)
}

func (s *SQLiteStore) getOne(ctx context.Context, query string, arg any) (*paygate.PaymentReceipt, error) {
	receipt, err := scanReceipt(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *SQLiteStore) GetRecent(ctx context.Context, limit int) ([]paygate.PaymentReceipt, error) {
	if limit < 1 {
		limit = 20
	}
	return s.list(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY ts DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) GetByPayer(ctx context.Context, payer string) ([]paygate.PaymentReceipt, error) {
	return s.list(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE payer = ? ORDER BY ts DESC`, payer)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]paygate.PaymentReceipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []paygate.PaymentReceipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *receipt)
	}
	return out, rows.Err()
}

// Stats folds over all stored receipts in SQL.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ServiceBreakdown: make(map[string]ServiceStats)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT service, COUNT(*), COALESCE(SUM(CAST(amount AS INTEGER)), 0)
		FROM receipts GROUP BY service`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var service string
		var entry ServiceStats
		if err := rows.Scan(&service, &entry.Count, &entry.Revenue); err != nil {
			return nil, err
		}
		stats.ServiceBreakdown[service] = entry
		stats.TotalReceipts += entry.Count
		stats.TotalRevenue += entry.Revenue
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*paygate.PaymentReceipt, error) {
	var r paygate.PaymentReceipt
	var status string
	var ts int64
	if err := row.Scan(&r.ID, &r.InvoiceID, &r.SettlementReference, &r.ServiceName,
		&r.Amount, &r.Currency, &status, &ts, &r.Payer, &r.Recipient, &r.Network, &r.Error); err != nil {
		return nil, err
	}
	r.Status = paygate.ReceiptStatus(status)
	r.Timestamp = time.UnixMilli(ts).UTC()
	return &r, nil
}

var _ ReceiptStore = (*SQLiteStore)(nil)
