package paygate

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the version stamped on every challenge and payload.
const ProtocolVersion = 1

// DefaultTimeoutSeconds is the challenge validity window when the
// configuration does not specify one.
const DefaultTimeoutSeconds = 60

// MinorUnitDecimals is the fixed-point scale of settlement amounts.
// USDC-style six-decimal minor units.
const MinorUnitDecimals = 6

// PaymentRequirements defines what payment settles a priced service call.
// Created fresh per unpaid request and immutable once issued; the
// invoiceId is single-use.
type PaymentRequirements struct {
	Version        int    `json:"version"`
	Recipient      string `json:"recipient"`
	TokenAccount   string `json:"tokenAccount"`
	Mint           string `json:"mint"`
	Amount         string `json:"amount"` // integer minor units
	Currency       string `json:"currency"`
	Network        string `json:"network"`
	InvoiceID      string `json:"invoiceId"`
	ServiceName    string `json:"serviceName"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// PaymentPayload is the caller's answer to a PaymentRequirements
// challenge, submitted in the X-PAYMENT header as base64-encoded JSON.
type PaymentPayload struct {
	Version     int    `json:"version"`
	Network     string `json:"network"`
	Transaction string `json:"transaction"` // opaque signed transaction, base64
	InvoiceID   string `json:"invoiceId"`
}

// ReceiptStatus tracks a receipt through the settlement lifecycle.
type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptVerified ReceiptStatus = "verified"
	ReceiptSettled  ReceiptStatus = "settled"
	ReceiptFailed   ReceiptStatus = "failed"
)

// PaymentReceipt is the durable proof that an invoice was settled,
// linked to the service call it paid for. Once status reaches settled
// the receipt is never mutated.
type PaymentReceipt struct {
	ID                  string        `json:"id"`
	InvoiceID           string        `json:"invoiceId"`
	SettlementReference string        `json:"settlementReference"`
	ServiceName         string        `json:"serviceName"`
	Amount              string        `json:"amount"`
	Currency            string        `json:"currency"`
	Status              ReceiptStatus `json:"status"`
	Timestamp           time.Time     `json:"timestamp"`
	Payer               string        `json:"payer"`
	Recipient           string        `json:"recipient"`
	Network             string        `json:"network"`
	Error               string        `json:"error,omitempty"`
}

// SettleRequest is the wire body sent to the facilitator's /settle endpoint.
type SettleRequest struct {
	Payment      PaymentPayload      `json:"payment"`
	Requirements PaymentRequirements `json:"requirements"`
}

// SettleResult is the facilitator's proof of settlement.
type SettleResult struct {
	Signature string `json:"signature"`
	Payer     string `json:"payer,omitempty"`
}

// PaymentRequired is the 402 challenge body.
type PaymentRequired struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Service string              `json:"service"`
	Payment PaymentRequirements `json:"payment"`
}

// SettlementHeader is the X-PAYMENT-RESPONSE header value attached to
// the response of a successfully settled request.
type SettlementHeader struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	InvoiceID string `json:"invoiceId"`
}

// USDToMinorUnits converts a USD price into a six-decimal minor-unit
// integer string, e.g. 0.02 -> "20000". The value is formatted to six
// decimal places first so binary float artifacts round away instead of
// truncating.
func USDToMinorUnits(usd float64) string {
	formatted := fmt.Sprintf("%.*f", MinorUnitDecimals, usd)
	parts := strings.SplitN(formatted, ".", 2)
	combined := parts[0] + parts[1]
	trimmed := strings.TrimLeft(combined, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
