package paygate

import (
	"context"
)

// Facilitator verifies and settles a submitted payment against stated
// requirements. The facilitator must confirm that the transaction's
// recipient, mint and amount match the requirements exactly, that the
// invoiceId has not already been settled, and that the transaction is
// confirmed on its target network before returning a signature.
//
// Failures surface as *PaymentError with a machine-readable code
// (settlement_failed, invoice_already_settled, network_mismatch, ...).
type Facilitator interface {
	Settle(ctx context.Context, payment PaymentPayload, requirements PaymentRequirements) (*SettleResult, error)
}

// NewSettleError builds the settlement failure returned when the
// facilitator rejects a payment.
func NewSettleError(reason, message string) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeSettlementFailed,
		Message: message,
		Details: map[string]interface{}{"reason": reason},
	}
}
