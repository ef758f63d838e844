package paygate

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment   = "invalid_payment"
	ErrCodePaymentRequired  = "payment_required"
	ErrCodeSettlementFailed = "settlement_failed"
	ErrCodeInvoiceSettled   = "invoice_already_settled"
	ErrCodeNetworkMismatch  = "network_mismatch"
	ErrCodeAmountMismatch   = "amount_mismatch"
	ErrCodeJobNotFound      = "job_not_found"
	ErrCodeUnknownService   = "unknown_service"
	ErrCodeInvalidInput     = "invalid_service_input"
	ErrCodeExecutionFailed  = "service_execution_failed"
	ErrCodeExecutionTimeout = "execution_timeout"
	ErrCodeQueueFull        = "queue_full"
	ErrCodeInternal         = "internal_error"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the error code from an error chain, defaulting to
// internal_error for anything that is not a *PaymentError.
func CodeOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}
