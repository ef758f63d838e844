package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	paygate "github.com/x402-labs/paygate"
)

// Context keys set by the payment gate for downstream handlers.
const (
	// ContextKeyReceipt holds the *paygate.PaymentReceipt of a settled
	// request; unset for free-tier services.
	ContextKeyReceipt = "paygate.receipt"
	// ContextKeyInput holds the validated request body (json.RawMessage).
	ContextKeyInput = "paygate.input"
)

// GateConfig carries the settlement parameters a challenge is built from.
type GateConfig struct {
	Recipient      string
	TokenAccount   string
	Mint           string
	Currency       string
	Network        string
	TimeoutSeconds int
	// SettleTimeout bounds the facilitator call (defaults to 30s).
	SettleTimeout time.Duration
}

// PaymentGate returns gin middleware gating one priced service behind
// the 402 challenge/response flow:
//
//	no X-PAYMENT header        -> 402 with a fresh challenge
//	malformed header           -> 400, never 402
//	invalid service input      -> 400, no charge, no job
//	facilitator rejects        -> 402 with a structured settlement error
//	settled                    -> receipt attached, X-PAYMENT-RESPONSE set,
//	                              handler runs
//
// Services priced at zero pass through after input validation.
func PaymentGate(cfg GateConfig, svc paygate.Service, facilitator paygate.Facilitator, invoices *paygate.InvoiceCache, logger *slog.Logger) gin.HandlerFunc {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = paygate.DefaultTimeoutSeconds
	}
	if cfg.SettleTimeout == 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		input, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   paygate.ErrCodeInvalidInput,
				"message": "failed to read request body",
			})
			return
		}
		if err := svc.Validate(input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   paygate.ErrCodeInvalidInput,
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyInput, json.RawMessage(input))

		// Free tier passes through without a challenge.
		if svc.PriceUSD() == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("X-PAYMENT")
		if header == "" {
			challenge(c, cfg, svc, paygate.ErrCodePaymentRequired, "payment required: submit an X-PAYMENT header")
			return
		}

		payload, err := ValidateAndDecodePaymentHeader(header)
		if err != nil {
			// A malformed header is a caller bug, not a missing payment.
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   paygate.ErrCodeInvalidPayment,
				"message": err.Error(),
			})
			return
		}

		result, settleErr := settleOnce(c, cfg, svc, facilitator, invoices, payload)
		if settleErr != nil {
			code := paygate.CodeOf(settleErr)
			logger.Warn("settlement rejected",
				"service", svc.Name(),
				"invoiceId", payload.InvoiceID,
				"code", code,
				"error", settleErr.Error())
			challenge(c, cfg, svc, code, settleErr.Error())
			return
		}

		payer := paygate.DerivePayer(payload.Transaction)
		receipt := &paygate.PaymentReceipt{
			ID:                  uuid.New().String(),
			InvoiceID:           payload.InvoiceID,
			SettlementReference: result.Signature,
			ServiceName:         svc.Name(),
			Amount:              paygate.USDToMinorUnits(svc.PriceUSD()),
			Currency:            cfg.Currency,
			Status:              paygate.ReceiptSettled,
			Timestamp:           time.Now().UTC(),
			Payer:               payer,
			Recipient:           cfg.Recipient,
			Network:             cfg.Network,
		}
		if result.Payer != "" {
			receipt.Payer = result.Payer
		}

		settlementHeader, err := json.Marshal(paygate.SettlementHeader{
			Signature: result.Signature,
			Amount:    receipt.Amount,
			InvoiceID: payload.InvoiceID,
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   paygate.ErrCodeInternal,
				"message": err.Error(),
			})
			return
		}

		logger.Info("payment settled",
			"service", svc.Name(),
			"invoiceId", payload.InvoiceID,
			"signature", result.Signature,
			"payer", receipt.Payer)

		c.Header("X-PAYMENT-RESPONSE", string(settlementHeader))
		c.Set(ContextKeyReceipt, receipt)
		c.Next()
	}
}

// settleOnce runs the settlement handshake with at-most-once semantics
// per invoice: a settled invoiceId is rejected, concurrent attempts on
// the same invoice coalesce onto one facilitator call.
func settleOnce(c *gin.Context, cfg GateConfig, svc paygate.Service, facilitator paygate.Facilitator, invoices *paygate.InvoiceCache, payload *paygate.PaymentPayload) (*paygate.SettleResult, error) {
	// One wait-and-recheck round covers an attempt that was in flight
	// when we arrived.
	for range 2 {
		status, _, done := invoices.CheckAndMark(payload.InvoiceID)
		switch status {
		case paygate.InvoiceSettled:
			return nil, paygate.NewPaymentError(
				paygate.ErrCodeInvoiceSettled,
				"invoice has already been settled",
				map[string]interface{}{"invoiceId": payload.InvoiceID},
			)
		case paygate.InvoiceInFlight:
			result, err := invoices.WaitForResult(c.Request.Context(), payload.InvoiceID, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return nil, paygate.NewPaymentError(
					paygate.ErrCodeInvoiceSettled,
					"invoice has already been settled",
					map[string]interface{}{"invoiceId": payload.InvoiceID},
				)
			}
			// The in-flight attempt failed; recheck and claim the invoice.
			continue
		case paygate.InvoiceNotFound:
			requirements := BuildRequirements(cfg, svc, payload.InvoiceID)

			ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.SettleTimeout)
			result, err := facilitator.Settle(ctx, *payload, requirements)
			cancel()
			if err != nil {
				invoices.Fail(payload.InvoiceID, done)
				return nil, err
			}
			invoices.Complete(payload.InvoiceID, result, done)
			return result, nil
		}
	}

	return nil, paygate.NewSettleError("settlement_busy", "concurrent settlement attempts for this invoice keep failing")
}

// BuildRequirements derives payment requirements from gate configuration
// and the service price. invoiceID may be empty to mint a fresh invoice.
func BuildRequirements(cfg GateConfig, svc paygate.Service, invoiceID string) paygate.PaymentRequirements {
	if invoiceID == "" {
		invoiceID = uuid.New().String()
	}
	return paygate.PaymentRequirements{
		Version:        paygate.ProtocolVersion,
		Recipient:      cfg.Recipient,
		TokenAccount:   cfg.TokenAccount,
		Mint:           cfg.Mint,
		Amount:         paygate.USDToMinorUnits(svc.PriceUSD()),
		Currency:       cfg.Currency,
		Network:        cfg.Network,
		InvoiceID:      invoiceID,
		ServiceName:    svc.Name(),
		TimeoutSeconds: cfg.TimeoutSeconds,
	}
}

// challenge aborts the request with a 402 carrying a fresh invoice.
func challenge(c *gin.Context, cfg GateConfig, svc paygate.Service, code, message string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, paygate.PaymentRequired{
		Error:   code,
		Message: message,
		Service: svc.Name(),
		Payment: BuildRequirements(cfg, svc, ""),
	})
}
