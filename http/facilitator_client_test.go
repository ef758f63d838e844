package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paygate "github.com/x402-labs/paygate"
)

func testSettleArgs() (paygate.PaymentPayload, paygate.PaymentRequirements) {
	payment := paygate.PaymentPayload{
		Version:     1,
		Network:     "solana-devnet",
		Transaction: "dGVzdC10eA==",
		InvoiceID:   "inv-42",
	}
	requirements := paygate.PaymentRequirements{
		Version:     1,
		Recipient:   "RecipientPubkey",
		Amount:      "20000",
		Currency:    "USDC",
		Network:     "solana-devnet",
		InvoiceID:   "inv-42",
		ServiceName: "sentiment",
	}
	return payment, requirements
}

func TestHTTPFacilitatorClient_Settle_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("expected /settle path, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req paygate.SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode settle request: %v", err)
		}
		if req.Payment.InvoiceID != "inv-42" || req.Requirements.Amount != "20000" {
			t.Errorf("unexpected settle request: %+v", req)
		}

		json.NewEncoder(w).Encode(paygate.SettleResult{Signature: "SIG123", Payer: "PayerPubkey"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payment, requirements := testSettleArgs()

	result, err := client.Settle(context.Background(), payment, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Signature != "SIG123" {
		t.Errorf("expected signature SIG123, got %s", result.Signature)
	}
	if result.Payer != "PayerPubkey" {
		t.Errorf("expected payer PayerPubkey, got %s", result.Payer)
	}
}

func TestHTTPFacilitatorClient_Settle_Rejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "transaction simulation failed",
			"reason": "insufficient_funds",
		})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payment, requirements := testSettleArgs()

	_, err := client.Settle(context.Background(), payment, requirements)
	if err == nil {
		t.Fatal("expected settlement error")
	}
	if code := paygate.CodeOf(err); code != paygate.ErrCodeSettlementFailed {
		t.Errorf("expected %s, got %s", paygate.ErrCodeSettlementFailed, code)
	}

	var pe *paygate.PaymentError
	if !errors.As(err, &pe) {
		t.Fatal("expected *paygate.PaymentError")
	}
	if pe.Details["reason"] != "insufficient_funds" {
		t.Errorf("expected reason insufficient_funds, got %v", pe.Details["reason"])
	}
}

func TestHTTPFacilitatorClient_Settle_MissingSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paygate.SettleResult{})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payment, requirements := testSettleArgs()

	_, err := client.Settle(context.Background(), payment, requirements)
	if err == nil {
		t.Fatal("expected error for missing signature")
	}
	if code := paygate.CodeOf(err); code != paygate.ErrCodeSettlementFailed {
		t.Errorf("expected %s, got %s", paygate.ErrCodeSettlementFailed, code)
	}
}

func TestHTTPFacilitatorClient_Settle_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(paygate.SettleResult{Signature: "SIG-LATE"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payment, requirements := testSettleArgs()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.Settle(ctx, payment, requirements); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHTTPFacilitatorClient_DefaultURL(t *testing.T) {
	client := NewHTTPFacilitatorClient(nil)
	if client.url != DefaultFacilitatorURL {
		t.Errorf("expected default url %s, got %s", DefaultFacilitatorURL, client.url)
	}
}
