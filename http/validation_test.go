package http

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func encodeHeader(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func validHeaderPayload() map[string]interface{} {
	return map[string]interface{}{
		"version":     1,
		"network":     "solana-devnet",
		"transaction": "dGVzdC10cmFuc2FjdGlvbg==",
		"invoiceId":   "inv-123",
	}
}

func TestValidateAndDecodePaymentHeader(t *testing.T) {
	t.Run("Empty/Invalid Base64", func(t *testing.T) {
		tests := []struct {
			name          string
			header        string
			expectedError string
		}{
			{
				name:          "empty string",
				header:        "",
				expectedError: "payment header is empty",
			},
			{
				name:          "invalid base64 characters",
				header:        "invalid@#$%",
				expectedError: "invalid payment header format: not valid base64",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodePaymentHeader(tt.header)
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Not JSON", func(t *testing.T) {
		header := base64.StdEncoding.EncodeToString([]byte("not json at all"))
		if _, err := ValidateAndDecodePaymentHeader(header); err == nil {
			t.Error("expected error for non-JSON payload")
		}
	})

	t.Run("Missing/Invalid Fields", func(t *testing.T) {
		tests := []struct {
			name          string
			mutate        func(map[string]interface{})
			expectedError string
		}{
			{
				name:          "missing version",
				mutate:        func(p map[string]interface{}) { delete(p, "version") },
				expectedError: "missing required field: version",
			},
			{
				name:          "version wrong type",
				mutate:        func(p map[string]interface{}) { p["version"] = "1" },
				expectedError: "invalid field type: version must be a number",
			},
			{
				name:          "version zero",
				mutate:        func(p map[string]interface{}) { p["version"] = 0 },
				expectedError: "invalid value: version must be at least 1",
			},
			{
				name:          "missing network",
				mutate:        func(p map[string]interface{}) { delete(p, "network") },
				expectedError: "missing required field: network",
			},
			{
				name:          "missing transaction",
				mutate:        func(p map[string]interface{}) { delete(p, "transaction") },
				expectedError: "missing required field: transaction",
			},
			{
				name:          "empty transaction",
				mutate:        func(p map[string]interface{}) { p["transaction"] = "" },
				expectedError: "invalid value: transaction must not be empty",
			},
			{
				name:          "missing invoiceId",
				mutate:        func(p map[string]interface{}) { delete(p, "invoiceId") },
				expectedError: "missing required field: invoiceId",
			},
			{
				name:          "empty invoiceId",
				mutate:        func(p map[string]interface{}) { p["invoiceId"] = "" },
				expectedError: "invalid value: invoiceId must not be empty",
			},
			{
				name:          "invoiceId wrong type",
				mutate:        func(p map[string]interface{}) { p["invoiceId"] = 7 },
				expectedError: "invalid field type: invoiceId must be a string",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				payload := validHeaderPayload()
				tt.mutate(payload)
				_, err := ValidateAndDecodePaymentHeader(encodeHeader(t, payload))
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Valid Payload", func(t *testing.T) {
		payload, err := ValidateAndDecodePaymentHeader(encodeHeader(t, validHeaderPayload()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Version != 1 {
			t.Errorf("expected version 1, got %d", payload.Version)
		}
		if payload.Network != "solana-devnet" {
			t.Errorf("unexpected network %q", payload.Network)
		}
		if payload.InvoiceID != "inv-123" {
			t.Errorf("unexpected invoiceId %q", payload.InvoiceID)
		}
		if payload.Transaction == "" {
			t.Error("expected transaction to survive decoding")
		}
	})
}
