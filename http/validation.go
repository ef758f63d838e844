package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	paygate "github.com/x402-labs/paygate"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes an X-PAYMENT
// header string. It performs comprehensive validation of:
// - Base64 format
// - JSON structure
// - Required fields and their types
//
// Returns the decoded PaymentPayload if valid, or an error with a descriptive message.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*paygate.PaymentPayload, error) {
	// Validate header is not empty
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	// Validate base64 format
	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	// Decode base64
	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	// Parse JSON into a map first for validation
	var rawPayload map[string]interface{}
	if err := json.Unmarshal(decoded, &rawPayload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	// Validate required top-level fields
	if _, exists := rawPayload["version"]; !exists {
		return nil, fmt.Errorf("missing required field: version")
	}
	if version, ok := rawPayload["version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: version must be a number")
	} else if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: version must be at least 1")
	}

	if _, exists := rawPayload["network"]; !exists {
		return nil, fmt.Errorf("missing required field: network")
	}
	if _, ok := rawPayload["network"].(string); !ok {
		return nil, fmt.Errorf("invalid field type: network must be a string")
	}

	if _, exists := rawPayload["transaction"]; !exists {
		return nil, fmt.Errorf("missing required field: transaction")
	}
	transaction, ok := rawPayload["transaction"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid field type: transaction must be a string")
	}
	if transaction == "" {
		return nil, fmt.Errorf("invalid value: transaction must not be empty")
	}

	if _, exists := rawPayload["invoiceId"]; !exists {
		return nil, fmt.Errorf("missing required field: invoiceId")
	}
	invoiceID, ok := rawPayload["invoiceId"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid field type: invoiceId must be a string")
	}
	if invoiceID == "" {
		return nil, fmt.Errorf("invalid value: invoiceId must not be empty")
	}

	// If all validations pass, unmarshal into the PaymentPayload struct
	var payload paygate.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}
