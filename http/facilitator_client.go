package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	paygate "github.com/x402-labs/paygate"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient settles payments against a remote facilitator
// service over HTTP. Implements the paygate.Facilitator interface.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for the settle endpoint
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// settleErrorBody is the structured error a facilitator returns on rejection.
type settleErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Settle submits a payment for settlement. The facilitator confirms the
// transaction on its target network and returns the settlement signature.
// A rejection maps to a *paygate.PaymentError carrying the facilitator's
// machine-readable reason.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payment paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*paygate.SettleResult, error) {
	body, err := json.Marshal(paygate.SettleRequest{
		Payment:      payment,
		Requirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	// Add auth headers if available
	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settle request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// For non-200 responses, return an error with the details from the response
	if resp.StatusCode != http.StatusOK {
		var errBody settleErrorBody
		if err := json.Unmarshal(responseBody, &errBody); err == nil && errBody.Reason != "" {
			return nil, paygate.NewSettleError(errBody.Reason, errBody.Error)
		}
		return nil, paygate.NewSettleError(
			"facilitator_error",
			fmt.Sprintf("facilitator settle failed (%d): %s", resp.StatusCode, string(responseBody)),
		)
	}

	var result paygate.SettleResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}
	if result.Signature == "" {
		return nil, paygate.NewSettleError("missing_signature", "facilitator returned no settlement signature")
	}

	return &result, nil
}

// Ensure the client satisfies the facilitator contract
var _ paygate.Facilitator = (*HTTPFacilitatorClient)(nil)
