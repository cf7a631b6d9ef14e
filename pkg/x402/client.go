package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paysentinel/internal/retry"
)

// RemoteClient talks to an HTTP facilitator exposing the standard
// /verify, /settle, and /supported endpoints.
type RemoteClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client

	attempts   int
	retryDelay time.Duration
}

// NewRemoteClient creates a client for the facilitator at baseURL.
func NewRemoteClient(baseURL string) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// WithAPIKey sets a bearer token sent on every request.
func (c *RemoteClient) WithAPIKey(key string) *RemoteClient {
	c.apiKey = key
	return c
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *RemoteClient) WithHTTPClient(httpc *http.Client) *RemoteClient {
	c.httpc = httpc
	return c
}

type facilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// Verify asks the facilitator whether the payment proof is valid.
func (c *RemoteClient) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to move the funds.
func (c *RemoteClient) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the schemes and networks the facilitator settles.
func (c *RemoteClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	err := retry.Do(ctx, c.attempts, c.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
		if err != nil {
			return retry.Permanent(err)
		}
		return c.do(req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends a facilitator request, retrying transient failures.
func (c *RemoteClient) post(ctx context.Context, path string, payload *PaymentPayload, reqs *PaymentRequirements, out any) error {
	version := 1
	if payload != nil && payload.X402Version > 0 {
		version = payload.X402Version
	}
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("x402: marshal request: %w", err)
	}

	return retry.Do(ctx, c.attempts, c.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		return c.do(req, out)
	})
}

func (c *RemoteClient) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("x402: facilitator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		// Client errors will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("x402: decode facilitator reply: %w", err))
	}
	return nil
}
