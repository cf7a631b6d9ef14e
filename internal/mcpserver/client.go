package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the PaySentinel API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	AgentID string // Default agent identity, e.g. "shopping-bot"
}

// SentinelClient is a pure HTTP client for the PaySentinel API.
type SentinelClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSentinelClient creates a new client for the PaySentinel API.
func NewSentinelClient(cfg Config) *SentinelClient {
	return &SentinelClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *SentinelClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// EvaluatePayment runs a proposed payment through the policy engine
// without recording anything.
func (c *SentinelClient) EvaluatePayment(ctx context.Context, input map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/evaluate", nil, input)
}

// GetPolicySpend returns current spend against each budget of a policy.
func (c *SentinelClient) GetPolicySpend(ctx context.Context, policyID string) (json.RawMessage, error) {
	path := "/v1/policies/" + url.PathEscape(policyID) + "/spend"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetSummary returns the ledger-wide spending summary.
func (c *SentinelClient) GetSummary(ctx context.Context, since string) (json.RawMessage, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/analytics/summary", q, nil)
}

// GetAgentSummary returns one agent's spending summary.
func (c *SentinelClient) GetAgentSummary(ctx context.Context, agentID, since string) (json.RawMessage, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	path := "/v1/analytics/agents/" + url.PathEscape(agentID)
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ListAlerts returns the most recent alerts.
func (c *SentinelClient) ListAlerts(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}

// GetTransaction returns one ledger transaction.
func (c *SentinelClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	path := "/v1/transactions/" + url.PathEscape(id)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetProvenance returns the provenance chain for a transaction.
func (c *SentinelClient) GetProvenance(ctx context.Context, txID string) (json.RawMessage, error) {
	path := "/v1/provenance/" + url.PathEscape(txID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// FileDispute opens a dispute against a ledger transaction.
func (c *SentinelClient) FileDispute(ctx context.Context, txID, agentID, reason string, requestedAmount float64) (json.RawMessage, error) {
	body := map[string]any{
		"transactionId":   txID,
		"reason":          reason,
		"requestedAmount": requestedAmount,
	}
	if agentID != "" {
		body["agentId"] = agentID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body)
}

// RecordTransaction records a payment in the spend ledger.
func (c *SentinelClient) RecordTransaction(ctx context.Context, input map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, input)
}

// ListBreakers returns the state of every tracked circuit breaker.
func (c *SentinelClient) ListBreakers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/breakers", nil, nil)
}
