package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentinel/internal/payment"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	led := New(NewMemoryStore())
	h := NewHandler(led, NewAnalytics(led), slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, led
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func getPath(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	r.ServeHTTP(w, req)
	return w
}

func quickTx(t *testing.T, agent, recipient string, amount float64, currency string) *payment.Transaction {
	t.Helper()
	return mustTx(t, payment.Input{
		AgentID:   agent,
		Recipient: recipient,
		Amount:    amount,
		Currency:  currency,
	})
}

// ---- record ----

func TestHandlerRecordTransaction(t *testing.T) {
	r, led := setupHandlerTest(t)

	w := postJSON(r, "/v1/transactions", payment.Input{
		AgentID:   "agent-1",
		Recipient: "api.example.com",
		Amount:    1.25,
		Currency:  "USDC",
		Purpose:   "inference",
		Protocol:  payment.ProtocolX402,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Transaction payment.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	tx := body.Transaction
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "agent-1", tx.AgentID)
	assert.Equal(t, payment.StatusPending, tx.Status)

	stored, err := led.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)
}

func TestHandlerRecordValidation(t *testing.T) {
	r, _ := setupHandlerTest(t)

	// Missing recipient fails binding before the domain layer runs.
	w := postJSON(r, "/v1/transactions", map[string]any{
		"agentId":  "agent-1",
		"amount":   1.0,
		"currency": "USDC",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body["error"])
}

func TestHandlerRecordRejectsNonPositiveAmount(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := postJSON(r, "/v1/transactions", map[string]any{
		"agentId":   "agent-1",
		"recipient": "api.example.com",
		"amount":    -3.0,
		"currency":  "USDC",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// ---- get ----

func TestHandlerGetTransaction(t *testing.T) {
	r, led := setupHandlerTest(t)

	tx := quickTx(t, "agent-1", "api.example.com", 2.0, "USDC")
	require.NoError(t, led.Record(context.Background(), tx))

	w := getPath(r, "/v1/transactions/"+tx.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Transaction payment.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, tx.ID, body.Transaction.ID)
}

func TestHandlerGetNotFound(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := getPath(r, "/v1/transactions/ps_ffffffff_zzzzzzzz")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["error"])
}

// ---- query ----

func TestHandlerQueryFilters(t *testing.T) {
	r, led := setupHandlerTest(t)

	record(t, led, quickTx(t, "agent-1", "api.example.com", 1.0, "USDC"))
	record(t, led, quickTx(t, "agent-2", "api.example.com", 2.0, "USDC"))
	record(t, led, quickTx(t, "agent-1", "llm.example.com", 3.0, "ETH"))

	w := getPath(r, "/v1/transactions?agentId=agent-1&currency=USDC")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Transactions []payment.Transaction `json:"transactions"`
		Count        int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "agent-1", body.Transactions[0].AgentID)
	assert.Equal(t, "USDC", body.Transactions[0].Currency)
}

func TestHandlerQueryAmountBounds(t *testing.T) {
	r, led := setupHandlerTest(t)

	record(t, led, quickTx(t, "agent-1", "a", 1.0, "USDC"))
	record(t, led, quickTx(t, "agent-1", "b", 5.0, "USDC"))
	record(t, led, quickTx(t, "agent-1", "c", 10.0, "USDC"))

	w := getPath(r, "/v1/transactions?minAmount=5&maxAmount=10")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestHandlerQueryBadLimit(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := getPath(r, "/v1/transactions?limit=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// ---- pagination ----

func TestHandlerQueryPagination(t *testing.T) {
	r, led := setupHandlerTest(t)

	// Distinct timestamps so each record occupies its own cursor position.
	for i := 0; i < 5; i++ {
		tx := quickTx(t, "agent-1", "api.example.com", float64(i+1), "USDC")
		tx.CreatedAt = fmt.Sprintf("2026-01-01T00:00:0%d.000Z", i)
		record(t, led, tx)
	}

	type page struct {
		Transactions []payment.Transaction `json:"transactions"`
		Count        int                   `json:"count"`
		HasMore      bool                  `json:"hasMore"`
		NextCursor   string                `json:"nextCursor"`
	}

	w := getPath(r, "/v1/transactions?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var p1 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p1))
	require.Equal(t, 2, p1.Count)
	assert.True(t, p1.HasMore)
	require.NotEmpty(t, p1.NextCursor)
	assert.InDelta(t, 5.0, p1.Transactions[0].Amount, 1e-9)
	assert.InDelta(t, 4.0, p1.Transactions[1].Amount, 1e-9)

	w = getPath(r, "/v1/transactions?limit=2&cursor="+p1.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)

	var p2 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p2))
	require.Equal(t, 2, p2.Count)
	assert.True(t, p2.HasMore)
	require.NotEmpty(t, p2.NextCursor)
	assert.InDelta(t, 3.0, p2.Transactions[0].Amount, 1e-9)
	assert.InDelta(t, 2.0, p2.Transactions[1].Amount, 1e-9)

	w = getPath(r, "/v1/transactions?limit=2&cursor="+p2.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)

	var p3 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p3))
	require.Equal(t, 1, p3.Count)
	assert.False(t, p3.HasMore)
	assert.Empty(t, p3.NextCursor)
	assert.InDelta(t, 1.0, p3.Transactions[0].Amount, 1e-9)
}

func TestHandlerQueryBadCursor(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := getPath(r, "/v1/transactions?cursor=!!!")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_cursor", body["error"])
}

// ---- status ----

func TestHandlerUpdateStatus(t *testing.T) {
	r, led := setupHandlerTest(t)

	tx := quickTx(t, "agent-1", "api.example.com", 2.0, "USDC")
	record(t, led, tx)

	w := postJSON(r, "/v1/transactions/"+tx.ID+"/status", map[string]string{
		"status": "approved",
	})
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := led.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, stored.Status)
}

func TestHandlerUpdateStatusIllegal(t *testing.T) {
	r, led := setupHandlerTest(t)

	tx := quickTx(t, "agent-1", "api.example.com", 2.0, "USDC")
	record(t, led, tx)

	// pending -> completed skips approval and execution.
	w := postJSON(r, "/v1/transactions/"+tx.ID+"/status", map[string]string{
		"status": "completed",
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "illegal_transition", body["error"])

	stored, err := led.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, stored.Status)
}

// ---- analytics ----

func TestHandlerAnalyticsSummary(t *testing.T) {
	r, led := setupHandlerTest(t)

	tx := quickTx(t, "agent-1", "api.example.com", 4.0, "USDC")
	tx.ForceStatus(payment.StatusCompleted)
	record(t, led, tx)

	w := getPath(r, "/v1/analytics/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var sum Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Transactions)
	assert.InDelta(t, 4.0, sum.SpendByCurrency["USDC"], 1e-9)
}

func TestHandlerAgentSummary(t *testing.T) {
	r, led := setupHandlerTest(t)

	tx := quickTx(t, "agent-7", "api.example.com", 4.0, "USDC")
	tx.ForceStatus(payment.StatusCompleted)
	record(t, led, tx)

	w := getPath(r, "/v1/analytics/agents/agent-7")
	require.Equal(t, http.StatusOK, w.Code)

	var sum AgentSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, "agent-7", sum.AgentID)
	assert.Equal(t, 1, sum.Transactions)
}

func TestHandlerListAgents(t *testing.T) {
	r, led := setupHandlerTest(t)

	record(t, led, quickTx(t, "beta", "x", 1.0, "USDC"))
	record(t, led, quickTx(t, "alpha", "y", 1.0, "USDC"))

	w := getPath(r, "/v1/agents")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []string `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"alpha", "beta"}, body.Agents)
}
