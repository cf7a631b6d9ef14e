package dispute

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
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := NewManager(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := NewHandler(m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))
	return router, m
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func fileViaAPI(t *testing.T, router *gin.Engine, txID string) Case {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/v1/disputes", gin.H{
		"transactionId":   txID,
		"agentId":         "agent-1",
		"reason":          "double charge",
		"requestedAmount": 42.5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Dispute Case `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Dispute
}

func TestHandlerFile(t *testing.T) {
	router, _ := setupHandlerTest(t)

	d := fileViaAPI(t, router, "ps_tx1")
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, 42.5, d.RequestedAmount)

	// Duplicate filing conflicts.
	w := doJSON(router, http.MethodPost, "/v1/disputes", gin.H{
		"transactionId":   "ps_tx1",
		"agentId":         "agent-1",
		"reason":          "double charge",
		"requestedAmount": 42.5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "active_dispute_exists")

	// Missing fields are rejected by binding.
	w = doJSON(router, http.MethodPost, "/v1/disputes", gin.H{"reason": "nameless"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerGetAndQuery(t *testing.T) {
	router, _ := setupHandlerTest(t)

	d := fileViaAPI(t, router, "ps_tx1")
	fileViaAPI(t, router, "ps_tx2")

	w := doJSON(router, http.MethodGet, "/v1/disputes/"+d.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), d.ID)

	w = doJSON(router, http.MethodGet, "/v1/disputes/dsp_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/disputes?agentId=agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Disputes []Case `json:"disputes"`
		Count    int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = doJSON(router, http.MethodGet, "/v1/disputes?transactionId=ps_tx2", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestHandlerQueryPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	m := NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := NewHandler(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))

	// Distinct timestamps so each case occupies its own cursor position.
	for i := 0; i < 5; i++ {
		c := &Case{
			ID: fmt.Sprintf("dsp_%d", i), TransactionID: fmt.Sprintf("ps_tx%d", i),
			AgentID: "agent-1", Reason: "double charge", Status: StatusOpen,
			Liability: LiabilityUndetermined, RequestedAmount: float64(i + 1),
			CreatedAt: fmt.Sprintf("2026-01-01T00:00:0%d.000Z", i),
			UpdatedAt: fmt.Sprintf("2026-01-01T00:00:0%d.000Z", i),
		}
		require.NoError(t, store.Create(context.Background(), c))
	}

	type page struct {
		Disputes   []Case `json:"disputes"`
		Count      int    `json:"count"`
		HasMore    bool   `json:"hasMore"`
		NextCursor string `json:"nextCursor"`
	}

	w := doJSON(router, http.MethodGet, "/v1/disputes?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p1 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p1))
	require.Equal(t, 2, p1.Count)
	assert.True(t, p1.HasMore)
	require.NotEmpty(t, p1.NextCursor)
	// Newest first.
	assert.Equal(t, "dsp_4", p1.Disputes[0].ID)
	assert.Equal(t, "dsp_3", p1.Disputes[1].ID)

	w = doJSON(router, http.MethodGet, "/v1/disputes?limit=2&cursor="+p1.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p2 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p2))
	require.Equal(t, 2, p2.Count)
	assert.Equal(t, "dsp_2", p2.Disputes[0].ID)
	assert.Equal(t, "dsp_1", p2.Disputes[1].ID)
	assert.True(t, p2.HasMore)

	w = doJSON(router, http.MethodGet, "/v1/disputes?limit=2&cursor="+p2.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p3 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p3))
	require.Equal(t, 1, p3.Count)
	assert.Equal(t, "dsp_0", p3.Disputes[0].ID)
	assert.False(t, p3.HasMore)
	assert.Empty(t, p3.NextCursor)
}

func TestHandlerQueryBadCursor(t *testing.T) {
	router, _ := setupHandlerTest(t)

	w := doJSON(router, http.MethodGet, "/v1/disputes?cursor=!!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandlerQueryBadLimit(t *testing.T) {
	router, _ := setupHandlerTest(t)

	// Non-numeric limits fail query binding; negative ones fail validation.
	w := doJSON(router, http.MethodGet, "/v1/disputes?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/disputes?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandlerEvidenceAndResolve(t *testing.T) {
	router, _ := setupHandlerTest(t)
	d := fileViaAPI(t, router, "ps_tx1")

	w := doJSON(router, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", gin.H{
		"type":        "receipt",
		"description": "merchant receipt shows one charge",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "receipt")

	w = doJSON(router, http.MethodPost, "/v1/disputes/"+d.ID+"/resolve", gin.H{
		"status":         "resolved_refunded",
		"liability":      "service_provider",
		"resolvedAmount": 42.5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Dispute Case `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusResolvedRefunded, resp.Dispute.Status)
	assert.NotEmpty(t, resp.Dispute.ResolvedAt)

	// Evidence after close conflicts.
	w = doJSON(router, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", gin.H{"type": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "dispute_closed")

	// Non-terminal resolve status is a bad request.
	d2 := fileViaAPI(t, router, "ps_tx2")
	w = doJSON(router, http.MethodPost, "/v1/disputes/"+d2.ID+"/resolve", gin.H{
		"status": "investigating", "liability": "agent",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerUpdateStatus(t *testing.T) {
	router, m := setupHandlerTest(t)
	d := fileViaAPI(t, router, "ps_tx1")

	var sawPrev Status
	m.OnStatusChange(func(c *Case, prev Status) { sawPrev = prev })

	w := doJSON(router, http.MethodPut, "/v1/disputes/"+d.ID+"/status", gin.H{"status": "investigating"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusOpen, sawPrev)

	got, err := m.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, got.Status)

	w = doJSON(router, http.MethodPut, "/v1/disputes/"+d.ID+"/status", gin.H{"status": "limbo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerStats(t *testing.T) {
	router, _ := setupHandlerTest(t)
	fileViaAPI(t, router, "ps_tx1")
	fileViaAPI(t, router, "ps_tx2")

	w := doJSON(router, http.MethodGet, "/v1/disputes/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Stats.Total)
	assert.Equal(t, 2, resp.Stats.Open)
	assert.Equal(t, 85.0, resp.Stats.TotalRequested)
}
