package facilitator

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentinel/internal/circuitbreaker"
	"github.com/mbd888/paysentinel/internal/ledger"
	"github.com/mbd888/paysentinel/internal/policy"
	"github.com/mbd888/paysentinel/pkg/x402"
)

type handlerRig struct {
	router  *gin.Engine
	client  *fakeClient
	breaker *circuitbreaker.Breaker
}

func setupHandlerTest(t *testing.T) *handlerRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine()
	require.NoError(t, engine.LoadPolicy(blockAbove(1000)))

	rig := &handlerRig{
		client:  &fakeClient{},
		breaker: circuitbreaker.New(1, time.Minute, 1),
	}
	adapter := NewAdapter(rig.client, engine, rig.breaker, ledger.New(ledger.NewMemoryStore()), logger, Config{})
	h := NewHandler(adapter, logger)

	rig.router = gin.New()
	h.RegisterRoutes(rig.router.Group("/v1"))
	return rig
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func verifyBody(maxAmount string) gin.H {
	payload, req := paymentFixture(maxAmount)
	return gin.H{
		"x402Version":         1,
		"paymentPayload":      payload,
		"paymentRequirements": req,
	}
}

func TestHandlerVerify(t *testing.T) {
	rig := setupHandlerTest(t)

	w := postJSON(rig.router, "/v1/x402/verify", verifyBody("10000000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, testPayer, resp.Payer)
	assert.Equal(t, 1, rig.client.verifyCalls)
}

func TestHandlerVerifyDenied(t *testing.T) {
	rig := setupHandlerTest(t)

	// A policy denial is still a well-formed protocol answer, not an error.
	w := postJSON(rig.router, "/v1/x402/verify", verifyBody("1500000000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.IsValid)
	assert.Contains(t, resp.InvalidReason, "Payment blocked by policy")
	assert.Zero(t, rig.client.verifyCalls)
}

func TestHandlerVerifyBadRequest(t *testing.T) {
	rig := setupHandlerTest(t)

	w := postJSON(rig.router, "/v1/x402/verify", gin.H{"x402Version": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandlerSettle(t *testing.T) {
	rig := setupHandlerTest(t)

	w := postJSON(rig.router, "/v1/x402/settle", verifyBody("10000000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xsettled", resp.TxHash)
}

func TestHandlerSettleBreakerOpen(t *testing.T) {
	rig := setupHandlerTest(t)
	tripBreaker(t, rig.breaker, "x402:settle")

	w := postJSON(rig.router, "/v1/x402/settle", verifyBody("10000000"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "facilitator_unavailable")
}

func TestHandlerSettleUpstreamError(t *testing.T) {
	rig := setupHandlerTest(t)
	rig.client.settleFn = func() (*x402.SettleResponse, error) {
		return nil, errors.New("connection reset")
	}

	w := postJSON(rig.router, "/v1/x402/settle", verifyBody("10000000"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "facilitator_error")
}

func TestHandlerSupported(t *testing.T) {
	rig := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/x402/supported", nil)
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"exact"}, resp.Schemes)
}
