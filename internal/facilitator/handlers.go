package facilitator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/circuitbreaker"
	"github.com/mbd888/paysentinel/pkg/x402"
)

// Handler exposes the gated facilitator over the x402 HTTP surface.
type Handler struct {
	adapter *Adapter
	logger  *slog.Logger
}

// NewHandler creates a new facilitator handler.
func NewHandler(adapter *Adapter, logger *slog.Logger) *Handler {
	return &Handler{adapter: adapter, logger: logger}
}

// RegisterRoutes sets up the x402 facilitator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/x402/verify", h.Verify)
	r.POST("/x402/settle", h.Settle)
	r.GET("/x402/supported", h.Supported)
}

// settleRequest is the x402 facilitator request envelope.
type settleRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload" binding:"required"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements" binding:"required"`
}

// Verify handles POST /x402/verify.
func (h *Handler) Verify(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "paymentPayload and paymentRequirements required"})
		return
	}

	resp, err := h.adapter.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.upstreamError(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Settle handles POST /x402/settle.
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "paymentPayload and paymentRequirements required"})
		return
	}

	resp, err := h.adapter.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.upstreamError(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Supported handles GET /x402/supported.
func (h *Handler) Supported(c *gin.Context) {
	resp, err := h.adapter.Supported(c.Request.Context())
	if err != nil {
		h.upstreamError(c, "supported", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) upstreamError(c *gin.Context, op string, err error) {
	var open *circuitbreaker.OpenError
	if errors.As(err, &open) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "facilitator_unavailable", "message": err.Error()})
		return
	}
	h.logger.Error("facilitator call failed", "operation", op, "error", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "facilitator_error", "message": err.Error()})
}
