package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/pagination"
	"github.com/mbd888/paysentinel/internal/payment"
)

// Handler provides HTTP endpoints for the spend ledger.
type Handler struct {
	ledger    *Ledger
	analytics *Analytics
	logger    *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, analytics *Analytics, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, analytics: analytics, logger: logger}
}

// RegisterRoutes sets up ledger and analytics routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.RecordTransaction)
	r.GET("/transactions", h.QueryTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/status", h.UpdateStatus)
	r.GET("/agents", h.ListAgents)
	r.GET("/recipients", h.ListRecipients)
	r.GET("/analytics/summary", h.GetSummary)
	r.GET("/analytics/agents/:id", h.GetAgentSummary)
}

// RecordTransaction handles POST /transactions.
func (h *Handler) RecordTransaction(c *gin.Context) {
	var in payment.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := payment.New(in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transaction",
			"message": err.Error(),
		})
		return
	}

	if err := h.ledger.Record(c.Request.Context(), tx); err != nil {
		h.logger.Error("record transaction failed", "txId", tx.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to record transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /transactions/:id.
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transaction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// QueryTransactions handles GET /transactions with filter query params.
// Passing a previous response's nextCursor pages through older results.
func (h *Handler) QueryTransactions(c *gin.Context) {
	f := Filter{
		AgentID:   c.Query("agentId"),
		Recipient: c.Query("recipient"),
		ServiceID: c.Query("serviceId"),
		Protocol:  payment.Protocol(c.Query("protocol")),
		Status:    payment.Status(c.Query("status")),
		Currency:  c.Query("currency"),
		After:     c.Query("after"),
		Before:    c.Query("before"),
		Limit:     50,
	}

	if v := c.Query("minAmount"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "minAmount must be a number"})
			return
		}
		f.MinAmount = &n
	}
	if v := c.Query("maxAmount"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "maxAmount must be a number"})
			return
		}
		f.MaxAmount = &n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		if n > 500 {
			n = 500
		}
		f.Limit = n
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Cursor is malformed"})
		return
	}
	if cur != nil {
		// Results come back newest first, so the next page is everything
		// older than the cursor position.
		f.Before = cur.CreatedAt
	}

	limit := f.Limit
	f.Limit = limit + 1

	txs, err := h.ledger.Query(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to query transactions",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(txs, limit, func(tx *payment.Transaction) (string, string) {
		return tx.CreatedAt, tx.ID
	})

	resp := gin.H{"transactions": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// StatusRequest moves a transaction along its lifecycle.
type StatusRequest struct {
	Status payment.Status `json:"status" binding:"required"`
}

// UpdateStatus handles POST /transactions/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve transaction"})
		return
	}

	if err := tx.UpdateStatus(req.Status); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": err.Error(),
		})
		return
	}

	if err := h.ledger.Record(c.Request.Context(), tx); err != nil {
		h.logger.Error("status update failed", "txId", tx.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to update transaction"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.ledger.Agents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// ListRecipients handles GET /recipients.
func (h *Handler) ListRecipients(c *gin.Context) {
	recipients, err := h.ledger.Recipients(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list recipients"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipients": recipients, "count": len(recipients)})
}

// GetSummary handles GET /analytics/summary?since=.
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.analytics.Summary(c.Request.Context(), c.Query("since"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_error", "message": "Failed to compute summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetAgentSummary handles GET /analytics/agents/:id?since=.
func (h *Handler) GetAgentSummary(c *gin.Context) {
	summary, err := h.analytics.AgentSummary(c.Request.Context(), c.Param("id"), c.Query("since"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics_error", "message": "Failed to compute agent summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
