package recovery

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/dispute"
)

// Handler provides HTTP endpoints for refund recovery.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new recovery handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up recovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/recoveries", h.Initiate)
	r.GET("/recoveries", h.List)
	r.POST("/recoveries/process", h.Process)
	r.GET("/recoveries/stats", h.Stats)
	r.GET("/recoveries/:id", h.Get)
	r.POST("/recoveries/:id/cancel", h.Cancel)
}

// Initiate handles POST /recoveries.
func (h *Handler) Initiate(c *gin.Context) {
	var input struct {
		DisputeID string `json:"disputeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "disputeId required"})
		return
	}

	a, err := h.engine.Initiate(c.Request.Context(), input.DisputeID)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "dispute not found"})
		case errors.Is(err, ErrDisputeNotEligible):
			c.JSON(http.StatusConflict, gin.H{"error": "dispute_not_eligible", "message": err.Error()})
		case errors.Is(err, ErrRecoveryExists):
			c.JSON(http.StatusConflict, gin.H{"error": "recovery_exists", "message": err.Error()})
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			h.logger.Error("failed to initiate recovery", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to initiate recovery"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"recovery": a})
}

// Process handles POST /recoveries/process.
func (h *Handler) Process(c *gin.Context) {
	processed, err := h.engine.ProcessQueue(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to process recovery queue", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to process recovery queue"})
		return
	}
	if processed == nil {
		processed = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed, "count": len(processed)})
}

// Get handles GET /recoveries/:id.
func (h *Handler) Get(c *gin.Context) {
	a, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "recovery not found"})
			return
		}
		h.logger.Error("failed to load recovery", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load recovery"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery": a})
}

// List handles GET /recoveries. A disputeId query parameter narrows to one
// dispute's actions; otherwise an optional status filter applies.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		actions []*Action
		err     error
	)
	if disputeID := c.Query("disputeId"); disputeID != "" {
		actions, err = h.engine.ByDispute(ctx, disputeID)
	} else {
		actions, err = h.engine.List(ctx, Status(c.Query("status")))
	}
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("failed to list recoveries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list recoveries"})
		return
	}
	if actions == nil {
		actions = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"recoveries": actions, "count": len(actions)})
}

// Cancel handles POST /recoveries/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	a, err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "recovery not found"})
		case errors.Is(err, ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "not_cancellable", "message": err.Error()})
		default:
			h.logger.Error("failed to cancel recovery", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to cancel recovery"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery": a})
}

// Stats handles GET /recoveries/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute recovery stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
