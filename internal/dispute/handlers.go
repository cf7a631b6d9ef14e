package dispute

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/pagination"
)

// Handler provides HTTP endpoints for dispute management.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.File)
	r.GET("/disputes", h.Query)
	r.GET("/disputes/stats", h.Stats)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.PUT("/disputes/:id/status", h.UpdateStatus)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// File handles POST /disputes.
func (h *Handler) File(c *gin.Context) {
	var input FileInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "transactionId, reason, and a positive requestedAmount required"})
		return
	}

	d, err := h.manager.File(c.Request.Context(), input)
	if err != nil {
		if errors.Is(err, ErrActiveDisputeExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "active_dispute_exists", "message": err.Error()})
			return
		}
		if errors.Is(err, ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("failed to file dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to file dispute"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /disputes/:id.
func (h *Handler) Get(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "dispute not found"})
			return
		}
		h.logger.Error("failed to load dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load dispute"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Query handles GET /disputes. Passing a previous response's nextCursor
// pages through older cases.
func (h *Handler) Query(c *gin.Context) {
	var f Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid filter"})
		return
	}
	if f.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
		return
	}
	if f.Limit == 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
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

	disputes, err := h.manager.Query(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
			return
		}
		h.logger.Error("failed to query disputes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to query disputes"})
		return
	}
	if disputes == nil {
		disputes = []*Case{}
	}

	page, next, hasMore := pagination.ComputePage(disputes, limit, func(d *Case) (string, string) {
		return d.CreatedAt, d.ID
	})

	resp := gin.H{"disputes": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// AddEvidence handles POST /disputes/:id/evidence.
func (h *Handler) AddEvidence(c *gin.Context) {
	var input EvidenceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "evidence type required"})
		return
	}

	d, err := h.manager.AddEvidence(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		h.respondMutationError(c, err, "failed to add evidence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// UpdateStatus handles PUT /disputes/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var input struct {
		Status Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status required"})
		return
	}

	d, err := h.manager.UpdateStatus(c.Request.Context(), c.Param("id"), input.Status)
	if err != nil {
		h.respondMutationError(c, err, "failed to update status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /disputes/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var input ResolveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status and liability required"})
		return
	}

	d, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		h.respondMutationError(c, err, "failed to resolve dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Stats handles GET /disputes/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.manager.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute dispute stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *Handler) respondMutationError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "dispute not found"})
	case errors.Is(err, ErrDisputeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_closed", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidLiability), errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": logMsg})
	}
}
