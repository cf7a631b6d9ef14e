package provenance

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes provenance chains over HTTP.
type Handler struct {
	log    *Log
	logger *slog.Logger
}

// NewHandler creates a provenance HTTP handler.
func NewHandler(log *Log, logger *slog.Logger) *Handler {
	return &Handler{log: log, logger: logger}
}

// RegisterRoutes mounts provenance endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/provenance", h.Index)
	r.GET("/provenance/:id", h.GetChain)
	r.GET("/provenance/:id/complete", h.GetCompleteness)
}

// Index returns every tracked transaction id and the total record count.
func (h *Handler) Index(c *gin.Context) {
	ctx := c.Request.Context()

	ids, err := h.log.TransactionIDs(ctx)
	if err != nil {
		h.fail(c, "list transaction ids", err)
		return
	}
	total, err := h.log.TotalRecords(ctx)
	if err != nil {
		h.fail(c, "count records", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionIds": ids,
		"count":          len(ids),
		"totalRecords":   total,
	})
}

// GetChain returns a transaction's full provenance chain in append order.
func (h *Handler) GetChain(c *gin.Context) {
	txID := c.Param("id")

	chain, err := h.log.Chain(c.Request.Context(), txID)
	if err != nil {
		h.fail(c, "load chain", err)
		return
	}
	if len(chain) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no provenance records for transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": txID,
		"records":       chain,
		"count":         len(chain),
	})
}

// GetCompleteness reports whether the chain is closed and its last stage.
func (h *Handler) GetCompleteness(c *gin.Context) {
	ctx := c.Request.Context()
	txID := c.Param("id")

	stage, err := h.log.LastStage(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "no provenance records for transaction",
			})
			return
		}
		h.fail(c, "resolve last stage", err)
		return
	}

	complete, err := h.log.IsComplete(ctx, txID)
	if err != nil {
		h.fail(c, "check completeness", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": txID,
		"complete":      complete,
		"lastStage":     stage,
	})
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	h.logger.Error("provenance request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "provenance lookup failed",
	})
}
