package circuitbreaker

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for breaker visibility and manual resets.
type Handler struct {
	breaker *Breaker
	logger  *slog.Logger
}

// NewHandler creates a new circuit breaker handler.
func NewHandler(breaker *Breaker, logger *slog.Logger) *Handler {
	return &Handler{breaker: breaker, logger: logger}
}

// RegisterRoutes sets up breaker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/breakers", h.List)
	r.POST("/breakers/reset", h.ResetAll)
	r.POST("/breakers/:key/reset", h.Reset)
}

// List handles GET /breakers.
func (h *Handler) List(c *gin.Context) {
	snap := h.breaker.Snapshot()
	c.JSON(http.StatusOK, gin.H{"breakers": snap, "count": len(snap)})
}

// Reset handles POST /breakers/:key/reset.
func (h *Handler) Reset(c *gin.Context) {
	key := c.Param("key")
	h.breaker.Reset(key)
	h.logger.Info("circuit breaker reset", "key", key)
	c.JSON(http.StatusOK, gin.H{"key": key, "state": h.breaker.GetState(key).String()})
}

// ResetAll handles POST /breakers/reset.
func (h *Handler) ResetAll(c *gin.Context) {
	snap := h.breaker.Snapshot()
	h.breaker.ResetAll()
	h.logger.Info("all circuit breakers reset", "count", len(snap))
	c.JSON(http.StatusOK, gin.H{"reset": len(snap)})
}
