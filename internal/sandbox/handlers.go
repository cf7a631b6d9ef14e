package sandbox

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes mandate management for the sandbox facilitator.
type Handler struct {
	facilitator *Facilitator
	logger      *slog.Logger
}

// NewHandler creates a new sandbox handler.
func NewHandler(f *Facilitator, logger *slog.Logger) *Handler {
	return &Handler{facilitator: f, logger: logger}
}

// RegisterRoutes sets up the sandbox routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sandbox/mandates", h.Issue)
	r.GET("/sandbox/mandates", h.List)
	r.GET("/sandbox/mandates/:id", h.Get)
}

type issueInput struct {
	Payer      string  `json:"payer" binding:"required"`
	Cap        float64 `json:"cap" binding:"required,gt=0"`
	Currency   string  `json:"currency"`
	TTLSeconds int     `json:"ttlSeconds"`
}

// Issue handles POST /sandbox/mandates.
func (h *Handler) Issue(c *gin.Context) {
	var input issueInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "payer and a positive cap required"})
		return
	}

	m, err := h.facilitator.IssueMandate(input.Payer, input.Cap, input.Currency, time.Duration(input.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("failed to issue mandate", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue mandate"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"mandate": m})
}

// Get handles GET /sandbox/mandates/:id.
func (h *Handler) Get(c *gin.Context) {
	m, err := h.facilitator.Mandate(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "mandate not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mandate": m})
}

// List handles GET /sandbox/mandates.
func (h *Handler) List(c *gin.Context) {
	mandates := h.facilitator.Mandates()
	c.JSON(http.StatusOK, gin.H{"mandates": mandates, "count": len(mandates)})
}
