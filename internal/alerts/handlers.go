package alerts

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
)

// HTTPHandler provides HTTP endpoints for alert rules and recent alerts.
type HTTPHandler struct {
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewHandler creates a new alerts handler.
func NewHandler(evaluator *Evaluator, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{evaluator: evaluator, logger: logger}
}

// RegisterRoutes sets up alert routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/alerts/rules", h.CreateRule)
	r.GET("/alerts/rules", h.ListRules)
	r.DELETE("/alerts/rules/:id", h.DeleteRule)
	r.GET("/alerts", h.ListRecent)
}

// CreateRule handles POST /alerts/rules.
func (h *HTTPHandler) CreateRule(c *gin.Context) {
	var req struct {
		Name     string          `json:"name" binding:"required"`
		Type     RuleType        `json:"type" binding:"required"`
		Severity Severity        `json:"severity"`
		Enabled  *bool           `json:"enabled"`
		Params   json.RawMessage `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and type required"})
		return
	}

	severity := req.Severity
	if severity == "" {
		severity = SeverityWarning
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	r := &Rule{
		ID:        idgen.New("rule"),
		Name:      req.Name,
		Type:      req.Type,
		Severity:  severity,
		Enabled:   enabled,
		Params:    req.Params,
		CreatedAt: isotime.Now(),
	}

	if err := h.evaluator.AddRule(r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": r})
}

// ListRules handles GET /alerts/rules.
func (h *HTTPHandler) ListRules(c *gin.Context) {
	rules := h.evaluator.Rules()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// DeleteRule handles DELETE /alerts/rules/:id.
func (h *HTTPHandler) DeleteRule(c *gin.Context) {
	id := c.Param("id")
	if !h.evaluator.RemoveRule(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListRecent handles GET /alerts.
func (h *HTTPHandler) ListRecent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	alerts := h.evaluator.Recent(limit)
	if alerts == nil {
		alerts = []Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
