package policy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/validation"
)

// Handler provides HTTP endpoints for policy CRUD and dry-run evaluation.
// Mutations write through the store first and then mirror into the engine,
// so a failed write never changes what the engine enforces.
type Handler struct {
	store  Store
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new policy handler.
func NewHandler(store Store, engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{store: store, engine: engine, logger: logger}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.Create)
	r.GET("/policies", h.List)
	r.GET("/policies/:id", h.Get)
	r.PUT("/policies/:id", h.Update)
	r.DELETE("/policies/:id", h.Delete)
	r.POST("/policies/:id/enable", h.Enable)
	r.POST("/policies/:id/disable", h.Disable)
	r.GET("/policies/:id/spend", h.GetSpend)
	r.POST("/evaluate", h.Evaluate)
}

type policyRequest struct {
	Name       string        `json:"name" binding:"required"`
	Enabled    *bool         `json:"enabled"`
	Rules      []Rule        `json:"rules"`
	Budgets    []BudgetLimit `json:"budgets"`
	CooldownMs int64         `json:"cooldownMs"`
}

// Create handles POST /policies.
func (h *Handler) Create(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := isotime.Now()
	p := &SpendPolicy{
		ID:         idgen.New("pol"),
		Name:       validation.SanitizeString(req.Name, 200),
		Enabled:    enabled,
		Rules:      req.Rules,
		Budgets:    req.Budgets,
		CooldownMs: req.CooldownMs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	fillRuleIDs(p.Rules)

	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "policy name already exists"})
			return
		}
		h.logger.Error("create policy failed", "policyId", p.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create policy"})
		return
	}
	if err := h.engine.LoadPolicy(p); err != nil {
		h.logger.Error("load policy into engine failed", "policyId", p.ID, "error", err)
	}

	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// List handles GET /policies.
func (h *Handler) List(c *gin.Context) {
	policies, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list policies failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list policies"})
		return
	}
	if policies == nil {
		policies = []*SpendPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Get handles GET /policies/:id.
func (h *Handler) Get(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		h.logger.Error("get policy failed", "policyId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Update handles PUT /policies/:id. Fields are merged: absent fields keep
// their stored values.
func (h *Handler) Update(c *gin.Context) {
	existing, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		h.logger.Error("get policy failed", "policyId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}

	var req struct {
		Name       *string       `json:"name"`
		Enabled    *bool         `json:"enabled"`
		Rules      []Rule        `json:"rules"`
		Budgets    []BudgetLimit `json:"budgets"`
		CooldownMs *int64        `json:"cooldownMs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		existing.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.Rules != nil {
		fillRuleIDs(req.Rules)
		existing.Rules = req.Rules
	}
	if req.Budgets != nil {
		existing.Budgets = req.Budgets
	}
	if req.CooldownMs != nil {
		existing.CooldownMs = *req.CooldownMs
	}
	existing.UpdatedAt = isotime.Now()

	if err := existing.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	if err := h.store.Update(c.Request.Context(), existing); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "policy name already exists"})
			return
		}
		h.logger.Error("update policy failed", "policyId", existing.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		return
	}
	if err := h.engine.LoadPolicy(existing); err != nil {
		h.logger.Error("load policy into engine failed", "policyId", existing.ID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"policy": existing})
}

// Delete handles DELETE /policies/:id.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		h.logger.Error("delete policy failed", "policyId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete policy"})
		return
	}
	h.engine.RemovePolicy(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// Enable handles POST /policies/:id/enable.
func (h *Handler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// Disable handles POST /policies/:id/disable.
func (h *Handler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		h.logger.Error("get policy failed", "policyId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}

	p.Enabled = enabled
	p.UpdatedAt = isotime.Now()
	if err := h.store.Update(c.Request.Context(), p); err != nil {
		h.logger.Error("update policy failed", "policyId", p.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		return
	}
	if err := h.engine.LoadPolicy(p); err != nil {
		h.logger.Error("load policy into engine failed", "policyId", p.ID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// GetSpend handles GET /policies/:id/spend. Reports the current bucket for
// every budget on the policy. An optional ?at= timestamp addresses a past
// window.
func (h *Handler) GetSpend(c *gin.Context) {
	p, err := h.engine.Policy(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return
	}

	at, err := referenceTime(c.Query("at"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "at must be an ISO-8601 timestamp"})
		return
	}

	type budgetSpend struct {
		Window    Window  `json:"window"`
		MaxAmount float64 `json:"maxAmount"`
		Currency  string  `json:"currency,omitempty"`
		Amount    float64 `json:"amount"`
		Count     int     `json:"count"`
		Remaining float64 `json:"remaining"`
	}
	out := make([]budgetSpend, 0, len(p.Budgets))
	for _, b := range p.Budgets {
		s := h.engine.CurrentSpend(p.ID, b, at)
		remaining := b.MaxAmount - s.Amount
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, budgetSpend{
			Window:    b.Window,
			MaxAmount: b.MaxAmount,
			Currency:  b.Currency,
			Amount:    s.Amount,
			Count:     s.Count,
			Remaining: remaining,
		})
	}
	c.JSON(http.StatusOK, gin.H{"policyId": p.ID, "budgets": out})
}

// Evaluate handles POST /evaluate: a dry run of the policy engine over a
// candidate transaction. Nothing is recorded.
func (h *Handler) Evaluate(c *gin.Context) {
	var in payment.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	tx, err := payment.New(in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_transaction", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decision": h.engine.Evaluate(tx)})
}

func fillRuleIDs(rules []Rule) {
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = idgen.New("rule")
		}
	}
}

// referenceTime parses ?at=; empty means "now" (zero time).
func referenceTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return isotime.Parse(raw)
}
