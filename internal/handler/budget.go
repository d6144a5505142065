package handler

import (
	"net/http"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
)

type BudgetHandler struct {
	service *service.BudgetResolver
}

func NewBudgetHandler(service *service.BudgetResolver) *BudgetHandler {
	return &BudgetHandler{service: service}
}

type budgetRequest struct {
	MerchantID string `json:"merchant_id"`
	Role       string `json:"role"`
	Tier       string `json:"tier"`
	models.Quota
}

// Handles GET /admin/budgets
func (h *BudgetHandler) List(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"

	configs, err := h.service.List(c.Request.Context(), c.Query("merchant_id"), activeOnly)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"budgets": configs, "count": len(configs)})
}

// Handles GET /admin/budgets/:id
func (h *BudgetHandler) Get(c *gin.Context) {
	cfg, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if cfg == nil {
		notFound(c, "Budget config")
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// Handles POST /admin/budgets
func (h *BudgetHandler) Create(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := &models.BudgetConfig{MerchantID: req.MerchantID, Role: req.Role, Tier: req.Tier}
	cfg.ApplyQuota(req.Quota)

	if err := h.service.Create(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cfg)
}

// Handles PUT /admin/budgets/:id
func (h *BudgetHandler) Update(c *gin.Context) {
	var quota models.Quota
	if err := c.ShouldBindJSON(&quota); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.service.Update(c.Request.Context(), c.Param("id"), quota)
	if err != nil {
		respondError(c, err)
		return
	}
	if cfg == nil {
		notFound(c, "Budget config")
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// Handles DELETE /admin/budgets/:id
func (h *BudgetHandler) Delete(c *gin.Context) {
	ok, err := h.service.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		notFound(c, "Budget config")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Budget config deactivated"})
}

// Handles GET /admin/budgets/resolve. Materializes a default when the
// scope has no config yet, exactly as the gate would.
func (h *BudgetHandler) Resolve(c *gin.Context) {
	merchantID := c.Query("merchant_id")
	if merchantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merchant_id is required", "field": "merchant_id"})
		return
	}

	cfg := h.service.Resolve(c.Request.Context(), service.ResolveRequest{
		UserID:       c.Query("user_id"),
		MerchantID:   merchantID,
		MerchantName: c.Query("merchant_name"),
		Role:         c.Query("role"),
	})

	c.JSON(http.StatusOK, gin.H{
		"budget":      cfg,
		"burst_limit": cfg.BurstLimit(),
	})
}
