package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
)

type OverrideHandler struct {
	service *service.OverrideService
}

func NewOverrideHandler(service *service.OverrideService) *OverrideHandler {
	return &OverrideHandler{service: service}
}

type overrideRequest struct {
	ScopeType  models.ScopeType `json:"scope_type"`
	ScopeValue string           `json:"scope_value"`
	Reason     string           `json:"reason"`
	Detail     string           `json:"detail"`
	AddedBy    string           `json:"added_by"`
	ExpiresAt  *time.Time       `json:"expires_at"`
	// Relative alternative to expires_at, e.g. "24h"
	TTL string `json:"ttl"`
}

// Handles GET /admin/overrides
func (h *OverrideHandler) List(c *gin.Context) {
	kind := models.OverrideKind(c.Query("kind"))
	activeOnly := c.DefaultQuery("active", "true") != "false"

	entries, err := h.service.List(c.Request.Context(), kind, activeOnly)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"overrides": entries, "count": len(entries)})
}

// Handles POST /admin/overrides/allow
func (h *OverrideHandler) Allow(c *gin.Context) {
	h.add(c, models.OverrideAllow)
}

// Handles POST /admin/overrides/deny
func (h *OverrideHandler) Deny(c *gin.Context) {
	h.add(c, models.OverrideDeny)
}

func (h *OverrideHandler) add(c *gin.Context, kind models.OverrideKind) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiresAt := req.ExpiresAt
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a positive duration", "field": "ttl"})
			return
		}
		at := time.Now().Add(ttl)
		expiresAt = &at
	}

	// Fall back to the authenticated caller
	if req.AddedBy == "" {
		req.AddedBy = c.GetString("user_id")
	}

	entry, err := h.service.Add(c.Request.Context(), kind, service.OverrideInput{
		ScopeType:  req.ScopeType,
		ScopeValue: req.ScopeValue,
		Reason:     req.Reason,
		Detail:     req.Detail,
		AddedBy:    req.AddedBy,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Handles DELETE /admin/overrides/:id
func (h *OverrideHandler) Delete(c *gin.Context) {
	ok, err := h.service.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		notFound(c, "Override")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Override removed"})
}

// Handles GET /admin/overrides/check
func (h *OverrideHandler) Check(c *gin.Context) {
	result, err := h.service.Check(c.Request.Context(), models.ScopeType(c.Query("scope_type")), c.Query("value"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
