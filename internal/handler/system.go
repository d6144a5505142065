package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/aman-churiwal/rate-guard/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// breakers is keyed by name: "redis" for the gate's cache breaker and the
// service path for each upstream
func NewSystemHandler(breakers map[string]*circuitbreaker.CircuitBreaker) *SystemHandler {
	return &SystemHandler{breakers: breakers}
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	names := make([]string, 0, len(h.breakers))
	for name := range h.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]circuitbreaker.Metrics, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, h.breakers[name].Metrics())
	}

	c.JSON(http.StatusOK, gin.H{"circuit_breakers": statuses})
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	// Wildcard param already includes leading slash (e.g., "/api/users")
	name := c.Param("name")

	breaker, exists := h.breakers[name]
	if !exists {
		breaker, exists = h.breakers[strings.TrimPrefix(name, "/")]
	}
	if !exists {
		notFound(c, "Circuit breaker")
		return
	}

	breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    breaker.Name(),
	})
}
