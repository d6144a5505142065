package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
)

const defaultSignalWindow = 15 * time.Minute

type FraudHandler struct {
	monitor *service.Monitor
}

func NewFraudHandler(monitor *service.Monitor) *FraudHandler {
	return &FraudHandler{monitor: monitor}
}

// Handles GET /admin/fraud/signals
func (h *FraudHandler) Signals(c *gin.Context) {
	window := defaultSignalWindow
	if w := c.Query("window"); w != "" {
		parsed, err := time.ParseDuration(w)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a duration such as 15m", "field": "window"})
			return
		}
		window = parsed
	}

	signals, err := h.monitor.FraudSignals(c.Request.Context(), c.Query("user_id"), c.Query("ip"), window)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, signals)
}
