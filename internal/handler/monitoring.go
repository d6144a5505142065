package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
)

type MonitoringHandler struct {
	monitor *service.Monitor
	tuner   *service.Tuner
	now     func() time.Time
}

// tuner may be nil when adaptive tuning is disabled
func NewMonitoringHandler(monitor *service.Monitor, tuner *service.Tuner) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor, tuner: tuner, now: time.Now}
}

// Handles GET /admin/monitoring/metrics
func (h *MonitoringHandler) Metrics(c *gin.Context) {
	report, err := h.monitor.Metrics(c.Request.Context(), c.DefaultQuery("timeframe", service.TimeframeHour))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// Handles GET /admin/monitoring/realtime
func (h *MonitoringHandler) Realtime(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.RealtimeStatus(c.Request.Context()))
}

// Handles GET /admin/monitoring/users/:id/history
func (h *MonitoringHandler) UserHistory(c *gin.Context) {
	from, to, err := parseTimeRange(c, h.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, offset := parsePagination(c, 100, 1000)

	records, err := h.monitor.UserHistory(c.Request.Context(), c.Param("id"), from, to, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": c.Param("id"),
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// Handles GET /admin/monitoring/tuner
func (h *MonitoringHandler) TunerStatus(c *gin.Context) {
	if h.tuner == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": true, "last_tick": h.tuner.LastReport()})
}

// Handles POST /admin/monitoring/tuner/run
func (h *MonitoringHandler) RunTuner(c *gin.Context) {
	if h.tuner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Adaptive tuning is disabled"})
		return
	}

	report, err := h.tuner.RunNow(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
