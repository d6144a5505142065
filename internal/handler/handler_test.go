package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/circuitbreaker"
	"github.com/aman-churiwal/rate-guard/internal/config"
	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/aman-churiwal/rate-guard/internal/storage/storagetest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminAPI struct {
	router  *gin.Engine
	history *repository.HistoryRepository
	redisCB *circuitbreaker.CircuitBreaker
}

func newAdminAPI(t *testing.T, withTuner bool) *adminAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := storagetest.NewPostgres(t)
	history := repository.NewHistoryRepository(db)
	overrides := service.NewOverrideService(repository.NewOverrideRepository(db), nil)
	budgets := service.NewBudgetResolver(repository.NewBudgetRepository(db), nil, nil)
	monitor := service.NewMonitor(history, overrides, nil, config.MonitorConfig{
		IPThreshold:      10,
		UserThreshold:    15,
		EscalationWindow: 5 * time.Minute,
		BlockDuration:    24 * time.Hour,
		BufferSize:       10,
		BatchSize:        10,
		FlushInterval:    time.Hour,
		RetryInterval:    time.Hour,
		TopN:             5,
	}, 1, nil, nil)

	var tuner *service.Tuner
	if withTuner {
		tuner = service.NewTuner(history, budgets, config.TunerConfig{
			Enabled:        true,
			Interval:       time.Hour,
			Lookback:       time.Hour,
			LowThreshold:   0.01,
			HighThreshold:  0.10,
			StepPercent:    5,
			MinPerMinute:   10,
			MinPerSecond:   1,
			MinPerHour:     10,
			MinPerDay:      100,
			MaxConcurrency: 2,
		}, nil, nil)
	}

	api := &adminAPI{
		router:  gin.New(),
		history: history,
		redisCB: circuitbreaker.New(circuitbreaker.Config{Name: "redis"}),
	}

	budgetHandler := NewBudgetHandler(budgets)
	overrideHandler := NewOverrideHandler(overrides)
	monitoringHandler := NewMonitoringHandler(monitor, tuner)
	fraudHandler := NewFraudHandler(monitor)
	systemHandler := NewSystemHandler(map[string]*circuitbreaker.CircuitBreaker{"redis": api.redisCB})

	admin := api.router.Group("/admin")
	{
		admin.GET("/budgets", budgetHandler.List)
		admin.GET("/budgets/resolve", budgetHandler.Resolve)
		admin.GET("/budgets/:id", budgetHandler.Get)
		admin.POST("/budgets", budgetHandler.Create)
		admin.PUT("/budgets/:id", budgetHandler.Update)
		admin.DELETE("/budgets/:id", budgetHandler.Delete)

		admin.GET("/overrides", overrideHandler.List)
		admin.GET("/overrides/check", overrideHandler.Check)
		admin.POST("/overrides/allow", overrideHandler.Allow)
		admin.POST("/overrides/deny", overrideHandler.Deny)
		admin.DELETE("/overrides/:id", overrideHandler.Delete)

		admin.GET("/monitoring/metrics", monitoringHandler.Metrics)
		admin.GET("/monitoring/realtime", monitoringHandler.Realtime)
		admin.GET("/monitoring/users/:id/history", monitoringHandler.UserHistory)
		admin.GET("/monitoring/tuner", monitoringHandler.TunerStatus)
		admin.POST("/monitoring/tuner/run", monitoringHandler.RunTuner)

		admin.GET("/fraud/signals", fraudHandler.Signals)

		admin.GET("/circuit-breakers", systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/reset/*name", systemHandler.ResetCircuitBreaker)
	}

	return api
}

func (a *adminAPI) call(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestBudgetHandler_Lifecycle(t *testing.T) {
	api := newAdminAPI(t, false)

	w, created := api.call(t, http.MethodPost, "/admin/budgets", gin.H{
		"merchant_id":         "m-1",
		"role":                "merchant",
		"requests_per_second": 2,
		"requests_per_minute": 60,
		"requests_per_hour":   1000,
		"requests_per_day":    10000,
		"burst_multiplier":    2,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := created["id"].(string)
	assert.Equal(t, 300.0, created["burst_duration_seconds"])

	w, _ = api.call(t, http.MethodPost, "/admin/budgets", gin.H{
		"merchant_id":         "m-1",
		"role":                "merchant",
		"requests_per_second": 1,
		"requests_per_minute": 10,
		"requests_per_hour":   100,
		"requests_per_day":    1000,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, got := api.call(t, http.MethodGet, "/admin/budgets/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 60.0, got["requests_per_minute"])

	w, updated := api.call(t, http.MethodPut, "/admin/budgets/"+id, gin.H{
		"requests_per_second": 2,
		"requests_per_minute": 90,
		"requests_per_hour":   2000,
		"requests_per_day":    20000,
		"burst_multiplier":    1.5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 90.0, updated["requests_per_minute"])

	w, resolved := api.call(t, http.MethodGet, "/admin/budgets/resolve?merchant_id=m-1&role=merchant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 135.0, resolved["burst_limit"])

	w, list := api.call(t, http.MethodGet, "/admin/budgets?merchant_id=m-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, list["count"])

	w, _ = api.call(t, http.MethodDelete, "/admin/budgets/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = api.call(t, http.MethodDelete, "/admin/budgets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBudgetHandler_Validation(t *testing.T) {
	api := newAdminAPI(t, false)

	w, body := api.call(t, http.MethodPost, "/admin/budgets", gin.H{
		"merchant_id":         "m-1",
		"tier":                "basic",
		"requests_per_second": 10,
		"requests_per_minute": 5,
		"requests_per_hour":   100,
		"requests_per_day":    1000,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["field"])
	assert.NotEmpty(t, body["error"])

	w, body = api.call(t, http.MethodGet, "/admin/budgets/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "id", body["field"])

	w, _ = api.call(t, http.MethodGet, "/admin/budgets/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBudgetHandler_ResolveMaterializesDefault(t *testing.T) {
	api := newAdminAPI(t, false)

	w, body := api.call(t, http.MethodGet, "/admin/budgets/resolve?merchant_id=m-9&merchant_name=Acme+Enterprise", nil)
	require.Equal(t, http.StatusOK, w.Code)

	budget := body["budget"].(map[string]interface{})
	assert.Equal(t, "enterprise", budget["tier"])
	assert.Equal(t, 1000.0, budget["requests_per_minute"])
}

func TestOverrideHandler_DenyCheckRemove(t *testing.T) {
	api := newAdminAPI(t, false)

	w, entry := api.call(t, http.MethodPost, "/admin/overrides/deny", gin.H{
		"scope_type":  "ip",
		"scope_value": "192.0.2.1",
		"reason":      "abuse",
		"added_by":    "ops",
		"ttl":         "1h",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "deny", entry["kind"])
	assert.NotEmpty(t, entry["expires_at"])

	_, allow := api.call(t, http.MethodPost, "/admin/overrides/allow", gin.H{
		"scope_type":  "ip",
		"scope_value": "192.0.2.1",
		"reason":      "partner",
		"added_by":    "ops",
	})
	require.NotNil(t, allow)

	w, check := api.call(t, http.MethodGet, "/admin/overrides/check?scope_type=ip&value=192.0.2.1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deny", check["effective"])

	w, list := api.call(t, http.MethodGet, "/admin/overrides?kind=deny", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, list["count"])

	w, _ = api.call(t, http.MethodDelete, "/admin/overrides/"+entry["id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, check = api.call(t, http.MethodGet, "/admin/overrides/check?scope_type=ip&value=192.0.2.1", nil)
	assert.Equal(t, "allow", check["effective"])
}

func TestOverrideHandler_Validation(t *testing.T) {
	api := newAdminAPI(t, false)

	tests := []struct {
		name  string
		body  gin.H
		field string
	}{
		{"bad scope", gin.H{"scope_type": "device", "scope_value": "x", "reason": "r", "added_by": "ops"}, "scope_type"},
		{"missing value", gin.H{"scope_type": "ip", "reason": "r", "added_by": "ops"}, "scope_value"},
		{"missing reason", gin.H{"scope_type": "ip", "scope_value": "x", "added_by": "ops"}, "reason"},
		{"bad ttl", gin.H{"scope_type": "ip", "scope_value": "x", "reason": "r", "added_by": "ops", "ttl": "soon"}, "ttl"},
		{"past expiry", gin.H{"scope_type": "ip", "scope_value": "x", "reason": "r", "added_by": "ops", "expires_at": "2001-01-01T00:00:00Z"}, "expires_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := api.call(t, http.MethodPost, "/admin/overrides/deny", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.field, body["field"])
		})
	}

	w, _ := api.call(t, http.MethodGet, "/admin/overrides?kind=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitoringHandler_MetricsAndHistory(t *testing.T) {
	api := newAdminAPI(t, false)
	now := time.Now().UTC()

	require.NoError(t, api.history.CreateBatch(context.Background(), []models.HistoryRecord{
		{Timestamp: now.Add(-10 * time.Second), UserID: "u-1", IPAddress: "192.0.2.5", Endpoint: "/api/ping", RequestCount: 1, LimitApplied: 30, WasThrottled: true},
		{Timestamp: now.Add(-20 * time.Second), UserID: "u-1", IPAddress: "192.0.2.5", Endpoint: "/api/ping", RequestCount: 1, LimitApplied: 30},
	}))

	w, report := api.call(t, http.MethodGet, "/admin/monitoring/metrics?timeframe=minute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, report["total_requests"])
	assert.Equal(t, 1.0, report["throttled_requests"])

	w, _ = api.call(t, http.MethodGet, "/admin/monitoring/metrics?timeframe=week", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, history := api.call(t, http.MethodGet, "/admin/monitoring/users/u-1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, history["records"], 1)

	w, _ = api.call(t, http.MethodGet, "/admin/monitoring/users/u-1/history?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, realtime := api.call(t, http.MethodGet, "/admin/monitoring/realtime", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 60.0, realtime["window_seconds"])
}

func TestMonitoringHandler_Tuner(t *testing.T) {
	disabled := newAdminAPI(t, false)
	w, _ := disabled.call(t, http.MethodPost, "/admin/monitoring/tuner/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	api := newAdminAPI(t, true)
	w, report := api.call(t, http.MethodPost, "/admin/monitoring/tuner/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, report["merchants_evaluated"])

	w, status := api.call(t, http.MethodGet, "/admin/monitoring/tuner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, status["enabled"])
	assert.NotNil(t, status["last_tick"])
}

func TestFraudHandler_Signals(t *testing.T) {
	api := newAdminAPI(t, false)
	now := time.Now().UTC()

	require.NoError(t, api.history.CreateBatch(context.Background(), []models.HistoryRecord{
		{Timestamp: now.Add(-time.Minute), UserID: "u-7", IPAddress: "192.0.2.7", Endpoint: "/api/a", RequestCount: 1, LimitApplied: 30, WasThrottled: true},
		{Timestamp: now.Add(-2 * time.Minute), UserID: "u-7", IPAddress: "192.0.2.7", Endpoint: "/api/b", RequestCount: 1, LimitApplied: 60, BurstActive: true},
		{Timestamp: now.Add(-time.Hour), UserID: "u-7", IPAddress: "192.0.2.7", Endpoint: "/api/c", RequestCount: 1, LimitApplied: 30, WasThrottled: true},
	}))

	w, signals := api.call(t, http.MethodGet, "/admin/fraud/signals?user_id=u-7&ip=192.0.2.7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, signals["throttled_events"])
	assert.Equal(t, 1.0, signals["burst_usages"])
	assert.Equal(t, 2.0, signals["distinct_endpoints"])

	w, signals = api.call(t, http.MethodGet, "/admin/fraud/signals?user_id=u-7&window=2h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, signals["throttled_events"])

	w, _ = api.call(t, http.MethodGet, "/admin/fraud/signals?user_id=u-7&window=30d", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.call(t, http.MethodGet, "/admin/fraud/signals", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemHandler_Breakers(t *testing.T) {
	api := newAdminAPI(t, false)

	for i := 0; i < 5; i++ {
		api.redisCB.Call(func() error { return assert.AnError })
	}
	require.Equal(t, circuitbreaker.StateOpen, api.redisCB.State())

	w, body := api.call(t, http.MethodGet, "/admin/circuit-breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	breakers := body["circuit_breakers"].([]interface{})
	require.Len(t, breakers, 1)
	assert.Equal(t, "open", breakers[0].(map[string]interface{})["state"])

	w, _ = api.call(t, http.MethodPost, "/admin/circuit-breakers/reset/redis", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, api.redisCB.State())

	w, _ = api.call(t, http.MethodPost, "/admin/circuit-breakers/reset/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
