package handlers

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	appmetrics "github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/metrics"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

// Version is set from the build via -ldflags.
var Version = "dev"

var startTime = time.Now()

// HealthHandler liveness, readiness and metrics endpoints.
type HealthHandler struct {
	db      *gorm.DB
	breaker *services.CircuitBreaker
	logger  *logrus.Logger
}

// NewHealthHandler breaker may be nil when the LINE sender is not in use.
func NewHealthHandler(db *gorm.DB, breaker *services.CircuitBreaker, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{db: db, breaker: breaker, logger: logger}
}

// HealthResponse body of /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo state of one dependency.
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Health reports "degraded" when a dependency is down but still answers 200.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Services:  map[string]ServiceInfo{"database": h.checkDatabase(ctx)},
	}
	if h.breaker != nil {
		info := ServiceInfo{Status: "healthy", Details: h.breaker.Stats()}
		if h.breaker.State() != services.StateClosedCB {
			info.Status = "degraded"
		}
		resp.Services["line"] = info
	}
	for name, svc := range resp.Services {
		if svc.Status != "healthy" {
			h.logger.WithField("service", name).Warn("dependency not healthy")
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Ready answers 503 until the database is reachable.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	status := http.StatusOK
	if db.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":     status == http.StatusOK,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": db.Status},
	})
}

// Metrics serves the in-process counters in Prometheus text format.
func (h *HealthHandler) Metrics(c *gin.Context) {
	var buf bytes.Buffer
	if err := appmetrics.WritePrometheus(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to render metrics", Message: err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}
