package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/health"
)

// HealthHandler reports dependency readiness.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Register mounts /healthz on the given router.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
}

// Healthz returns 200 when every probe passes and 503 otherwise.
func (h *HealthHandler) Healthz(c *gin.Context) {
	report := h.checker.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
