package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/downlink-go/internal/app"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	downloads *app.DownloadManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(downloads *app.DownloadManager) *HealthHandler {
	return &HealthHandler{downloads: downloads}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Running bool   `json:"running"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	running := h.downloads.IsRunning()
	status := http.StatusOK
	text := "ok"
	if !running {
		status = http.StatusServiceUnavailable
		text = "not ready"
	}
	c.JSON(status, HealthResponse{Status: text, Version: Version, Running: running})
}
