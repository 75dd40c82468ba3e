package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/downlink-go/internal/app"
	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

// PluginHandler exposes the plugin registry
type PluginHandler struct {
	registry *app.PluginRegistry
	logger   *zap.Logger
}

// NewPluginHandler creates a new plugin handler
func NewPluginHandler(registry *app.PluginRegistry, logger *zap.Logger) *PluginHandler {
	return &PluginHandler{registry: registry, logger: logger}
}

// EnablePluginRequest toggles a plugin by name
type EnablePluginRequest struct {
	Name    string `json:"name" binding:"required"`
	Enabled *bool  `json:"enabled" binding:"required"`
}

// ListPlugins handles GET /plugins
func (h *PluginHandler) ListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Plugins())
}

// ReloadPlugins handles POST /plugins/reload
func (h *PluginHandler) ReloadPlugins(c *gin.Context) {
	if err := h.registry.Reload(); err != nil {
		h.logger.Error("Failed to reload plugins", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "plugins": h.registry.Plugins()})
}

// EnablePlugin handles POST /plugins/enable
func (h *PluginHandler) EnablePlugin(c *gin.Context) {
	var req EnablePluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.SetEnabled(req.Name, *req.Enabled); err != nil {
		if errors.Is(err, domain.ErrPluginNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to toggle plugin", zap.String("plugin", req.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
