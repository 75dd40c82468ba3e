package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/downlink-go/internal/app"
	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

// DownloadHandler handles download-related HTTP requests
type DownloadHandler struct {
	downloads *app.DownloadManager
	resolver  app.URLResolver
	hub       *SubscriberHub
	logger    *zap.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(downloads *app.DownloadManager, resolver app.URLResolver, hub *SubscriberHub, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		resolver:  resolver,
		hub:       hub,
		logger:    logger,
	}
}

// AddDownloadRequest represents a request to add a download
type AddDownloadRequest struct {
	URL             string            `json:"url" binding:"required"`
	FileName        string            `json:"fileName,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	BypassPlugins   bool              `json:"bypassPlugins,omitempty"`
	DestinationPath string            `json:"destinationPath,omitempty"`
}

// ResolveRequest represents a resolve-only request
type ResolveRequest struct {
	URL string `json:"url" binding:"required"`
}

// ItemRequest names the item a control command applies to
type ItemRequest struct {
	ID string `json:"id" binding:"required"`
}

// ListDownloads handles GET /downloads
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	data, err := h.hub.SnapshotJSON(c.Request.Context())
	if err != nil {
		h.unavailable(c, "Failed to build snapshot", err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// Resolve handles POST /resolve
func (h *DownloadHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := h.resolver.ProcessURL(c.Request.Context(), req.URL)
	if results == nil {
		results = []domain.PluginResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// AddDownload handles POST /add
func (h *DownloadHandler) AddDownload(c *gin.Context) {
	var req AddDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.downloads.Add(c.Request.Context(), app.AddRequest{
		URL:            req.URL,
		FileName:       req.FileName,
		Headers:        req.Headers,
		BypassPlugins:  req.BypassPlugins,
		DestinationDir: req.DestinationPath,
	})
	if err != nil {
		h.unavailable(c, "Failed to add download", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

// PauseDownload handles POST /pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	h.command(c, "pause", h.downloads.Pause)
}

// ResumeDownload handles POST /resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	h.command(c, "resume", h.downloads.Resume)
}

// CancelDownload handles POST /cancel
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	h.command(c, "cancel", h.downloads.Cancel)
}

// RemoveDownload handles POST /remove
func (h *DownloadHandler) RemoveDownload(c *gin.Context) {
	h.command(c, "remove", h.downloads.Remove)
}

func (h *DownloadHandler) command(c *gin.Context, name string, run func(ctx context.Context, id string) error) {
	var req ItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := run(c.Request.Context(), req.ID); err != nil {
		h.unavailable(c, "Failed to "+name+" download", err, zap.String("id", req.ID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *DownloadHandler) unavailable(c *gin.Context, msg string, err error, fields ...zap.Field) {
	status := http.StatusInternalServerError
	if errors.Is(err, app.ErrLoopStopped) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	c.JSON(status, gin.H{"error": err.Error()})
}
