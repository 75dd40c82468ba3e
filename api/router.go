package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/downlink-go/api/handlers"
	"github.com/yourusername/downlink-go/api/middleware"
	"github.com/yourusername/downlink-go/internal/app"
	"go.uber.org/zap"
)

// SetupRouter sets up the control-plane router.
// A WebSocket upgrade on any path subscribes to snapshot pushes.
func SetupRouter(
	downloads *app.DownloadManager,
	resolver app.URLResolver,
	registry *app.PluginRegistry,
	hub *handlers.SubscriberHub,
	log *zap.Logger,
) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS())
	router.Use(hub.Middleware())

	healthHandler := handlers.NewHealthHandler(downloads)
	router.GET("/health", healthHandler.Health)

	downloadHandler := handlers.NewDownloadHandler(downloads, resolver, hub, log)
	router.GET("/downloads", downloadHandler.ListDownloads)
	router.POST("/resolve", downloadHandler.Resolve)
	router.POST("/add", downloadHandler.AddDownload)
	router.POST("/pause", downloadHandler.PauseDownload)
	router.POST("/resume", downloadHandler.ResumeDownload)
	router.POST("/cancel", downloadHandler.CancelDownload)
	router.POST("/remove", downloadHandler.RemoveDownload)

	if registry != nil {
		pluginHandler := handlers.NewPluginHandler(registry, log)
		plugins := router.Group("/plugins")
		{
			plugins.GET("", pluginHandler.ListPlugins)
			plugins.POST("/reload", pluginHandler.ReloadPlugins)
			plugins.POST("/enable", pluginHandler.EnablePlugin)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})

	return router
}

// NewServer wraps the router in an HTTP server that closes every connection after its response
func NewServer(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	srv.SetKeepAlivesEnabled(false)
	return srv
}
