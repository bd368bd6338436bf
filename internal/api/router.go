// Package api wires the HTTP routes of the status API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/api/handlers"
	"github.com/leozw/uptime-consensus/internal/api/middleware"
	"github.com/leozw/uptime-consensus/internal/config"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine. metrics may be nil when the process does
// not expose a registry.
func NewRouter(h *handlers.Handler, auth config.AuthConfig, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	internal := router.Group("/internal/v1")
	internal.Use(middleware.WorkerToken(auth.WorkerToken))
	{
		internal.POST("/observations", h.IngestObservation)
		internal.PUT("/grants", h.UpsertGrant)
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthRequired(auth.JWTSecret))
	{
		api.GET("/sites", h.ListSites)
		api.POST("/sites", h.CreateSite)
		api.GET("/sites/:id", h.GetSite)
		api.PUT("/sites/:id", h.UpdateSite)
		api.DELETE("/sites/:id", h.DeleteSite)
		api.GET("/sites/:id/status", h.GetSiteStatus)
		api.GET("/sites/:id/history", h.GetSiteHistory)
		api.GET("/sites/:id/incidents", h.GetSiteIncidents)
		api.GET("/statistics", h.GetStatistics)
		api.GET("/entitlements", h.GetEntitlements)
	}

	public := router.Group("/public/v1")
	{
		public.GET("/sites/:id/status", h.GetPublicStatus)
		public.GET("/sites/:id/history", h.GetPublicHistory)
	}

	return router
}
