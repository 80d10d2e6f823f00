package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"fieldtrack/internal/auth"
	"fieldtrack/internal/metrics"
)

// Router builds the gin engine. /healthz and /metrics are open; everything
// under /api/v1 requires an API key, and mutating admin routes an admin key.
func (s *Server) Router(authn *auth.Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapF(metrics.HandleMetrics))

	v1 := r.Group("/api/v1", RequireKey(authn))
	{
		v1.POST("/pings", s.handlePing)

		v1.GET("/locations/live", s.handleLiveLocations)
		v1.GET("/locations/ws", s.handleLiveFeed)

		v1.GET("/users/:id/route", s.handleUserRoute)

		v1.GET("/geofences", s.handleListGeofences)
		v1.GET("/alerts/open", s.handleOpenAlerts)
		v1.POST("/alerts/:id/ack", s.handleAckAlert)
		v1.GET("/workflow/executions", s.handleWorkflowExecutions)

		admin := v1.Group("", RequireAdmin())
		{
			admin.POST("/geofences", s.handleCreateGeofence)
			admin.PUT("/geofences/:id", s.handleUpdateGeofence)
			admin.DELETE("/geofences/:id", s.handleDeleteGeofence)
			admin.POST("/workflow/reload", s.handleWorkflowReload)
		}
	}

	return r
}
