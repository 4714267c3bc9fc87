package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/config"
)

// SetupRouter wires the HTTP surface. Health and metrics stay outside the
// auth boundary; everything under /api/v1 requires a resolved principal.
func SetupRouter(h *Handler, cfg *config.Config, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	r.MaxMultipartMemory = 32 << 20

	r.GET("/health", h.handleHealth)
	r.GET("/api/v1/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg, logger))
	{
		v1.POST("/tasks/submit", h.handleSubmit)
		v1.GET("/tasks/:id", h.handleGetTask)
		v1.DELETE("/tasks/:id", h.handleCancel)

		v1.GET("/queue/tasks", h.handleListTasks)
		v1.GET("/queue/stats", h.handleStats)

		admin := v1.Group("/admin")
		admin.Use(RequireAdmin())
		{
			admin.POST("/queue/reset-stale", h.handleResetStale)
			admin.POST("/queue/cleanup", h.handleCleanup)
		}
	}
	return r
}
