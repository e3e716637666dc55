package server

import (
	"github.com/gin-gonic/gin"

	"github.com/readlevel/readlevel-backend/internal/handlers"
)

type RouterConfig struct {
	TasksHandler *handlers.TasksHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.GET("/healthz", handlers.HealthCheck)

	internal := router.Group("/internal")
	{
		internal.POST("/tasks", cfg.TasksHandler.Enqueue)
		internal.GET("/tasks/:id", cfg.TasksHandler.GetByID)
	}

	return router
}
