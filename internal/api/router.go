package api

import (
	"github.com/gin-gonic/gin"
	"github.com/pccr10001/rtcall/internal/repository"
	"gorm.io/gorm"
)

type RouterDeps struct {
	DB       *gorm.DB
	Calls    *CallHandler
	Events   *EventHub
	Session  CallController
	Webhooks *repository.WebhookRepository
}

// Register mounts the control API under /api/v1.
func Register(r *gin.Engine, d RouterDeps) {
	oh := NewOperatorHandler(repository.NewOperatorRepository(d.DB))
	wh := NewWebhookHandler(d.Webhooks)

	apiGroup := r.Group("/api/v1")
	apiGroup.POST("/login", oh.Login)

	authGroup := apiGroup.Group("/")
	authGroup.Use(AuthMiddleware(d.DB))
	{
		authGroup.POST("/change_password", oh.ChangePassword)

		authGroup.GET("/me", d.Calls.Identity)
		authGroup.GET("/call", d.Calls.GetCall)
		authGroup.POST("/call", d.Calls.StartCall)
		authGroup.POST("/call/accept", d.Calls.Accept)
		authGroup.POST("/call/reject", d.Calls.Reject)
		authGroup.POST("/call/end", d.Calls.End)
		authGroup.POST("/call/audio", d.Calls.Audio)
		authGroup.POST("/call/video", d.Calls.Video)
		authGroup.GET("/calls", d.Calls.ListCalls)
		authGroup.GET("/devices", d.Calls.Devices)
		authGroup.GET("/events", d.Events.Serve(d.Session))
		authGroup.Any("/mcp", gin.WrapH(MCPHandler(NewMCPServer(d.Session, d.Calls.history))))

		adminGroup := authGroup.Group("/")
		adminGroup.Use(AdminOnly())
		{
			adminGroup.GET("/webhooks", wh.ListWebhooks)
			adminGroup.POST("/webhooks", wh.CreateWebhook)
			adminGroup.DELETE("/webhooks/:id", wh.DeleteWebhook)

			adminGroup.GET("/users", oh.ListOperators)
			adminGroup.POST("/users", oh.CreateOperator)
			adminGroup.DELETE("/users/:id", oh.DeleteOperator)
		}
	}
}
