package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/middleware"
	"djidji-uploader/internal/service"
)

// NewRouter 创建 agent 的路由引擎。
func NewRouter(cfg config.AgentConfig, uploadService service.UploadService) *gin.Engine {
	r := gin.New() // 不带默认中间件
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"agent": cfg.Name})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	uploads := NewUploadHandler(uploadService)
	queue := NewQueueHandler(uploadService)
	account := NewAccountHandler(uploadService)
	stream := NewEventsHandler(uploadService)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AgentAuth(cfg.Token))
	{
		sessions := apiV1.Group("/sessions")
		{
			sessions.GET("", uploads.ListSessions)
			sessions.POST("", uploads.StartUploads)
			sessions.POST("/clear", uploads.ClearSessions)
			sessions.GET("/:id", uploads.GetSession)
			sessions.GET("/:id/status", uploads.GetRemoteStatus)
			sessions.POST("/:id/retry", uploads.RetrySession)
			sessions.DELETE("/:id", uploads.CancelSession)
		}

		q := apiV1.Group("/queue")
		{
			q.GET("", queue.ListQueue)
			q.POST("", queue.Enqueue)
			q.POST("/process", queue.ProcessQueue)
			q.DELETE("/:id", queue.RemoveItem)
		}

		apiV1.DELETE("/uploads/:uploadId", uploads.CancelUpload)

		apiV1.GET("/quota", account.GetQuota)
		apiV1.GET("/history", account.GetHistory)
		apiV1.GET("/history/:sessionId", account.GetHistoryRecord)
		apiV1.GET("/profiles", account.GetProfiles)
		apiV1.GET("/events", stream.Stream)
	}
	return r
}
