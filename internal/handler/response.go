// Package handler 包含 agent 控制 API 的 HTTP 处理逻辑。
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"djidji-uploader/internal/repository"
	"djidji-uploader/internal/service"
	"djidji-uploader/internal/session"
	"djidji-uploader/pkg/apiclient"
	"djidji-uploader/pkg/log"
)

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"code": status, "message": "success", "data": data})
}

func respondError(c *gin.Context, err error) {
	status, message := describe(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Agent] %s %s 失败: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"code": status, "message": message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

// describe 把编排器和协议层的错误映射为 HTTP 状态码与提示。
func describe(err error) (int, string) {
	var verr *service.ValidationError
	var aerr *apiclient.Error
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, strings.Join(verr.Result.Errors, "; ")
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "会话不存在"
	case errors.Is(err, repository.ErrRecordNotFound):
		return http.StatusNotFound, "历史记录不存在"
	case errors.Is(err, service.ErrQueueItemNotFound):
		return http.StatusNotFound, "队列条目不存在"
	case errors.Is(err, service.ErrUnknownProfile):
		return http.StatusBadRequest, "未知的校验场景"
	case errors.Is(err, service.ErrNotCancellable), errors.Is(err, service.ErrNotRetryable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrShutdown):
		return http.StatusServiceUnavailable, "上传服务正在关闭"
	case errors.As(err, &aerr):
		if aerr.StatusCode >= 400 && aerr.StatusCode < 500 {
			return aerr.StatusCode, aerr.Message
		}
		return http.StatusBadGateway, aerr.Message
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
