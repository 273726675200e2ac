package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"djidji-uploader/internal/model"
	"djidji-uploader/internal/service"
	"djidji-uploader/internal/source"
)

// UploadHandler 负责上传会话相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// FilesRequest 是提交本地文件的请求体，会话与队列接口共用。
type FilesRequest struct {
	Paths    []string          `json:"paths" binding:"required,min=1"`
	Profile  string            `json:"profile"`
	Metadata map[string]string `json:"metadata"`
}

// sources 打开请求中的文件，无法读取的路径记为失败。
func (r FilesRequest) sources() ([]source.Source, []service.FileError) {
	var srcs []source.Source
	var failed []service.FileError
	for _, p := range r.Paths {
		src, err := source.FromPath(p)
		if err != nil {
			failed = append(failed, service.FileError{File: p, Message: err.Error()})
			continue
		}
		if len(r.Metadata) > 0 {
			src = source.WithMetadata(src, r.Metadata)
		}
		srcs = append(srcs, src)
	}
	return srcs, failed
}

// ListSessions 返回全部会话。
func (h *UploadHandler) ListSessions(c *gin.Context) {
	respond(c, http.StatusOK, h.uploadService.Sessions())
}

// GetSession 返回单个会话。
func (h *UploadHandler) GetSession(c *gin.Context) {
	sess, err := h.uploadService.Session(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, sess)
}

// GetRemoteStatus 查询会话在服务端的状态。
func (h *UploadHandler) GetRemoteStatus(c *gin.Context) {
	sess, err := h.uploadService.Session(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.ServerID == "" {
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "会话尚未获得 upload id"})
		return
	}
	status, err := h.uploadService.RemoteStatus(c.Request.Context(), sess.ServerID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, status)
}

// StartUploads 为每个路径启动上传。?wait=true 时等待全部结束并返回汇总。
func (h *UploadHandler) StartUploads(c *gin.Context) {
	var req FilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	srcs, failed := req.sources()
	opts := []service.UploadOption{service.WithProfile(req.Profile)}

	if c.Query("wait") == "true" {
		res := h.uploadService.UploadFiles(c.Request.Context(), srcs, opts...)
		res.Failed += len(failed)
		res.Errors = append(failed, res.Errors...)
		respond(c, http.StatusOK, res)
		return
	}

	started := make([]model.UploadSession, 0, len(srcs))
	for _, src := range srcs {
		sess, err := h.uploadService.StartUpload(c.Request.Context(), src, opts...)
		if err != nil {
			_, msg := describe(err)
			failed = append(failed, service.FileError{File: src.Info().Name, Message: msg})
			continue
		}
		started = append(started, sess)
	}

	status := http.StatusAccepted
	if len(started) == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"code":    status,
		"message": "success",
		"data":    gin.H{"sessions": started, "errors": failed},
	})
}

// RetrySession 重试一个失败的会话。
func (h *UploadHandler) RetrySession(c *gin.Context) {
	sess, err := h.uploadService.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, sess)
}

// CancelSession 取消一个活跃会话。
func (h *UploadHandler) CancelSession(c *gin.Context) {
	if err := h.uploadService.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// CancelUpload 按服务端 upload id 取消上传，delete_from_storage=true 时同时删除对象。
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	deleteFromStorage := c.Query("delete_from_storage") == "true"
	if err := h.uploadService.CancelRemote(c.Request.Context(), c.Param("uploadId"), deleteFromStorage); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// ClearSessions 清理会话，scope=completed（默认）或 all。
func (h *UploadHandler) ClearSessions(c *gin.Context) {
	var removed int
	switch c.DefaultQuery("scope", "completed") {
	case "completed":
		removed = h.uploadService.ClearCompleted()
	case "all":
		removed = h.uploadService.ClearAll(c.Request.Context())
	default:
		badRequest(c, "scope 只能是 completed 或 all")
		return
	}
	respond(c, http.StatusOK, gin.H{"removed": removed})
}
