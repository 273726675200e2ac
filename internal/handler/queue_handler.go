package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"djidji-uploader/internal/model"
	"djidji-uploader/internal/service"
)

// QueueHandler 负责待上传队列的 API 请求。
type QueueHandler struct {
	uploadService service.UploadService
}

// NewQueueHandler 创建一个新的 QueueHandler 实例。
func NewQueueHandler(uploadService service.UploadService) *QueueHandler {
	return &QueueHandler{uploadService: uploadService}
}

// ListQueue 返回队列中的条目。
func (h *QueueHandler) ListQueue(c *gin.Context) {
	respond(c, http.StatusOK, h.uploadService.Queue())
}

// Enqueue 将文件加入队列，不发起上传。
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req FilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	srcs, failed := req.sources()

	items := make([]model.QueueItem, 0, len(srcs))
	for _, src := range srcs {
		item, err := h.uploadService.Enqueue(src, service.WithProfile(req.Profile))
		if err != nil {
			respondError(c, err)
			return
		}
		items = append(items, item)
	}
	respond(c, http.StatusCreated, gin.H{"items": items, "errors": failed})
}

// RemoveItem 从队列中删除一个条目。
func (h *QueueHandler) RemoveItem(c *gin.Context) {
	if err := h.uploadService.RemoveFromQueue(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// ProcessQueue 同步处理当前队列并返回汇总。
func (h *QueueHandler) ProcessQueue(c *gin.Context) {
	respond(c, http.StatusOK, h.uploadService.ProcessQueue(c.Request.Context()))
}
