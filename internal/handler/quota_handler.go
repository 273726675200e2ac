package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"djidji-uploader/internal/model"
	"djidji-uploader/internal/service"
)

const defaultHistoryLimit = 20

// AccountHandler 负责配额、上传历史与校验场景的查询。
type AccountHandler struct {
	uploadService service.UploadService
}

// NewAccountHandler 创建一个新的 AccountHandler 实例。
func NewAccountHandler(uploadService service.UploadService) *AccountHandler {
	return &AccountHandler{uploadService: uploadService}
}

// GetQuota 返回配额快照，refresh=true 时强制从服务端拉取。
func (h *AccountHandler) GetQuota(c *gin.Context) {
	var (
		q   model.QuotaSnapshot
		err error
	)
	if c.Query("refresh") == "true" {
		q, err = h.uploadService.RefreshQuota(c.Request.Context())
	} else {
		q, err = h.uploadService.Quota(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, q)
}

// GetHistory 返回最近的上传记录。
func (h *AccountHandler) GetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 0 {
		badRequest(c, "无效的 limit 参数")
		return
	}
	records, err := h.uploadService.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, records)
}

// GetHistoryRecord 返回某个会话的历史记录。
func (h *AccountHandler) GetHistoryRecord(c *gin.Context) {
	record, err := h.uploadService.HistoryRecord(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, record)
}

// GetProfiles 返回可用的校验场景名称。
func (h *AccountHandler) GetProfiles(c *gin.Context) {
	respond(c, http.StatusOK, h.uploadService.Profiles())
}
