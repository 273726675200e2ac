// Package protocol 封装直传对象存储的上传协议：申请上传槽位、PUT 到预签名 URL、确认，
// 以及状态、配额、取消三个辅助请求。每个操作只尝试一次，不保存任何本地状态。
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"djidji-uploader/internal/model"
	"djidji-uploader/pkg/apiclient"
	"djidji-uploader/pkg/log"
)

// ErrMalformedResponse 表示服务端响应缺少必需字段。
var ErrMalformedResponse = errors.New("protocol: malformed response")

// UploadRequest 是申请上传槽位的请求体。
type UploadRequest struct {
	FileName string            `json:"file_name"`
	FileSize int64             `json:"file_size"`
	FileType string            `json:"file_type"`
	Metadata map[string]string `json:"metadata"`
}

// UploadSlot 是服务端分配的上传槽位。
type UploadSlot struct {
	UploadID  string `json:"upload_id"`
	UploadURL string `json:"upload_url"`
}

// Object 是结构不固定的 JSON 响应（确认、状态、取消）。
type Object map[string]interface{}

// String 返回指定键的字符串值。
func (o Object) String(key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

// ProgressFunc 在字节交给传输层后被调用。
type ProgressFunc func(transferred, total int64)

// Client 是上传协议客户端。
type Client struct {
	api     *apiclient.Client
	storage *http.Client
}

// NewClient 创建协议客户端。storage 用于 PUT 到预签名 URL，为 nil 时使用不带超时的默认客户端。
func NewClient(api *apiclient.Client, storage *http.Client) *Client {
	if storage == nil {
		storage = &http.Client{}
	}
	return &Client{api: api, storage: storage}
}

// RequestUpload 申请上传槽位。
func (c *Client) RequestUpload(ctx context.Context, req UploadRequest) (UploadSlot, error) {
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	var slot UploadSlot
	if err := c.api.Post(ctx, "/upload/direct/request/", req, &slot); err != nil {
		return UploadSlot{}, err
	}
	if slot.UploadID == "" || slot.UploadURL == "" {
		return UploadSlot{}, fmt.Errorf("%w: upload_id/upload_url 缺失", ErrMalformedResponse)
	}
	log.Debugf("[Protocol] 获得上传槽位 upload_id=%s file=%s", slot.UploadID, req.FileName)
	return slot, nil
}

// UploadToStorage 将文件内容 PUT 到预签名 URL。该请求不携带 Authorization 头，也不受元数据请求超时约束。
// 取消 ctx 会尽力中断传输。
func (c *Client) UploadToStorage(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string, onProgress ProgressFunc) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	reader := &progressReader{r: body, total: size, onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, reader)
	if err != nil {
		return fmt.Errorf("创建存储上传请求失败: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.storage.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warnf("[Protocol] 上传到存储失败: %v", err)
		return &apiclient.Error{Kind: apiclient.KindNetwork, Message: apiclient.MsgNetwork, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warnw("[Protocol] 存储返回错误状态", "status", resp.StatusCode, "body", strings.TrimSpace(string(payload)))
		return apiclient.NewStatusError(resp.StatusCode, payload)
	}
	log.Debugf("[Protocol] 存储上传完成 size=%d 耗时=%s", size, time.Since(start))
	return nil
}

// ConfirmUpload 通知服务端直传已完成。
func (c *Client) ConfirmUpload(ctx context.Context, uploadID string, deleteInvalid bool) (Object, error) {
	var out Object
	body := map[string]bool{"delete_invalid": deleteInvalid}
	if err := c.api.Post(ctx, "/upload/direct/confirm/"+url.PathEscape(uploadID)+"/", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUploadStatus 查询服务端的上传处理状态。
func (c *Client) GetUploadStatus(ctx context.Context, uploadID string) (Object, error) {
	var out Object
	if err := c.api.Get(ctx, "/upload/direct/status/"+url.PathEscape(uploadID)+"/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelUpload 取消服务端的上传，deleteFromStorage 为 true 时同时删除已上传的对象。
func (c *Client) CancelUpload(ctx context.Context, uploadID string, deleteFromStorage bool) (Object, error) {
	var out Object
	body := map[string]bool{"delete_from_r2": deleteFromStorage}
	if err := c.api.Post(ctx, "/upload/direct/cancel/"+url.PathEscape(uploadID)+"/", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type quotaResponse struct {
	Used       *float64 `json:"used"`
	Total      *float64 `json:"total"`
	Limit      *float64 `json:"limit"`
	Remaining  *float64 `json:"remaining"`
	Percentage *float64 `json:"percentage"`
}

// GetUserQuota 查询当前用户的存储配额。total 与 limit 均可接受，缺失的字段由已有字段推导。
func (c *Client) GetUserQuota(ctx context.Context) (model.QuotaSnapshot, error) {
	var resp quotaResponse
	if err := c.api.Get(ctx, "/upload/quota/", &resp); err != nil {
		return model.QuotaSnapshot{}, err
	}
	if resp.Used == nil || (resp.Total == nil && resp.Limit == nil) {
		return model.QuotaSnapshot{}, fmt.Errorf("%w: used/total 缺失", ErrMalformedResponse)
	}

	q := model.QuotaSnapshot{Used: int64(*resp.Used), FetchedAt: time.Now()}
	if resp.Total != nil {
		q.Total = int64(*resp.Total)
	} else {
		q.Total = int64(*resp.Limit)
	}
	if resp.Remaining != nil {
		q.Remaining = int64(*resp.Remaining)
	} else if q.Remaining = q.Total - q.Used; q.Remaining < 0 {
		q.Remaining = 0
	}
	if resp.Percentage != nil {
		q.Percentage = *resp.Percentage
	} else {
		q.Percentage = model.Percentage(q.Used, q.Total)
	}
	return q, nil
}

// progressReader 统计已交给传输层的字节数。
type progressReader struct {
	r           io.Reader
	total       int64
	transferred int64
	onProgress  ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.transferred += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.transferred, p.total)
		}
	}
	return n, err
}
