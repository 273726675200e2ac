// Package testutil 提供测试用的假后端：实现直传协议的 REST 接口，
// 并用 pkg/storage 签发真实格式的预签名 PUT URL 指向自身的存储路由。
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"djidji-uploader/pkg/storage"
)

const (
	// Token 是假后端接受的 bearer 令牌。
	Token  = "test-token"
	bucket = "uploads"
)

// Backend 是内存中的假后端。所有字段通过方法并发安全地访问。
type Backend struct {
	t      testing.TB
	server *httptest.Server
	signer *storage.Presigner

	mu        sync.Mutex
	nextID    int
	used      int64
	limit     int64
	objects   map[string][]byte
	confirmed map[string]bool
	cancels   map[string]bool
	failures  map[string]int
	calls     map[string]int

	// putGate 非 nil 时，PUT 在读取请求体前等待它被关闭。
	putGate    chan struct{}
	putStarted chan string
	// requestGate 非 nil 时，申请槽位的请求在返回前等待它被关闭。
	requestGate    chan struct{}
	requestStarted chan struct{}
}

// NewBackend 启动假后端，测试结束时自动关闭。
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Backend{
		t:         t,
		limit:     1 << 30,
		objects:   make(map[string][]byte),
		confirmed: make(map[string]bool),
		cancels:   make(map[string]bool),
		failures:  make(map[string]int),
		calls:     make(map[string]int),
	}
	b.server = httptest.NewServer(b.routes())
	t.Cleanup(b.server.Close)

	signer, err := storage.NewPresigner(storage.PresignerConfig{
		Endpoint:        strings.TrimPrefix(b.server.URL, "http://"),
		AccessKeyID:     "test-access",
		SecretAccessKey: "test-secret",
		Bucket:          bucket,
	})
	if err != nil {
		t.Fatalf("创建 minio 签名客户端失败: %v", err)
	}
	b.signer = signer
	return b
}

// APIURL 返回 REST API 的 base URL。
func (b *Backend) APIURL() string {
	return b.server.URL + "/api"
}

// 可以注入失败的操作名。
const (
	OpRequest = "request"
	OpPut     = "put"
	OpConfirm = "confirm"
	OpStatus  = "status"
	OpQuota   = "quota"
	OpCancel  = "cancel"
)

// FailNext 让 op 的下一次调用返回 status。
func (b *Backend) FailNext(op string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = status
}

// Calls 返回 op 被调用的次数（包括失败的调用）。
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Used 返回已确认上传占用的字节数。
func (b *Backend) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// SetLimit 设置配额上限。
func (b *Backend) SetLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
}

// Object 返回已 PUT 的对象内容。
func (b *Backend) Object(uploadID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[uploadID]
	return data, ok
}

// Cancelled 返回 upload id 是否被取消，以及取消时的 delete_from_r2 参数。
func (b *Backend) Cancelled(uploadID string) (deleteFromStorage bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deleteFromStorage, ok = b.cancels[uploadID]
	return deleteFromStorage, ok
}

// BlockPuts 让之后的 PUT 阻塞，返回一个在 PUT 开始时收到 upload id 的 channel 和一个放行函数。
func (b *Backend) BlockPuts() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.putGate = gate
	b.putStarted = make(chan string, 16)
	var once sync.Once
	return b.putStarted, func() { once.Do(func() { close(gate) }) }
}

// BlockRequests 让之后的槽位申请阻塞，返回一个在申请到达时收到通知的 channel 和一个放行函数。
func (b *Backend) BlockRequests() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.requestGate = gate
	b.requestStarted = make(chan struct{}, 16)
	var once sync.Once
	return b.requestStarted, func() { once.Do(func() { close(gate) }) }
}

func (b *Backend) hit(op string) (failStatus int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if status, ok := b.failures[op]; ok {
		delete(b.failures, op)
		return status
	}
	return 0
}

func (b *Backend) routes() http.Handler {
	r := gin.New()

	api := r.Group("/api")
	api.Use(b.requireToken)
	{
		api.POST("/upload/direct/request/", b.handleRequest)
		api.POST("/upload/direct/confirm/:id/", b.handleConfirm)
		api.GET("/upload/direct/status/:id/", b.handleStatus)
		api.POST("/upload/direct/cancel/:id/", b.handleCancel)
		api.GET("/upload/quota/", b.handleQuota)
	}
	r.PUT("/"+bucket+"/*object", b.handlePut)
	return r
}

func (b *Backend) requireToken(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Las credenciales de autenticación no se proveyeron."})
		return
	}
	c.Next()
}

func (b *Backend) fail(c *gin.Context, op string) bool {
	status := b.hit(op)
	if status == 0 {
		return false
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": fmt.Sprintf("%s failed", op)})
	return true
}

func (b *Backend) handleRequest(c *gin.Context) {
	if b.fail(c, OpRequest) {
		return
	}
	var req struct {
		FileName string            `json:"file_name" binding:"required"`
		FileSize int64             `json:"file_size"`
		FileType string            `json:"file_type"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "solicitud inválida"})
		return
	}

	b.mu.Lock()
	gate, started := b.requestGate, b.requestStarted
	b.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}

	b.mu.Lock()
	if b.used+req.FileSize > b.limit {
		b.mu.Unlock()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Cuota de almacenamiento excedida"})
		return
	}
	b.nextID++
	id := fmt.Sprintf("u%d", b.nextID)
	b.mu.Unlock()

	presigned, err := b.signer.PresignPut(c.Request.Context(), id+"/"+req.FileName, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": id, "upload_url": presigned})
}

func (b *Backend) handlePut(c *gin.Context) {
	object := strings.TrimPrefix(c.Param("object"), "/")
	id := strings.SplitN(object, "/", 2)[0]
	if c.Query("X-Amz-Signature") == "" || c.GetHeader("Authorization") != "" {
		c.Status(http.StatusForbidden)
		return
	}

	b.mu.Lock()
	gate, started := b.putGate, b.putStarted
	b.mu.Unlock()
	if gate != nil {
		started <- id
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}

	if b.fail(c, OpPut) {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.objects[id] = data
	b.mu.Unlock()
	c.Status(http.StatusOK)
}

func (b *Backend) handleConfirm(c *gin.Context) {
	if b.fail(c, OpConfirm) {
		return
	}
	id := c.Param("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "upload not found"})
		return
	}
	if !b.confirmed[id] {
		b.confirmed[id] = true
		b.used += int64(len(data))
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": id, "status": "ready"})
}

func (b *Backend) handleStatus(c *gin.Context) {
	if b.fail(c, OpStatus) {
		return
	}
	id := c.Param("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	status := "pending"
	switch {
	case b.confirmed[id]:
		status = "ready"
	case b.objects[id] != nil:
		status = "uploaded"
	}
	if _, ok := b.cancels[id]; ok {
		status = "cancelled"
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": id, "status": status})
}

func (b *Backend) handleCancel(c *gin.Context) {
	if b.fail(c, OpCancel) {
		return
	}
	var req struct {
		DeleteFromR2 bool `json:"delete_from_r2"`
	}
	_ = c.ShouldBindJSON(&req)
	id := c.Param("id")

	b.mu.Lock()
	b.cancels[id] = req.DeleteFromR2
	if req.DeleteFromR2 {
		delete(b.objects, id)
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"upload_id": id, "status": "cancelled"})
}

func (b *Backend) handleQuota(c *gin.Context) {
	if b.fail(c, OpQuota) {
		return
	}
	b.mu.Lock()
	used, limit := b.used, b.limit
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"used": used, "limit": limit})
}
