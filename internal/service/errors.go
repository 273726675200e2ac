package service

import (
	"errors"
	"fmt"
	"strings"

	"djidji-uploader/internal/model"
)

// msgCancelled 是批量结果中被取消文件的提示。
const msgCancelled = "Subida cancelada."

var (
	// ErrCancelled 表示会话被取消，UploadFile 在会话以 cancelled 结束时返回。
	ErrCancelled = errors.New("service: upload cancelled")
	// ErrNotCancellable 表示会话已处于终态。
	ErrNotCancellable = errors.New("service: session is not active")
	// ErrNotRetryable 表示只有 error 状态的会话可以重试。
	ErrNotRetryable = errors.New("service: only failed sessions can be retried")
	// ErrUnknownProfile 表示校验场景不存在。
	ErrUnknownProfile = errors.New("service: unknown validation profile")
	// ErrShutdown 表示编排器已关闭，不再接受新的上传。
	ErrShutdown = errors.New("service: uploader is shutting down")
	// ErrQueueItemNotFound 表示队列中没有该条目。
	ErrQueueItemNotFound = errors.New("service: queue item not found")
)

// ValidationError 表示文件未通过本地校验，此时不会创建会话。
type ValidationError struct {
	File   string
	Result model.ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, strings.Join(e.Result.Errors, "; "))
}

// SessionError 表示会话以 error 状态结束，Error() 返回会话中已归一化的提示。
type SessionError struct {
	Session model.UploadSession
}

func (e *SessionError) Error() string {
	return e.Session.Error
}
