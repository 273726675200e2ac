// Package model 定义了上传流程中使用的数据结构。
package model

import "time"

// Status 表示一个上传会话所处的阶段。
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。终态不能再迁移。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanTransition 判断 s → next 是否为合法迁移。
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusUploading || next == StatusError || next == StatusCancelled
	case StatusUploading:
		return next == StatusCompleted || next == StatusError || next == StatusCancelled
	}
	return false
}

// Stage 标识失败发生在协议的哪一步。
type Stage string

const (
	StageRequest Stage = "request"
	StageStorage Stage = "storage"
	StageConfirm Stage = "confirm"
)

// FileInfo 是被上传文件的元数据。
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	LastModified time.Time `json:"lastModified"`
}

// UploadSession 跟踪单个文件的一次上传。
type UploadSession struct {
	ID               string     `json:"id"`
	File             FileInfo   `json:"file"`
	ServerID         string     `json:"serverId,omitempty"`
	BytesTransferred int64      `json:"bytesTransferred"`
	Progress         float64    `json:"progress"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	Error            string     `json:"error,omitempty"`
	FailedStage      Stage      `json:"failedStage,omitempty"`
	Attempt          int        `json:"attempt"`
	RetryOf          string     `json:"retryOf,omitempty"`
}

// ValidationResult 是本地校验的结果，Warnings 不会阻止上传。
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// QueueItem 是已选择但尚未提交的文件。
type QueueItem struct {
	ID         string           `json:"id"`
	File       FileInfo         `json:"file"`
	Validation ValidationResult `json:"validation"`
	AddedAt    time.Time        `json:"addedAt"`
}

// QuotaSnapshot 是服务端配额的只读投影。
type QuotaSnapshot struct {
	Used       int64     `json:"used"`
	Total      int64     `json:"total"`
	Remaining  int64     `json:"remaining"`
	Percentage float64   `json:"percentage"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// WithAdded 返回已用空间增加 n 字节后的快照，用于乐观更新。
func (q QuotaSnapshot) WithAdded(n int64) QuotaSnapshot {
	q.Used += n
	q.Remaining = q.Total - q.Used
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	q.Percentage = Percentage(q.Used, q.Total)
	return q
}

// Percentage 计算 used/total 的百分比，total 为 0 时返回 0。
func Percentage(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(used) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// UploadRecord 定义了 upload_history 表的 ORM 模型。
// 每个进入终态的会话都会写入一条记录。
type UploadRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string     `gorm:"type:varchar(36);not null;index" json:"sessionId"`
	ServerID   string     `gorm:"type:varchar(64)" json:"serverId"`
	Agent      string     `gorm:"type:varchar(64);index" json:"agent"`
	FileName   string     `gorm:"type:varchar(255);not null" json:"fileName"`
	FileSize   int64      `gorm:"not null" json:"fileSize"`
	FileType   string     `gorm:"type:varchar(100)" json:"fileType"`
	Status     Status     `gorm:"type:varchar(16);not null" json:"status"`
	Error      string     `gorm:"type:text" json:"error"`
	Stage      Stage      `gorm:"type:varchar(16)" json:"stage"`
	StartedAt  LocalTime  `gorm:"not null" json:"startedAt"`
	FinishedAt *LocalTime `json:"finishedAt"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadRecord) TableName() string {
	return "upload_history"
}

// NewUploadRecord 根据终态会话生成历史记录。
func NewUploadRecord(agent string, s UploadSession) *UploadRecord {
	rec := &UploadRecord{
		SessionID: s.ID,
		ServerID:  s.ServerID,
		Agent:     agent,
		FileName:  s.File.Name,
		FileSize:  s.File.Size,
		FileType:  s.File.Type,
		Status:    s.Status,
		Error:     s.Error,
		Stage:     s.FailedStage,
		StartedAt: LocalTime(s.StartedAt),
	}
	if s.FinishedAt != nil {
		ft := LocalTime(*s.FinishedAt)
		rec.FinishedAt = &ft
	}
	return rec
}
