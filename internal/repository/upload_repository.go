// Package repository 定义了上传历史与配额缓存的持久化接口和实现。
package repository

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"

	"djidji-uploader/internal/model"
)

// ErrRecordNotFound 表示没有找到对应的历史记录。
var ErrRecordNotFound = errors.New("repository: record not found")

// UploadRepository 接口定义了上传历史的持久化操作。
type UploadRepository interface {
	Save(ctx context.Context, record *model.UploadRecord) error
	// List 返回最近的记录，按完成时间倒序。limit <= 0 表示不限制。
	List(ctx context.Context, limit int) ([]model.UploadRecord, error)
	FindBySessionID(ctx context.Context, sessionID string) (*model.UploadRecord, error)
}

// uploadRepository 是 UploadRepository 接口的 GORM 实现。
type uploadRepository struct {
	db    *gorm.DB
	agent string
}

// NewUploadRepository 创建一个新的 UploadRepository 实例，只读写指定 agent 的记录。
func NewUploadRepository(db *gorm.DB, agent string) UploadRepository {
	return &uploadRepository{db: db, agent: agent}
}

// Save 在数据库中创建一条历史记录。
func (r *uploadRepository) Save(ctx context.Context, record *model.UploadRecord) error {
	if record.Agent == "" {
		record.Agent = r.agent
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// List 查询最近的历史记录。
func (r *uploadRepository) List(ctx context.Context, limit int) ([]model.UploadRecord, error) {
	var records []model.UploadRecord
	q := r.db.WithContext(ctx).Where("agent = ?", r.agent).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

// FindBySessionID 根据会话 ID 查询历史记录。
func (r *uploadRepository) FindBySessionID(ctx context.Context, sessionID string) (*model.UploadRecord, error) {
	var record model.UploadRecord
	err := r.db.WithContext(ctx).Where("session_id = ? AND agent = ?", sessionID, r.agent).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// memoryUploadRepository 在未配置 MySQL 时使用，记录只保存在进程内存中。
type memoryUploadRepository struct {
	mu      sync.RWMutex
	records []model.UploadRecord
	agent   string
}

// NewMemoryUploadRepository 创建一个内存实现。
func NewMemoryUploadRepository(agent string) UploadRepository {
	return &memoryUploadRepository{agent: agent}
}

func (r *memoryUploadRepository) Save(ctx context.Context, record *model.UploadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.Agent == "" {
		record.Agent = r.agent
	}
	record.ID = uint(len(r.records) + 1)
	r.records = append(r.records, *record)
	return nil
}

func (r *memoryUploadRepository) List(ctx context.Context, limit int) ([]model.UploadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.UploadRecord, 0, n)
	for i := len(r.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}

func (r *memoryUploadRepository) FindBySessionID(ctx context.Context, sessionID string) (*model.UploadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].SessionID == sessionID {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, ErrRecordNotFound
}
