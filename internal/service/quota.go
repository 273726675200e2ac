package service

import (
	"context"

	"djidji-uploader/internal/events"
	"djidji-uploader/internal/model"
	"djidji-uploader/internal/optimistic"
	"djidji-uploader/pkg/log"
)

// Quota 返回当前配额快照。首次调用时优先读取 Redis 缓存，否则向服务端请求。
func (s *uploadService) Quota(ctx context.Context) (model.QuotaSnapshot, error) {
	if q, ok := s.quota.Get(); ok {
		return q, nil
	}

	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	if q, ok := s.quota.Get(); ok {
		return q, nil
	}
	if s.quotaCache != nil {
		q, ok, err := s.quotaCache.Get(ctx)
		if err != nil {
			log.Warnf("[UploadService] 读取配额缓存失败: %v", err)
		} else if ok {
			s.quota.Set(q)
			return q, nil
		}
	}
	return s.RefreshQuota(ctx)
}

// RefreshQuota 向服务端重新获取配额，并覆盖本地快照。
func (s *uploadService) RefreshQuota(ctx context.Context) (model.QuotaSnapshot, error) {
	q, err := s.proto.GetUserQuota(ctx)
	if err != nil {
		return model.QuotaSnapshot{}, err
	}
	s.quota.Set(q)
	if s.quotaCache != nil {
		if err := s.quotaCache.Set(ctx, q); err != nil {
			log.Warnf("[UploadService] 写入配额缓存失败: %v", err)
		}
	}
	s.bus.Publish(events.QuotaEvent(q))
	return q, nil
}

// afterCompleted 在上传完成后乐观地增加已用空间，然后刷新一次配额。
// 刷新失败时回滚乐观修改。
func (s *uploadService) afterCompleted(ctx context.Context, sess model.UploadSession) {
	var change *optimistic.Change[model.QuotaSnapshot]
	if _, ok := s.quota.Get(); ok {
		change = s.quota.Apply(func(q model.QuotaSnapshot) model.QuotaSnapshot {
			return q.WithAdded(sess.File.Size)
		})
		tentative, _ := s.quota.Get()
		s.bus.Publish(events.QuotaEvent(tentative))
	}

	if _, err := s.RefreshQuota(ctx); err != nil {
		log.Warnf("[UploadService] 上传完成后刷新配额失败: %v", err)
		if change != nil && change.Rollback() {
			s.bus.Publish(events.QuotaEvent(change.Previous()))
		}
		return
	}
	if change != nil {
		change.Commit()
	}
}
