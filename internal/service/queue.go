package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"djidji-uploader/internal/model"
	"djidji-uploader/internal/source"
	"djidji-uploader/pkg/log"
)

type queueEntry struct {
	item model.QueueItem
	src  source.Source
	opts []UploadOption
}

// QueueResult 是队列中单个条目的处理结果。
type QueueResult struct {
	ItemID    string       `json:"itemId"`
	File      string       `json:"file"`
	SessionID string       `json:"sessionId,omitempty"`
	Status    model.Status `json:"status,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// QueueReport 是一次 ProcessQueue 的汇总。
type QueueReport struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Items      []QueueResult `json:"items"`
}

// Enqueue 校验文件并放入待上传队列，不发出任何网络请求。
// 未通过校验的文件同样入队，处理时会被记为失败。
func (s *uploadService) Enqueue(src source.Source, opts ...UploadOption) (model.QueueItem, error) {
	profile, err := s.resolveProfile(opts)
	if err != nil {
		return model.QueueItem{}, err
	}
	info := src.Info()
	item := model.QueueItem{
		ID:         uuid.NewString(),
		File:       info,
		Validation: profile.Validate(info),
		AddedAt:    time.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, queueEntry{item: item, src: src, opts: opts})
	s.mu.Unlock()

	log.Infof("[UploadService] 文件加入队列: %s, valid=%t", info.Name, item.Validation.Valid)
	return item, nil
}

// Queue 返回队列中的条目。
func (s *uploadService) Queue() []model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueItem, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e.item)
	}
	return out
}

// RemoveFromQueue 从队列中删除一个条目。
func (s *uploadService) RemoveFromQueue(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.item.ID == itemID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return ErrQueueItemNotFound
}

// ClearQueue 清空队列，返回删除的条目数。
func (s *uploadService) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

// ProcessQueue 取出当前队列的快照并逐个上传（并发数为 QueueConcurrency），
// 处理期间新加入的条目留到下一次。
func (s *uploadService) ProcessQueue(ctx context.Context) QueueReport {
	s.mu.Lock()
	entries := s.queue
	s.queue = nil
	s.mu.Unlock()

	report := QueueReport{Total: len(entries), Items: make([]QueueResult, len(entries))}
	if len(entries) == 0 {
		return report
	}
	log.Infof("[UploadService] 开始处理队列，共 %d 个文件", len(entries))

	var g errgroup.Group
	g.SetLimit(s.opts.QueueConcurrency)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			report.Items[i] = s.processEntry(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Items {
		if r.Status == model.StatusCompleted {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	log.Infof("[UploadService] 队列处理结束: 成功 %d, 失败 %d", report.Successful, report.Failed)
	return report
}

func (s *uploadService) processEntry(ctx context.Context, e queueEntry) QueueResult {
	res := QueueResult{ItemID: e.item.ID, File: e.item.File.Name}
	if !e.item.Validation.Valid {
		res.Error = e.item.Validation.Errors[0]
		return res
	}
	sess, err := s.UploadFile(ctx, e.src, e.opts...)
	res.SessionID = sess.ID
	res.Status = sess.Status
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			res.Status = ""
		}
		res.Error = errorMessage(err)
	}
	return res
}
