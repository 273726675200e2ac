// Package session 维护内存中的上传会话集合，并保证状态迁移合法。
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"djidji-uploader/internal/events"
	"djidji-uploader/internal/model"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid status transition")
	ErrServerIDAssigned  = errors.New("session: server upload id already assigned")
)

// Tracker 按创建顺序保存会话。所有方法都是并发安全的，
// 返回值均为快照副本，事件在释放锁之后发布。
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*model.UploadSession
	order    []string
	bus      *events.Bus
	now      func() time.Time
}

// NewTracker 创建一个 Tracker。bus 可以为 nil。
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{
		sessions: make(map[string]*model.UploadSession),
		bus:      bus,
		now:      time.Now,
	}
}

// Create 为文件创建一个 pending 会话。retryOf 非空时表示手动重试。
func (t *Tracker) Create(file model.FileInfo, retryOf string, attempt int) model.UploadSession {
	if attempt < 1 {
		attempt = 1
	}
	s := &model.UploadSession{
		ID:        uuid.NewString(),
		File:      file,
		Status:    model.StatusPending,
		StartedAt: t.now(),
		Attempt:   attempt,
		RetryOf:   retryOf,
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.order = append(t.order, s.ID)
	snap := *s
	t.mu.Unlock()

	t.publish(events.TypeCreated, snap)
	return snap
}

// Get 返回会话快照。
func (t *Tracker) Get(id string) (model.UploadSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return model.UploadSession{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// List 按创建顺序返回全部会话快照。
func (t *Tracker) List() []model.UploadSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.UploadSession, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.sessions[id])
	}
	return out
}

// Start 记录服务端 upload id 并进入 uploading。必须在传输任何字节之前调用。
func (t *Tracker) Start(id, serverID string) (model.UploadSession, error) {
	return t.mutate(id, events.TypeUploading, func(s *model.UploadSession) error {
		if s.ServerID != "" {
			return ErrServerIDAssigned
		}
		if err := transition(s, model.StatusUploading); err != nil {
			return err
		}
		s.ServerID = serverID
		return nil
	})
}

// Progress 更新已传输字节数。只在 uploading 状态生效，进度不会回退。
func (t *Tracker) Progress(id string, transferred int64) (model.UploadSession, error) {
	return t.mutate(id, events.TypeProgress, func(s *model.UploadSession) error {
		if s.Status != model.StatusUploading {
			return fmt.Errorf("%w: progress while %s", ErrInvalidTransition, s.Status)
		}
		if transferred > s.File.Size && s.File.Size > 0 {
			transferred = s.File.Size
		}
		if transferred <= s.BytesTransferred {
			return nil
		}
		s.BytesTransferred = transferred
		s.Progress = model.Percentage(transferred, s.File.Size)
		return nil
	})
}

// Complete 将会话标记为 completed，进度置为 100。
func (t *Tracker) Complete(id string) (model.UploadSession, error) {
	return t.mutate(id, events.TypeCompleted, func(s *model.UploadSession) error {
		if err := transition(s, model.StatusCompleted); err != nil {
			return err
		}
		s.BytesTransferred = s.File.Size
		s.Progress = 100
		t.finish(s)
		return nil
	})
}

// Fail 将会话标记为 error，并记录失败的协议步骤。
func (t *Tracker) Fail(id string, stage model.Stage, msg string) (model.UploadSession, error) {
	return t.mutate(id, events.TypeFailed, func(s *model.UploadSession) error {
		if err := transition(s, model.StatusError); err != nil {
			return err
		}
		s.Error = msg
		s.FailedStage = stage
		t.finish(s)
		return nil
	})
}

// Cancel 将会话标记为 cancelled。返回的快照包含取消前已分配的 ServerID。
func (t *Tracker) Cancel(id string) (model.UploadSession, error) {
	return t.mutate(id, events.TypeCancelled, func(s *model.UploadSession) error {
		if err := transition(s, model.StatusCancelled); err != nil {
			return err
		}
		t.finish(s)
		return nil
	})
}

// Remove 从集合中删除会话。
func (t *Tracker) Remove(id string) (model.UploadSession, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return model.UploadSession{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(t.sessions, id)
	t.dropOrder(func(other string) bool { return other == id })
	snap := *s
	t.mu.Unlock()

	t.publish(events.TypeRemoved, snap)
	return snap, nil
}

// ClearCompleted 删除所有 completed 会话，返回被删除的数量。
func (t *Tracker) ClearCompleted() int {
	return t.removeWhere(func(s *model.UploadSession) bool { return s.Status == model.StatusCompleted })
}

// ClearAll 删除全部会话，返回被删除的数量。
func (t *Tracker) ClearAll() int {
	return t.removeWhere(func(*model.UploadSession) bool { return true })
}

func (t *Tracker) removeWhere(match func(*model.UploadSession) bool) int {
	t.mu.Lock()
	var removed []model.UploadSession
	for _, id := range t.order {
		if s := t.sessions[id]; match(s) {
			removed = append(removed, *s)
			delete(t.sessions, id)
		}
	}
	t.dropOrder(func(id string) bool {
		_, ok := t.sessions[id]
		return !ok
	})
	t.mu.Unlock()

	for _, s := range removed {
		t.publish(events.TypeRemoved, s)
	}
	return len(removed)
}

// dropOrder 需要持有写锁。
func (t *Tracker) dropOrder(drop func(string) bool) {
	kept := t.order[:0]
	for _, id := range t.order {
		if !drop(id) {
			kept = append(kept, id)
		}
	}
	t.order = kept
}

func (t *Tracker) mutate(id string, typ events.Type, fn func(*model.UploadSession) error) (model.UploadSession, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return model.UploadSession{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := *s
	if err := fn(s); err != nil {
		t.mu.Unlock()
		return before, err
	}
	snap := *s
	t.mu.Unlock()

	if typ != events.TypeProgress || snap.BytesTransferred != before.BytesTransferred {
		t.publish(typ, snap)
	}
	return snap, nil
}

func (t *Tracker) finish(s *model.UploadSession) {
	now := t.now()
	s.FinishedAt = &now
}

func (t *Tracker) publish(typ events.Type, s model.UploadSession) {
	if t.bus != nil {
		t.bus.Publish(events.SessionEvent(typ, s))
	}
}

func transition(s *model.UploadSession, next model.Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}
