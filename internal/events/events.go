// Package events 是编排器持有的类型化事件总线，订阅者通过 channel 接收会话变化。
package events

import (
	"context"
	"sync"
	"time"

	"djidji-uploader/internal/model"
	"djidji-uploader/pkg/log"
)

// Type 是事件类型。
type Type string

const (
	TypeCreated   Type = "created"
	TypeUploading Type = "uploading"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
	TypeRemoved   Type = "removed"
	TypeQuota     Type = "quota"
)

// Lossy 判断事件在订阅者处理不过来时是否可以丢弃。
func (t Type) Lossy() bool {
	return t == TypeProgress
}

// Event 是总线上传递的一条消息。Session 与 Quota 二选一。
type Event struct {
	Type    Type                 `json:"type"`
	Session *model.UploadSession `json:"session,omitempty"`
	Quota   *model.QuotaSnapshot `json:"quota,omitempty"`
	At      time.Time            `json:"at"`
}

// SessionEvent 构造一个会话事件，Session 为快照副本。
func SessionEvent(t Type, s model.UploadSession) Event {
	return Event{Type: t, Session: &s, At: time.Now()}
}

// QuotaEvent 构造一个配额事件。
func QuotaEvent(q model.QuotaSnapshot) Event {
	return Event{Type: TypeQuota, Quota: &q, At: time.Now()}
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Bus 是一个多订阅者的事件总线。零值不可用，请使用 NewBus。
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe 注册一个订阅者。返回的 cancel 必须调用以释放资源。
// 进度事件在 channel 满时被丢弃，其余事件会阻塞发布者直到被接收或订阅取消。
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.close()
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish 将事件投递给所有订阅者。
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if ev.Type.Lossy() {
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Close 关闭所有订阅者的 channel，之后的 Publish 不再投递。
func (b *Bus) Close() {
	// 先唤醒阻塞中的发布者，否则拿不到写锁
	b.mu.RLock()
	for sub := range b.subs {
		sub.close()
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Sink 是事件的外部投递目标，例如 Kafka。
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber 是可以被订阅的事件源，Bus 与编排器都实现了它。
type Subscriber interface {
	Subscribe(buffer int) (<-chan Event, func())
}

// ForwardQueueSize 是 Forward 内部待投递队列的容量。
const ForwardQueueSize = 256

// Forward 将生命周期事件转发给 sink，直到 ctx 取消或事件源关闭。
// 进度事件不转发。sink 在独立的 goroutine 中调用，队列满时事件被丢弃并计数，
// 因此慢速或不可用的 sink 不会阻塞事件源。
func Forward(ctx context.Context, b Subscriber, sink Sink) {
	ch, cancel := b.Subscribe(64)
	defer cancel()

	queue := make(chan Event, ForwardQueueSize)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range queue {
			if ctx.Err() != nil {
				continue
			}
			if err := sink.Publish(ctx, ev); err != nil {
				log.Warnf("[Events] 投递事件失败 type=%s: %v", ev.Type, err)
			}
		}
	}()
	defer func() {
		close(queue)
		<-drained
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type.Lossy() {
				continue
			}
			select {
			case queue <- ev:
			default:
				sinkDropped.WithLabelValues(string(ev.Type)).Inc()
				log.Warnf("[Events] 投递队列已满，丢弃事件 type=%s", ev.Type)
			}
		}
	}
}
