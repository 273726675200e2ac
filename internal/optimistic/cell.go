// Package optimistic 实现带回滚的本地乐观更新：先应用临时值并记住旧值，
// 服务端确认后提交，失败时恢复。
package optimistic

import "sync"

// Cell 保存一个值及其版本号。零值可用。
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	set     bool
}

// NewCell 用初始值创建 Cell。
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{value: v, set: true}
}

// Get 返回当前值，以及该值是否被设置过。
func (c *Cell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Set 写入权威值，覆盖所有未完成的临时修改。
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.set = true
	c.version++
}

// Apply 基于当前值计算并写入临时值，返回可提交或回滚的 Change。
func (c *Cell[T]) Apply(fn func(T) T) *Change[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, prevSet := c.value, c.set
	c.value = fn(c.value)
	c.set = true
	c.version++
	return &Change[T]{cell: c, prev: prev, prevSet: prevSet, version: c.version}
}

// Change 是一次尚未确定的临时修改。
type Change[T any] struct {
	cell    *Cell[T]
	prev    T
	prevSet bool
	version uint64
	done    bool
}

// Commit 确认修改。之后 Rollback 不再生效。
func (ch *Change[T]) Commit() {
	ch.cell.mu.Lock()
	defer ch.cell.mu.Unlock()
	ch.done = true
}

// Rollback 恢复旧值。如果在此之后已有新的写入，则保留新值并返回 false。
func (ch *Change[T]) Rollback() bool {
	ch.cell.mu.Lock()
	defer ch.cell.mu.Unlock()
	if ch.done || ch.cell.version != ch.version {
		ch.done = true
		return false
	}
	ch.cell.value = ch.prev
	ch.cell.set = ch.prevSet
	ch.cell.version++
	ch.done = true
	return true
}

// Previous 返回修改前的值。
func (ch *Change[T]) Previous() T {
	return ch.prev
}
