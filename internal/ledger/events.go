package ledger

import (
	"context"
	"sync"
)

// EventSink 负责对外发布转账事件。事件在操作提交之后发布，
// 发布失败不会回滚已提交的账本状态，只会记录日志。
type EventSink interface {
	Publish(ctx context.Context, event TransferEvent) error
	Close() error
}

// MemorySink 将事件保留在内存中，主要用于测试与单机部署。
type MemorySink struct {
	mu     sync.Mutex
	events []TransferEvent
}

// NewMemorySink 创建 MemorySink。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish 追加事件。
func (s *MemorySink) Publish(_ context.Context, event TransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (s *MemorySink) Events() []TransferEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferEvent(nil), s.events...)
}

// Close 对内存实现无需操作。
func (s *MemorySink) Close() error {
	return nil
}

var _ EventSink = (*MemorySink)(nil)
