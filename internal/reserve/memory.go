package reserve

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryBank 以内存方式模拟储备资产，主要用于测试与单机部署。
type MemoryBank struct {
	mu       sync.Mutex
	payouts  map[common.Address]uint64
	failNext bool
}

// NewMemoryBank 创建 MemoryBank。
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{payouts: make(map[common.Address]uint64)}
}

// Transfer 记录一笔支出。当 FailNext 被设置时返回失败，用于
// 测试外部依赖失败时的整体回滚。
func (b *MemoryBank) Transfer(_ context.Context, to common.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return ErrTransferRejected
	}
	b.payouts[to] += amount
	return nil
}

// PaidTo 返回累计支付给指定身份的金额。
func (b *MemoryBank) PaidTo(to common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payouts[to]
}

// FailNext 让下一次转账返回失败。
func (b *MemoryBank) FailNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = true
}

// Close 对内存实现无需操作。
func (b *MemoryBank) Close() error {
	return nil
}

var _ Transferer = (*MemoryBank)(nil)
