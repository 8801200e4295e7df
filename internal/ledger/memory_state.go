package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryState 以内存方式保存账本状态，主要用于测试与单机部署。
type MemoryState struct {
	mu          sync.RWMutex
	balances    map[BalanceKey]uint64
	supplies    map[common.Hash]uint64
	prices      map[common.Hash]uint64
	roles       map[roleKey]bool
	totalSupply uint64
	reserve     uint64
	paused      bool
	admin       common.Address
	initialized bool
}

// NewMemoryState 创建 MemoryState。
func NewMemoryState() *MemoryState {
	return &MemoryState{
		balances: make(map[BalanceKey]uint64),
		supplies: make(map[common.Hash]uint64),
		prices:   make(map[common.Hash]uint64),
		roles:    make(map[roleKey]bool),
	}
}

// Balance 返回余额，缺失的键视为 0。
func (m *MemoryState) Balance(_ context.Context, owner common.Address, token common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[BalanceKey{Owner: owner, Token: token}], nil
}

// TokensOf 枚举持有人所有余额非零的代币。
func (m *MemoryState) TokensOf(_ context.Context, owner common.Address) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]common.Hash, 0, 4)
	for key := range m.balances {
		if key.Owner == owner {
			tokens = append(tokens, key.Token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Cmp(tokens[j]) < 0
	})
	return tokens, nil
}

// TokenSupply 返回单代币供应量。
func (m *MemoryState) TokenSupply(_ context.Context, token common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supplies[token], nil
}

// TotalSupply 返回全局供应量。
func (m *MemoryState) TotalSupply(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSupply, nil
}

// Price 返回挂牌价格，0 表示未挂牌。
func (m *MemoryState) Price(_ context.Context, token common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prices[token], nil
}

// Reserve 返回储备余额。
func (m *MemoryState) Reserve(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reserve, nil
}

// Admin 返回管理员身份。
func (m *MemoryState) Admin(_ context.Context) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admin, nil
}

// Paused 返回熔断标志。
func (m *MemoryState) Paused(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused, nil
}

// HasRole 判断角色归属。
func (m *MemoryState) HasRole(_ context.Context, role Role, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[roleKey{Role: role, Address: addr}], nil
}

// Initialized 返回账本是否已完成部署初始化。
func (m *MemoryState) Initialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized, nil
}

func (m *MemoryState) apply(_ context.Context, ch *changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, amount := range ch.balances {
		if amount == 0 {
			delete(m.balances, key)
		} else {
			m.balances[key] = amount
		}
	}
	for token, amount := range ch.supplies {
		if amount == 0 {
			delete(m.supplies, token)
		} else {
			m.supplies[token] = amount
		}
	}
	for token, price := range ch.prices {
		m.prices[token] = price
	}
	for key, granted := range ch.roles {
		if granted {
			m.roles[key] = true
		} else {
			delete(m.roles, key)
		}
	}
	if ch.totalSupply != nil {
		m.totalSupply = *ch.totalSupply
	}
	if ch.reserve != nil {
		m.reserve = *ch.reserve
	}
	if ch.paused != nil {
		m.paused = *ch.paused
	}
	if ch.admin != nil {
		m.admin = *ch.admin
	}
	if ch.initialized != nil {
		m.initialized = *ch.initialized
	}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryState) Close() error {
	return nil
}

var _ State = (*MemoryState)(nil)
