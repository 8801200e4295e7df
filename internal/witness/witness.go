package witness

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Verifier 是宿主提供的见证能力：确认当前操作确实由指定身份授权。
// 核心账本不自行实现任何签名校验，只信任该能力的判定结果。
type Verifier interface {
	Authorized(ctx context.Context, identity common.Address) bool
}

// callerKey 是上下文中存储已验证调用者身份的键类型。
type callerKey struct{}

// WithCaller 将网关已验证的调用者身份存储到上下文中。
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 从上下文中提取已验证的调用者身份。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// Static 基于白名单实现 Verifier：身份与上下文中的调用者一致、
// 且在白名单内（白名单为空时不限制成员）即视为已授权。
type Static struct {
	allowed map[common.Address]bool
}

// NewStatic 创建 Static 见证实现。
func NewStatic(allowed []common.Address) *Static {
	set := make(map[common.Address]bool, len(allowed))
	for _, addr := range allowed {
		set[addr] = true
	}
	return &Static{allowed: set}
}

// Authorized 实现 Verifier 接口。
func (s *Static) Authorized(ctx context.Context, identity common.Address) bool {
	caller, ok := CallerFromContext(ctx)
	if !ok || caller != identity {
		return false
	}
	if len(s.allowed) == 0 {
		return true
	}
	return s.allowed[identity]
}

var _ Verifier = (*Static)(nil)
