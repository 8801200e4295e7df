package ledger

import (
	"context"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceKey 唯一定位一条 (持有人, 代币) 余额。
type BalanceKey struct {
	Owner common.Address
	Token common.Hash
}

type roleKey struct {
	Role    Role
	Address common.Address
}

// State 是账本五类共享状态的统一存取接口。读操作不校验角色，
// 也不关心熔断标志；所有写入都经由 Txn 暂存后通过 apply 一次性落盘。
type State interface {
	Balance(ctx context.Context, owner common.Address, token common.Hash) (uint64, error)
	TokensOf(ctx context.Context, owner common.Address) ([]common.Hash, error)
	TokenSupply(ctx context.Context, token common.Hash) (uint64, error)
	TotalSupply(ctx context.Context) (uint64, error)
	Price(ctx context.Context, token common.Hash) (uint64, error)
	Reserve(ctx context.Context) (uint64, error)
	Admin(ctx context.Context) (common.Address, error)
	Paused(ctx context.Context) (bool, error)
	HasRole(ctx context.Context, role Role, addr common.Address) (bool, error)
	Initialized(ctx context.Context) (bool, error)

	// apply 将一次操作暂存的全部写入原子地落盘。
	apply(ctx context.Context, ch *changeset) error

	Close() error
}

// changeset 记录一次操作相对底层状态的全部待写入项。
// 余额值为 0 表示删除对应键，绝不存储显式的零余额。
type changeset struct {
	balances    map[BalanceKey]uint64
	supplies    map[common.Hash]uint64
	prices      map[common.Hash]uint64
	roles       map[roleKey]bool
	totalSupply *uint64
	reserve     *uint64
	paused      *bool
	admin       *common.Address
	initialized *bool
}

func (ch *changeset) empty() bool {
	return len(ch.balances) == 0 && len(ch.supplies) == 0 && len(ch.prices) == 0 &&
		len(ch.roles) == 0 && ch.totalSupply == nil && ch.reserve == nil &&
		ch.paused == nil && ch.admin == nil && ch.initialized == nil
}

// Txn 在内存 overlay 中暂存一次操作的全部写入。读操作穿透 overlay，
// 先看暂存值再回落到底层状态；只有 Commit 会真正修改底层存储，
// 任何前置条件失败时直接丢弃 Txn 即可，不会留下部分写入。
type Txn struct {
	state State
	ch    changeset
}

func newTxn(state State) *Txn {
	return &Txn{
		state: state,
		ch: changeset{
			balances: make(map[BalanceKey]uint64),
			supplies: make(map[common.Hash]uint64),
			prices:   make(map[common.Hash]uint64),
			roles:    make(map[roleKey]bool),
		},
	}
}

// Balance 返回 overlay 视角下的余额。
func (t *Txn) Balance(ctx context.Context, owner common.Address, token common.Hash) (uint64, error) {
	if v, ok := t.ch.balances[BalanceKey{Owner: owner, Token: token}]; ok {
		return v, nil
	}
	return t.state.Balance(ctx, owner, token)
}

// TokenSupply 返回 overlay 视角下的单代币供应量。
func (t *Txn) TokenSupply(ctx context.Context, token common.Hash) (uint64, error) {
	if v, ok := t.ch.supplies[token]; ok {
		return v, nil
	}
	return t.state.TokenSupply(ctx, token)
}

// TotalSupply 返回 overlay 视角下的全局供应量。
func (t *Txn) TotalSupply(ctx context.Context) (uint64, error) {
	if t.ch.totalSupply != nil {
		return *t.ch.totalSupply, nil
	}
	return t.state.TotalSupply(ctx)
}

// Price 返回 overlay 视角下的挂牌价格，0 表示未挂牌。
func (t *Txn) Price(ctx context.Context, token common.Hash) (uint64, error) {
	if v, ok := t.ch.prices[token]; ok {
		return v, nil
	}
	return t.state.Price(ctx, token)
}

// Reserve 返回 overlay 视角下的储备余额。
func (t *Txn) Reserve(ctx context.Context) (uint64, error) {
	if t.ch.reserve != nil {
		return *t.ch.reserve, nil
	}
	return t.state.Reserve(ctx)
}

// Credit 增加余额。调用方必须在同一 Txn 内配对调整供应计数。
func (t *Txn) Credit(ctx context.Context, owner common.Address, token common.Hash, amount uint64) error {
	if amount == 0 {
		return nil
	}
	current, err := t.Balance(ctx, owner, token)
	if err != nil {
		return err
	}
	next, carry := bits.Add64(current, amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	t.ch.balances[BalanceKey{Owner: owner, Token: token}] = next
	return nil
}

// Debit 扣减余额。余额不足时返回 false 且不产生任何暂存写入；
// 扣减到 0 时该键被标记为删除而非存为显式零值。
func (t *Txn) Debit(ctx context.Context, owner common.Address, token common.Hash, amount uint64) (bool, error) {
	current, err := t.Balance(ctx, owner, token)
	if err != nil {
		return false, err
	}
	if current < amount {
		return false, nil
	}
	t.ch.balances[BalanceKey{Owner: owner, Token: token}] = current - amount
	return true, nil
}

// IncreaseSupply 同步增加单代币供应与全局供应。
func (t *Txn) IncreaseSupply(ctx context.Context, token common.Hash, amount uint64) error {
	supply, err := t.TokenSupply(ctx, token)
	if err != nil {
		return err
	}
	nextSupply, carry := bits.Add64(supply, amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	total, err := t.TotalSupply(ctx)
	if err != nil {
		return err
	}
	nextTotal, carry := bits.Add64(total, amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	t.ch.supplies[token] = nextSupply
	t.ch.totalSupply = &nextTotal
	return nil
}

// DecreaseSupply 同步扣减单代币供应与全局供应。供应计数小于扣减量
// 意味着配对契约被破坏，属于编程缺陷而非运行时条件。
func (t *Txn) DecreaseSupply(ctx context.Context, token common.Hash, amount uint64) error {
	supply, err := t.TokenSupply(ctx, token)
	if err != nil {
		return err
	}
	total, err := t.TotalSupply(ctx)
	if err != nil {
		return err
	}
	if supply < amount || total < amount {
		return ErrAmountOverflow
	}
	nextSupply := supply - amount
	nextTotal := total - amount
	t.ch.supplies[token] = nextSupply
	t.ch.totalSupply = &nextTotal
	return nil
}

// SetPrice 覆写挂牌价格。
func (t *Txn) SetPrice(token common.Hash, price uint64) {
	t.ch.prices[token] = price
}

// SetReserve 覆写储备余额。
func (t *Txn) SetReserve(reserve uint64) {
	t.ch.reserve = &reserve
}

// SetPaused 覆写熔断标志。
func (t *Txn) SetPaused(paused bool) {
	t.ch.paused = &paused
}

// SetAdmin 覆写管理员身份。
func (t *Txn) SetAdmin(addr common.Address) {
	admin := addr
	t.ch.admin = &admin
}

// SetRole 授予或回收角色。
func (t *Txn) SetRole(role Role, addr common.Address, granted bool) {
	t.ch.roles[roleKey{Role: role, Address: addr}] = granted
}

// SetInitialized 标记账本已完成部署初始化。
func (t *Txn) SetInitialized() {
	v := true
	t.ch.initialized = &v
}

// Commit 将暂存写入原子地落盘。
func (t *Txn) Commit(ctx context.Context) error {
	if t.ch.empty() {
		return nil
	}
	return t.state.apply(ctx, &t.ch)
}

func mulDiv(a, b, div uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if div == 0 || hi >= div {
		return 0, false
	}
	quo, _ := bits.Div64(hi, lo, div)
	return quo, true
}
