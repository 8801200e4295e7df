package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "ComputeFi-Ledger/internal/errors"
	"ComputeFi-Ledger/internal/observability/alerting"
	"ComputeFi-Ledger/internal/observability/metrics"
	"ComputeFi-Ledger/internal/reserve"
	"ComputeFi-Ledger/internal/witness"
	"ComputeFi-Ledger/pkg/logger"
)

// Receiver 是代币接收方可以注册的回调。回调只在余额完全提交之后
// 触发，回调内部发起的再入调用看到的必然是已提交的状态。
type Receiver interface {
	OnTokenReceived(ctx context.Context, from common.Address, amount uint64, token common.Hash, data []byte) error
}

// Contract 是账本状态机的唯一入口。所有变更操作由单把互斥锁串行化，
// 操作内部的写入先经 Txn 暂存，全部前置条件通过后一次性提交，
// 任何失败路径都不会留下部分写入。
type Contract struct {
	mu       sync.Mutex
	state    State
	witness  witness.Verifier
	payout   reserve.Transferer
	events   EventSink
	alerter  alerting.Dispatcher
	log      *slog.Logger
	audit    *slog.Logger

	reserveAsset common.Address

	recvMu    sync.RWMutex
	receivers map[common.Address]Receiver

	// version 在每次成功提交后递增，读缓存以它为失效依据。
	version atomic.Uint64
}

// Option 配置 Contract 的可选项。
type Option func(*Contract)

// WithReserveAsset 指定储备资产入金网关的身份。只有该身份可以调用
// OnReserveDeposit。
func WithReserveAsset(addr common.Address) Option {
	return func(c *Contract) { c.reserveAsset = addr }
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(c *Contract) { c.log = log }
}

// WithAlerter 注入告警分发器，需要告警的失败会通过它对外通知。
func WithAlerter(dispatcher alerting.Dispatcher) Option {
	return func(c *Contract) { c.alerter = dispatcher }
}

// NewContract 组装账本状态机。
func NewContract(state State, verifier witness.Verifier, payout reserve.Transferer, events EventSink, opts ...Option) *Contract {
	c := &Contract{
		state:     state,
		witness:   verifier,
		payout:    payout,
		events:    events,
		log:       logger.Named("ledger"),
		audit:     logger.Audit(),
		receivers: make(map[common.Address]Receiver),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterReceiver 为指定地址注册转账回调。
func (c *Contract) RegisterReceiver(addr common.Address, r Receiver) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if r == nil {
		delete(c.receivers, addr)
		return
	}
	c.receivers[addr] = r
}

// Init 执行一次性的部署初始化：设定管理员并授予其 oracle 与 minter
// 角色。重复调用返回 ErrAlreadyInitialized。
func (c *Contract) Init(ctx context.Context, deployer common.Address) (err error) {
	defer func() { c.finish(ctx, "init", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	initialized, err := c.state.Initialized(ctx)
	if err != nil {
		return c.storageErr(err)
	}
	if initialized {
		return ErrAlreadyInitialized
	}

	txn := newTxn(c.state)
	txn.SetAdmin(deployer)
	txn.SetPaused(false)
	txn.SetReserve(0)
	txn.SetRole(RoleOracle, deployer, true)
	txn.SetRole(RoleMinter, deployer, true)
	txn.SetInitialized()
	if err := c.commit(ctx, txn); err != nil {
		return err
	}
	c.audit.Info("账本初始化完成", "admin", deployer.Hex())
	return nil
}

// Transfer 在两个持有人之间转移余额。from 必须通过见证校验，
// 余额不足时整个操作不产生任何状态变更。接收方回调在提交并释放
// 互斥锁之后触发。
func (c *Contract) Transfer(ctx context.Context, from, to common.Address, amount uint64, token common.Hash, data []byte) (err error) {
	defer func() { c.finish(ctx, "transfer", err) }()

	c.mu.Lock()
	err = func() error {
		if err := c.requireActive(ctx); err != nil {
			return err
		}
		if !c.witness.Authorized(ctx, from) {
			return ErrUnauthorized
		}
		if amount == 0 {
			return ErrZeroAmount
		}
		txn := newTxn(c.state)
		ok, err := txn.Debit(ctx, from, token, amount)
		if err != nil {
			return c.storageErr(err)
		}
		if !ok {
			return ErrInsufficientBalance
		}
		if err := txn.Credit(ctx, to, token, amount); err != nil {
			return c.storageErr(err)
		}
		return c.commit(ctx, txn)
	}()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.emit(ctx, from, to, amount, token)
	c.notifyReceiver(ctx, from, to, amount, token, data)
	return nil
}

// Mint 按质量因子铸造代币。amount 是报价数量，实际入账数量为
// amount*quality/100 向下取整；截断后为零的铸造直接拒绝。
func (c *Contract) Mint(ctx context.Context, to common.Address, modelRef string, amount uint64, quality int) (minted uint64, err error) {
	defer func() { c.finish(ctx, "mint", err) }()

	token := TokenIDOf(modelRef)
	c.mu.Lock()
	minted, err = func() (uint64, error) {
		if err := c.requireActive(ctx); err != nil {
			return 0, err
		}
		caller, ok := witness.CallerFromContext(ctx)
		if !ok {
			return 0, ErrUnauthorized
		}
		isMinter, err := c.state.HasRole(ctx, RoleMinter, caller)
		if err != nil {
			return 0, c.storageErr(err)
		}
		if !isMinter {
			return 0, ErrUnauthorized
		}
		if quality < QualityMin || quality > QualityMax {
			return 0, ErrBadQuality
		}

		actual, ok := mulDiv(amount, uint64(quality), 100)
		if !ok {
			return 0, ErrAmountOverflow
		}
		if actual == 0 {
			return 0, ErrDustAmount
		}

		txn := newTxn(c.state)
		if err := txn.Credit(ctx, to, token, actual); err != nil {
			return 0, c.storageErr(err)
		}
		if err := txn.IncreaseSupply(ctx, token, actual); err != nil {
			return 0, err
		}
		if err := c.commit(ctx, txn); err != nil {
			return 0, err
		}
		return actual, nil
	}()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	c.emit(ctx, ZeroAddress, to, minted, token)
	return minted, nil
}

// Burn 销毁持有人的代币，owner 必须通过见证校验。
func (c *Contract) Burn(ctx context.Context, owner common.Address, token common.Hash, amount uint64) (err error) {
	defer func() { c.finish(ctx, "burn", err) }()

	c.mu.Lock()
	err = func() error {
		if err := c.requireActive(ctx); err != nil {
			return err
		}
		if !c.witness.Authorized(ctx, owner) {
			return ErrUnauthorized
		}
		if amount == 0 {
			return ErrZeroAmount
		}
		txn := newTxn(c.state)
		ok, err := txn.Debit(ctx, owner, token, amount)
		if err != nil {
			return c.storageErr(err)
		}
		if !ok {
			return ErrInsufficientBalance
		}
		if err := txn.DecreaseSupply(ctx, token, amount); err != nil {
			return err
		}
		return c.commit(ctx, txn)
	}()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.emit(ctx, owner, ZeroAddress, amount, token)
	return nil
}

// Buy 用储备资产兑换代币。输入先扣除 0.3% 手续费，剩余部分按挂牌
// 价格折算成铸造数量；整笔输入（含手续费）计入储备池。
func (c *Contract) Buy(ctx context.Context, buyer common.Address, modelRef string, reserveIn uint64) (minted uint64, err error) {
	defer func() { c.finish(ctx, "buy", err) }()

	token := TokenIDOf(modelRef)
	c.mu.Lock()
	minted, err = func() (uint64, error) {
		if err := c.requireActive(ctx); err != nil {
			return 0, err
		}
		if reserveIn <= DustThreshold {
			return 0, ErrDustAmount
		}

		txn := newTxn(c.state)
		price, err := txn.Price(ctx, token)
		if err != nil {
			return 0, c.storageErr(err)
		}
		if price == 0 {
			return 0, ErrNoPrice
		}

		fee, ok := mulDiv(reserveIn, feeNumerator, feeDenominator)
		if !ok {
			return 0, ErrAmountOverflow
		}
		net := reserveIn - fee
		out, ok := mulDiv(net, OneToken, price)
		if !ok {
			return 0, ErrAmountOverflow
		}
		if out == 0 {
			return 0, ErrDustAmount
		}

		if err := txn.Credit(ctx, buyer, token, out); err != nil {
			return 0, c.storageErr(err)
		}
		if err := txn.IncreaseSupply(ctx, token, out); err != nil {
			return 0, err
		}
		current, err := txn.Reserve(ctx)
		if err != nil {
			return 0, c.storageErr(err)
		}
		next := current + reserveIn
		if next < current {
			return 0, ErrAmountOverflow
		}
		txn.SetReserve(next)

		if err := c.commit(ctx, txn); err != nil {
			return 0, err
		}
		c.audit.Info("买入成交",
			"buyer", buyer.Hex(),
			"token", token.Hex(),
			"reserve_in", reserveIn,
			"fee", fee,
			"minted", out,
		)
		return out, nil
	}()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	c.emit(ctx, ZeroAddress, buyer, minted, token)
	return minted, nil
}

// Sell 按挂牌价格卖出代币换回储备资产。毛额先按价格折算，再扣除
// 0.3% 手续费得到实付金额；手续费留在储备池内。外部转账能力报告
// 失败时整个操作回滚，不销毁任何代币。
func (c *Contract) Sell(ctx context.Context, seller common.Address, modelRef string, amount uint64) (payout uint64, err error) {
	defer func() { c.finish(ctx, "sell", err) }()

	token := TokenIDOf(modelRef)
	c.mu.Lock()
	payout, err = func() (uint64, error) {
		if err := c.requireActive(ctx); err != nil {
			return 0, err
		}
		if !c.witness.Authorized(ctx, seller) {
			return 0, ErrUnauthorized
		}
		if amount <= DustThreshold {
			return 0, ErrDustAmount
		}

		txn := newTxn(c.state)
		price, err := txn.Price(ctx, token)
		if err != nil {
			return 0, c.storageErr(err)
		}
		if price == 0 {
			return 0, ErrNoPrice
		}

		gross, ok := mulDiv(amount, price, OneToken)
		if !ok {
			return 0, ErrAmountOverflow
		}
		if gross == 0 {
			return 0, ErrDustAmount
		}
		fee, ok := mulDiv(gross, feeNumerator, feeDenominator)
		if !ok {
			return 0, ErrAmountOverflow
		}
		out := gross - fee
		if out == 0 {
			return 0, ErrDustAmount
		}

		debited, err := txn.Debit(ctx, seller, token, amount)
		if err != nil {
			return 0, c.storageErr(err)
		}
		if !debited {
			return 0, ErrInsufficientBalance
		}
		if err := txn.DecreaseSupply(ctx, token, amount); err != nil {
			return 0, err
		}
		current, err := txn.Reserve(ctx)
		if err != nil {
			return 0, c.storageErr(err)
		}
		if current < out {
			return 0, ErrInsufficientReserve
		}
		txn.SetReserve(current - out)

		// 外部转账先于提交执行：转账失败时丢弃暂存写入即可回滚。
		// 反过来的顺序会在提交成功后无法追回已销毁的余额。
		if err := c.payout.Transfer(ctx, seller, out); err != nil {
			return 0, xerrors.Wrap(CodePayoutFailed, err, "储备资产转账失败")
		}
		if err := c.commit(ctx, txn); err != nil {
			// 储备已经付出而账本未能落盘，必须人工对账。
			c.log.Error("卖出提交失败，储备已付出",
				"seller", seller.Hex(), "token", token.Hex(), "payout", out, "error", err)
			return 0, err
		}
		c.audit.Info("卖出成交",
			"seller", seller.Hex(),
			"token", token.Hex(),
			"amount", amount,
			"gross", gross,
			"fee", fee,
			"payout", out,
		)
		return out, nil
	}()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	c.emit(ctx, seller, ZeroAddress, amount, token)
	return payout, nil
}

// SetPrice 由 oracle 角色挂牌或更新价格。价格单位是每 1.0 个代币
// 对应的储备资产最小单位数量，必须为正。
func (c *Contract) SetPrice(ctx context.Context, modelRef string, price uint64) (err error) {
	defer func() { c.finish(ctx, "set_price", err) }()

	token := TokenIDOf(modelRef)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.requireActive(ctx); err != nil {
		return err
	}
	caller, ok := witness.CallerFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	isOracle, err := c.state.HasRole(ctx, RoleOracle, caller)
	if err != nil {
		return c.storageErr(err)
	}
	if !isOracle {
		return ErrUnauthorized
	}
	if price == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "价格必须为正")
	}

	txn := newTxn(c.state)
	txn.SetPrice(token, price)
	if err = c.commit(ctx, txn); err != nil {
		return err
	}
	c.audit.Info("价格更新", "token", token.Hex(), "price", price, "oracle", caller.Hex())
	return nil
}

// Pause 打开熔断开关。熔断状态下所有余额与价格变更被拒绝，
// 管理操作与入金网关不受影响。
func (c *Contract) Pause(ctx context.Context) (err error) {
	defer func() { c.finish(ctx, "pause", err) }()
	return c.setPaused(ctx, true)
}

// Resume 关闭熔断开关。
func (c *Contract) Resume(ctx context.Context) (err error) {
	defer func() { c.finish(ctx, "resume", err) }()
	return c.setPaused(ctx, false)
}

func (c *Contract) setPaused(ctx context.Context, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireAdmin(ctx); err != nil {
		return err
	}
	txn := newTxn(c.state)
	txn.SetPaused(paused)
	if err := c.commit(ctx, txn); err != nil {
		return err
	}
	c.audit.Info("熔断状态变更", "paused", paused)
	return nil
}

// GrantOracle 授予价格写入角色。
func (c *Contract) GrantOracle(ctx context.Context, addr common.Address) (err error) {
	defer func() { c.finish(ctx, "grant_oracle", err) }()
	return c.setRole(ctx, RoleOracle, addr, true)
}

// RevokeOracle 回收价格写入角色。
func (c *Contract) RevokeOracle(ctx context.Context, addr common.Address) (err error) {
	defer func() { c.finish(ctx, "revoke_oracle", err) }()
	return c.setRole(ctx, RoleOracle, addr, false)
}

// GrantMinter 授予铸造角色。
func (c *Contract) GrantMinter(ctx context.Context, addr common.Address) (err error) {
	defer func() { c.finish(ctx, "grant_minter", err) }()
	return c.setRole(ctx, RoleMinter, addr, true)
}

// RevokeMinter 回收铸造角色。
func (c *Contract) RevokeMinter(ctx context.Context, addr common.Address) (err error) {
	defer func() { c.finish(ctx, "revoke_minter", err) }()
	return c.setRole(ctx, RoleMinter, addr, false)
}

func (c *Contract) setRole(ctx context.Context, role Role, addr common.Address, granted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireAdmin(ctx); err != nil {
		return err
	}
	txn := newTxn(c.state)
	txn.SetRole(role, addr, granted)
	if err := c.commit(ctx, txn); err != nil {
		return err
	}
	c.audit.Info("角色变更", "role", string(role), "address", addr.Hex(), "granted", granted)
	return nil
}

// WithdrawReserve 由管理员从储备池提取储备资产。外部转账先于提交，
// 失败时储备计数保持不变。
func (c *Contract) WithdrawReserve(ctx context.Context, to common.Address, amount uint64) (err error) {
	defer func() { c.finish(ctx, "withdraw_reserve", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.requireActive(ctx); err != nil {
		return err
	}
	if err = c.requireAdmin(ctx); err != nil {
		return err
	}
	current, err := c.state.Reserve(ctx)
	if err != nil {
		return c.storageErr(err)
	}
	if current < amount {
		return ErrInsufficientReserve
	}

	txn := newTxn(c.state)
	txn.SetReserve(current - amount)
	if err = c.payout.Transfer(ctx, to, amount); err != nil {
		return xerrors.Wrap(CodePayoutFailed, err, "储备资产转账失败")
	}
	if err = c.commit(ctx, txn); err != nil {
		c.log.Error("储备提取提交失败，储备已付出",
			"to", to.Hex(), "amount", amount, "error", err)
		return err
	}
	c.audit.Info("储备提取", "to", to.Hex(), "amount", amount)
	return nil
}

// OnReserveDeposit 是储备资产的入金网关。只有部署时指定的储备资产
// 身份可以调用；未配置储备资产时网关关闭。熔断状态不阻止入金，
// 否则卖出通道会被饿死。
func (c *Contract) OnReserveDeposit(ctx context.Context, from common.Address, amount uint64) (err error) {
	defer func() { c.finish(ctx, "reserve_deposit", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reserveAsset == ZeroAddress {
		return ErrUnauthorized
	}
	caller, ok := witness.CallerFromContext(ctx)
	if !ok || caller != c.reserveAsset {
		return ErrUnauthorized
	}
	current, err := c.state.Reserve(ctx)
	if err != nil {
		return c.storageErr(err)
	}
	next := current + amount
	if next < current {
		return ErrAmountOverflow
	}

	txn := newTxn(c.state)
	txn.SetReserve(next)
	if err = c.commit(ctx, txn); err != nil {
		return err
	}
	c.audit.Info("储备入金", "from", from.Hex(), "amount", amount, "reserve", next)
	return nil
}

// Symbol 返回代币符号。
func (c *Contract) Symbol() string { return Symbol }

// Decimals 返回代币小数位数。
func (c *Contract) Decimals() int { return Decimals }

// BalanceOf 返回持有人在指定代币下的余额。
func (c *Contract) BalanceOf(ctx context.Context, owner common.Address, token common.Hash) (uint64, error) {
	return c.state.Balance(ctx, owner, token)
}

// TokensOf 返回持有人当前余额为正的全部代币 ID。
func (c *Contract) TokensOf(ctx context.Context, owner common.Address) ([]common.Hash, error) {
	return c.state.TokensOf(ctx, owner)
}

// TokenSupply 返回单代币流通量。
func (c *Contract) TokenSupply(ctx context.Context, token common.Hash) (uint64, error) {
	return c.state.TokenSupply(ctx, token)
}

// TotalSupply 返回全局流通量。
func (c *Contract) TotalSupply(ctx context.Context) (uint64, error) {
	return c.state.TotalSupply(ctx)
}

// PriceOf 返回挂牌价格，0 表示未挂牌。
func (c *Contract) PriceOf(ctx context.Context, token common.Hash) (uint64, error) {
	return c.state.Price(ctx, token)
}

// Reserve 返回储备池余额。
func (c *Contract) Reserve(ctx context.Context) (uint64, error) {
	return c.state.Reserve(ctx)
}

// Paused 返回熔断标志。
func (c *Contract) Paused(ctx context.Context) (bool, error) {
	return c.state.Paused(ctx)
}

// Admin 返回管理员身份。
func (c *Contract) Admin(ctx context.Context) (common.Address, error) {
	return c.state.Admin(ctx)
}

// IsOracle 判断地址是否持有价格写入角色。
func (c *Contract) IsOracle(ctx context.Context, addr common.Address) (bool, error) {
	return c.state.HasRole(ctx, RoleOracle, addr)
}

// IsMinter 判断地址是否持有铸造角色。
func (c *Contract) IsMinter(ctx context.Context, addr common.Address) (bool, error) {
	return c.state.HasRole(ctx, RoleMinter, addr)
}

// Initialized 返回账本是否已完成部署初始化。
func (c *Contract) Initialized(ctx context.Context) (bool, error) {
	return c.state.Initialized(ctx)
}

// Version 返回当前提交版本号。每次成功提交递增一次。
func (c *Contract) Version() uint64 {
	return c.version.Load()
}

func (c *Contract) requireActive(ctx context.Context) error {
	paused, err := c.state.Paused(ctx)
	if err != nil {
		return c.storageErr(err)
	}
	if paused {
		return ErrPaused
	}
	return nil
}

func (c *Contract) requireAdmin(ctx context.Context) error {
	caller, ok := witness.CallerFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	admin, err := c.state.Admin(ctx)
	if err != nil {
		return c.storageErr(err)
	}
	if caller != admin || admin == ZeroAddress {
		return ErrUnauthorized
	}
	return nil
}

func (c *Contract) commit(ctx context.Context, txn *Txn) error {
	if err := txn.Commit(ctx); err != nil {
		return c.storageErr(err)
	}
	c.version.Add(1)
	return nil
}

func (c *Contract) storageErr(err error) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(CodeStorageFailure, err, "账本存储访问失败")
}

// emit 在操作提交之后发布转账事件。发布失败只记录日志，
// 不影响已提交的账本状态。
func (c *Contract) emit(ctx context.Context, from, to common.Address, amount uint64, token common.Hash) {
	event := TransferEvent{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		TokenID:   token,
		EmittedAt: time.Now().Unix(),
	}
	c.audit.Info("转账事件",
		"event_id", event.ID,
		"from", from.Hex(),
		"to", to.Hex(),
		"amount", amount,
		"token", token.Hex(),
	)
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.log.Warn("转账事件发布失败", "event_id", event.ID, "error", err)
	}
}

func (c *Contract) notifyReceiver(ctx context.Context, from, to common.Address, amount uint64, token common.Hash, data []byte) {
	c.recvMu.RLock()
	receiver := c.receivers[to]
	c.recvMu.RUnlock()
	if receiver == nil {
		return
	}
	if err := receiver.OnTokenReceived(ctx, from, amount, token, data); err != nil {
		c.log.Warn("接收方回调返回错误", "to", to.Hex(), "token", token.Hex(), "error", err)
	}
}

// finish 记录一次操作的结果指标，并在错误需要告警时分发告警事件。
func (c *Contract) finish(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	metrics.ObserveLedgerOp(op, outcome)

	if c.alerter == nil || err == nil {
		return
	}
	if event, ok := alerting.FromError(op, "", err); ok {
		if nerr := c.alerter.Notify(ctx, event); nerr != nil {
			c.log.Warn("告警通知失败", "op", op, "error", nerr)
		}
	}
}
