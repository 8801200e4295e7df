package ledger

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ComputeFi-Ledger/internal/errors"
)

// 代币基本参数。
const (
	// Symbol 是账本代币的符号。
	Symbol = "COMPUTE"
	// Decimals 是代币的小数位数。
	Decimals = 8
	// OneToken 表示 1.0 个代币对应的最小单位数量。
	OneToken uint64 = 100_000_000
	// DustThreshold 是买入/卖出操作的最小输入金额，低于该值直接拒绝。
	DustThreshold uint64 = 1000
	// QualityMin 与 QualityMax 界定铸造质量因子的合法区间。
	QualityMin = 50
	QualityMax = 100

	feeNumerator   uint64 = 3
	feeDenominator uint64 = 1000
)

// ZeroAddress 在铸造事件的 from 与销毁事件的 to 中作为空身份使用。
var ZeroAddress common.Address

// Role 表示账本内的受限角色。
type Role string

const (
	RoleOracle Role = "oracle"
	RoleMinter Role = "minter"
)

// TokenIDOf 由模型引用派生代币 ID。代币在首次铸造或买入时隐式创建。
func TokenIDOf(modelRef string) common.Hash {
	return common.Hash(sha256.Sum256([]byte(modelRef)))
}

// TransferEvent 是所有余额变动操作对外发布的统一事件。
// 铸造事件的 From 与销毁事件的 To 为 ZeroAddress。
type TransferEvent struct {
	ID        string         `json:"id"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	TokenID   common.Hash    `json:"token_id"`
	EmittedAt int64          `json:"emitted_at"`
}

var (
	// ErrPaused 表示账本处于熔断状态，所有变更操作被拒绝。
	ErrPaused = xerrors.New(CodePaused, "ledger is paused")
	// ErrUnauthorized 表示调用者缺少操作所需的身份或角色。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not authorized")
	// ErrInsufficientBalance 表示余额不足，操作不产生任何状态变更。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrNoPrice 表示代币尚未挂牌，无法进行兑换。
	ErrNoPrice = xerrors.New(CodeNoPrice, "no price for token")
	// ErrDustAmount 表示金额经过费用与价格截断后归零。
	ErrDustAmount = xerrors.New(CodeDustAmount, "amount too small")
	// ErrZeroAmount 表示转账或销毁金额为零。
	ErrZeroAmount = xerrors.New(CodeZeroAmount, "amount must be positive")
	// ErrInsufficientReserve 表示储备不足以支付卖出金额。
	ErrInsufficientReserve = xerrors.New(CodeInsufficientReserve, "insufficient reserve")
	// ErrBadQuality 表示质量因子不在 [50, 100] 区间内。
	ErrBadQuality = xerrors.New(CodeBadQuality, "quality out of range")
	// ErrPayoutFailed 表示外部储备资产转账能力报告失败，整个操作被回滚。
	ErrPayoutFailed = xerrors.New(CodePayoutFailed, "reserve transfer failed")
	// ErrAmountOverflow 表示无符号整数运算溢出。
	ErrAmountOverflow = xerrors.New(CodeAmountOverflow, "amount overflow")
	// ErrAlreadyInitialized 表示账本已经完成过部署初始化。
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "ledger already initialized")
)

const (
	CodePaused              xerrors.Code = "LEDGER_PAUSED"
	CodeUnauthorized        xerrors.Code = "LEDGER_UNAUTHORIZED"
	CodeInsufficientBalance xerrors.Code = "LEDGER_INSUFFICIENT_BALANCE"
	CodeNoPrice             xerrors.Code = "LEDGER_NO_PRICE"
	CodeDustAmount          xerrors.Code = "LEDGER_DUST_AMOUNT"
	CodeZeroAmount          xerrors.Code = "LEDGER_ZERO_AMOUNT"
	CodeInsufficientReserve xerrors.Code = "LEDGER_INSUFFICIENT_RESERVE"
	CodeBadQuality          xerrors.Code = "LEDGER_BAD_QUALITY"
	CodePayoutFailed        xerrors.Code = "LEDGER_TRANSFER_OUT_FAILED"
	CodeAmountOverflow      xerrors.Code = "LEDGER_AMOUNT_OVERFLOW"
	CodeAlreadyInitialized  xerrors.Code = "LEDGER_ALREADY_INITIALIZED"
	CodeStorageFailure      xerrors.Code = "LEDGER_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodePaused, xerrors.Attributes{
		Message:   "ledger is paused",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "caller is not authorized",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoPrice, xerrors.Attributes{
		Message:   "no price for token",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDustAmount, xerrors.Attributes{
		Message:   "amount too small",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeZeroAmount, xerrors.Attributes{
		Message:   "amount must be positive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientReserve, xerrors.Attributes{
		Message:   "insufficient reserve",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBadQuality, xerrors.Attributes{
		Message:   "quality out of range",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePayoutFailed, xerrors.Attributes{
		Message:   "reserve transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAmountOverflow, xerrors.Attributes{
		Message:   "amount overflow",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadyInitialized, xerrors.Attributes{
		Message:   "ledger already initialized",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStorageFailure, xerrors.Attributes{
		Message:   "ledger storage failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
