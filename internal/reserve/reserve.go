package reserve

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferRejected 表示储备资产拒绝了本次转账。
var ErrTransferRejected = errors.New("reserve: transfer rejected")

// Transferer 是储备资产的对外转账能力，由卖出与提取操作调用。
// 返回错误表示转账失败，调用方必须放弃整个操作。
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount uint64) error
	Close() error
}
