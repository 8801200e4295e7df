package reserve

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferABI covers the single ERC-20 method the payout path needs.
const transferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// ERC20Config describes how to settle reserve payouts against an
// ERC-20 style token on an EVM compatible chain.
type ERC20Config struct {
	RPCURL        string
	TokenAddress  string
	ChainID       int64
	PrivateKeyHex string
	MinedTimeout  time.Duration
}

// ERC20 settles reserve payouts by sending token transfers from the
// ledger's settlement account and waiting for the transaction receipt.
type ERC20 struct {
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	opts      *bind.TransactOpts
	timeout   time.Duration
}

// NewERC20 dials the configured RPC endpoint and prepares the transactor.
func NewERC20(ctx context.Context, cfg ERC20Config) (*ERC20, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置储备资产 RPC 地址")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, errors.New("储备资产合约地址无效")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析结算私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接储备资产节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	timeout := cfg.MinedTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &ERC20{
		rpcClient: rpcClient,
		eth:       eth,
		contract:  bind.NewBoundContract(common.HexToAddress(cfg.TokenAddress), parsed, eth, eth, eth),
		opts:      opts,
		timeout:   timeout,
	}, nil
}

// Transfer sends a token transfer and fails unless the transaction is
// mined with a successful receipt. The serialization matches the ledger
// contract: one payout in flight at a time.
func (e *ERC20) Transfer(ctx context.Context, to common.Address, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts := *e.opts
	opts.Context = ctx

	tx, err := e.contract.Transact(&opts, "transfer", to, new(big.Int).SetUint64(amount))
	if err != nil {
		return fmt.Errorf("发送储备转账失败: %w", err)
	}

	minedCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	receipt, err := bind.WaitMined(minedCtx, e.eth, tx)
	if err != nil {
		return fmt.Errorf("等待储备转账上链失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("储备转账被回滚: %s", tx.Hash().Hex())
	}
	return nil
}

// Close releases the underlying RPC connection.
func (e *ERC20) Close() error {
	if e == nil || e.rpcClient == nil {
		return nil
	}
	e.eth.Close()
	e.rpcClient = nil
	return nil
}

var _ Transferer = (*ERC20)(nil)
