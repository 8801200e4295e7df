package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ComputeFi-Ledger/internal/api"
	"ComputeFi-Ledger/internal/config"
	"ComputeFi-Ledger/internal/ledger"
	"ComputeFi-Ledger/internal/observability/metrics"
	"ComputeFi-Ledger/internal/reserve"
	"ComputeFi-Ledger/internal/witness"
	"ComputeFi-Ledger/pkg/logger"
)

// main 是账本守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("computefid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("COMPUTEFI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "computefi.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 初始化状态存储。
	var state ledger.State
	switch cfg.Ledger.StateStore.Driver {
	case "", "memory":
		state = ledger.NewMemoryState()
	case "mysql":
		store, err := ledger.NewMySQLState(ctx, ledger.MySQLConfig{
			DSN:             cfg.Ledger.StateStore.DSN,
			MaxOpenConns:    cfg.Ledger.StateStore.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.StateStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Ledger.StateStore.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		state = store
	default:
		return fmt.Errorf("未知的状态存储驱动: %s", cfg.Ledger.StateStore.Driver)
	}
	defer func() { _ = state.Close() }()

	// 初始化事件通道。
	var events ledger.EventSink
	switch cfg.Events.Driver {
	case "", "memory":
		events = ledger.NewMemorySink()
	case "rabbitmq":
		sink, err := ledger.NewRabbitMQSink(ledger.RabbitMQSinkConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		events = sink
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
	defer func() {
		if err := events.Close(); err != nil {
			log.Printf("关闭事件通道失败: %v", err)
		}
	}()

	// 初始化储备资产转账能力。
	var payout reserve.Transferer
	switch cfg.Reserve.Driver {
	case "", "memory":
		payout = reserve.NewMemoryBank()
	case "erc20":
		keyHex := strings.TrimSpace(os.Getenv(cfg.Reserve.ERC20.PrivateKeyEnv))
		if keyHex == "" {
			return errors.New("erc20 驱动需要通过环境变量提供结算私钥")
		}
		bank, err := reserve.NewERC20(ctx, reserve.ERC20Config{
			RPCURL:        cfg.Reserve.ERC20.RPCURL,
			TokenAddress:  cfg.Reserve.ERC20.TokenAddress,
			ChainID:       cfg.Reserve.ERC20.ChainID,
			PrivateKeyHex: keyHex,
		})
		if err != nil {
			return err
		}
		payout = bank
	default:
		return fmt.Errorf("未知的储备驱动: %s", cfg.Reserve.Driver)
	}
	defer func() { _ = payout.Close() }()

	verifier := witness.NewStatic(parseAddresses(cfg.Ledger.Witness.Allowed))

	opts := []ledger.Option{}
	if common.IsHexAddress(cfg.Ledger.ReserveAsset) {
		opts = append(opts, ledger.WithReserveAsset(common.HexToAddress(cfg.Ledger.ReserveAsset)))
	}
	contract := ledger.NewContract(state, verifier, payout, events, opts...)

	// 首次启动时完成部署初始化。
	initialized, err := contract.Initialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		if !common.IsHexAddress(cfg.Ledger.Deployer) {
			return errors.New("账本未初始化且未配置部署身份")
		}
		if err := contract.Init(ctx, common.HexToAddress(cfg.Ledger.Deployer)); err != nil {
			return err
		}
	}

	// 初始化读缓存。
	var reads api.Reader
	switch cfg.Cache.Driver {
	case "", "none":
	case "redis":
		cache, err := ledger.NewRedisCache(ctx, contract, ledger.RedisCacheConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TTL:      time.Duration(cfg.Cache.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		reads = cache
	default:
		return fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, contract, reads)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseAddresses(raw []string) []common.Address {
	addrs := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		if common.IsHexAddress(item) {
			addrs = append(addrs, common.HexToAddress(item))
		}
	}
	return addrs
}
