package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"ComputeFi-Ledger/pkg/logger"
)

// RedisCacheConfig 描述读缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache 为账本的读路径提供 Redis 缓存。缓存键内嵌合约的提交
// 版本号，任何成功提交都会让旧版本的键自然失效，因此读到的值
// 永远不会落后于某次已提交的写入。
type RedisCache struct {
	contract *Contract
	client   *redis.Client
	ttl      time.Duration
	log      *slog.Logger
}

// NewRedisCache 创建读缓存实例并验证连通性。
func NewRedisCache(ctx context.Context, contract *Contract, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{
		contract: contract,
		client:   client,
		ttl:      ttl,
		log:      logger.Named("redis_cache"),
	}, nil
}

// BalanceOf 返回缓存视角下的余额。
func (r *RedisCache) BalanceOf(ctx context.Context, owner common.Address, token common.Hash) (uint64, error) {
	key := r.key("balance", owner.Hex(), token.Hex())
	return r.cachedUint64(ctx, key, func() (uint64, error) {
		return r.contract.BalanceOf(ctx, owner, token)
	})
}

// TokenSupply 返回缓存视角下的单代币供应量。
func (r *RedisCache) TokenSupply(ctx context.Context, token common.Hash) (uint64, error) {
	key := r.key("supply", token.Hex())
	return r.cachedUint64(ctx, key, func() (uint64, error) {
		return r.contract.TokenSupply(ctx, token)
	})
}

// TotalSupply 返回缓存视角下的全局供应量。
func (r *RedisCache) TotalSupply(ctx context.Context) (uint64, error) {
	return r.cachedUint64(ctx, r.key("total_supply"), func() (uint64, error) {
		return r.contract.TotalSupply(ctx)
	})
}

// PriceOf 返回缓存视角下的挂牌价格。
func (r *RedisCache) PriceOf(ctx context.Context, token common.Hash) (uint64, error) {
	key := r.key("price", token.Hex())
	return r.cachedUint64(ctx, key, func() (uint64, error) {
		return r.contract.PriceOf(ctx, token)
	})
}

// Reserve 返回缓存视角下的储备余额。
func (r *RedisCache) Reserve(ctx context.Context) (uint64, error) {
	return r.cachedUint64(ctx, r.key("reserve"), func() (uint64, error) {
		return r.contract.Reserve(ctx)
	})
}

// Close 释放 Redis 连接。
func (r *RedisCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisCache) key(parts ...string) string {
	key := "computefi:v" + strconv.FormatUint(r.contract.Version(), 10)
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

func (r *RedisCache) cachedUint64(ctx context.Context, key string, load func() (uint64, error)) (uint64, error) {
	cached, err := r.client.Get(ctx, key).Result()
	if err == nil {
		if value, perr := strconv.ParseUint(cached, 10, 64); perr == nil {
			return value, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis 故障降级为直读，不影响正确性。
		r.log.Warn("读取缓存失败", "key", key, "error", err)
	}

	value, err := load()
	if err != nil {
		return 0, err
	}
	if err := r.client.Set(ctx, key, strconv.FormatUint(value, 10), r.ttl).Err(); err != nil {
		r.log.Warn("写入缓存失败", "key", key, "error", err)
	}
	return value, nil
}
