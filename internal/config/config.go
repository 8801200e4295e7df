package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述账本服务在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Ledger  LedgerConfig  `json:"ledger" yaml:"ledger"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
	Reserve ReserveConfig `json:"reserve" yaml:"reserve"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// LedgerConfig 描述账本本体的部署参数与状态存储。
type LedgerConfig struct {
	// Deployer 是部署身份，初始化时被设为管理员并授予 oracle/minter 角色。
	Deployer string `json:"deployer" yaml:"deployer"`
	// ReserveAsset 是储备资产合约的身份，只有它可以触发储备入账回调。
	ReserveAsset string           `json:"reserve_asset" yaml:"reserve_asset"`
	StateStore   StateStoreConfig `json:"state_store" yaml:"state_store"`
	// Witness 列出网关已验证身份的白名单，充当见证能力的静态实现。
	Witness WitnessConfig `json:"witness" yaml:"witness"`
}

// StateStoreConfig 支持内存实现与 MySQL 实现。
type StateStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// WitnessConfig 配置静态见证白名单。
type WitnessConfig struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
}

// EventsConfig 配置转账事件的发布通道。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 事件通道的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// CacheConfig 配置只读查询缓存。
type CacheConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address    string `json:"address" yaml:"address"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// ReserveConfig 配置储备资产的对外转账能力。
type ReserveConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	ERC20  ERC20Config `json:"erc20" yaml:"erc20"`
}

// ERC20Config 描述基于 EVM 链上代币结算储备支出时的参数。
type ERC20Config struct {
	RPCURL        string `json:"rpc_url" yaml:"rpc_url"`
	TokenAddress  string `json:"token_address" yaml:"token_address"`
	ChainID       int64  `json:"chain_id" yaml:"chain_id"`
	PrivateKeyEnv string `json:"private_key_env" yaml:"private_key_env"`
}

// LogConfig 控制日志输出行为。
type LogConfig struct {
	Level       string         `json:"level" yaml:"level"`
	Format      string         `json:"format" yaml:"format"`
	OutputPaths []string       `json:"output_paths" yaml:"output_paths"`
	Audit       AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志文件。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Load 解析指定路径的配置文件，依据扩展名支持 JSON 与 YAML 两种格式。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.StateStore.Driver == "" {
		c.Ledger.StateStore.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "computefi.transfers"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "none"
	}
	if c.Cache.Redis.TTLSeconds <= 0 {
		c.Cache.Redis.TTLSeconds = 5
	}

	if c.Reserve.Driver == "" {
		c.Reserve.Driver = "memory"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
