package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AgoraAI 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Network     NetworkConfig     `json:"network"`
	Security    SecurityConfig    `json:"security"`
	Ledger      LedgerConfig      `json:"ledger"`
	Marketplace MarketplaceConfig `json:"marketplace"`
	Registry    RegistryConfig    `json:"registry"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	Broker      BrokerConfig      `json:"broker"`
	Catalog     CatalogConfig     `json:"catalog"`
	Anchor      AnchorConfig      `json:"anchor"`
	Plugins     PluginsConfig     `json:"plugins"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Alerts      AlertsConfig      `json:"alerts"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 REST API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// NetworkConfig 控制点对点通信节点的监听与发现行为。
type NetworkConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	MaxConnections    int      `json:"max_connections"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	Seeds             []string `json:"seeds"`
	AnnounceSeconds   int      `json:"announce_seconds"`
	MaxFrameSizeBytes int      `json:"max_frame_size_bytes"`
}

// SecurityConfig 描述令牌、会话与加密相关的参数。
type SecurityConfig struct {
	TokenSecret        string `json:"token_secret"`
	TokenExpirySeconds int    `json:"token_expiry_seconds"`
	SessionTTLSeconds  int    `json:"session_ttl_seconds"`
	AuthMode           string `json:"auth_mode"`
}

// LedgerConfig 控制内置账本的挖矿与校验行为。
type LedgerConfig struct {
	Difficulty          int     `json:"difficulty"`
	BlockIntervalSecs   int     `json:"block_interval_seconds"`
	MiningReward        float64 `json:"mining_reward"`
	MinBatch            int     `json:"min_batch"`
	MaxRecordsPerBlock  int     `json:"max_records_per_block"`
	MinerID             string  `json:"miner_id"`
	DisableLocalMining  bool    `json:"disable_local_mining"`
}

// MarketplaceConfig 控制撮合与交易执行的参数。
type MarketplaceConfig struct {
	MinReputation      float64 `json:"min_reputation"`
	TransactionFee     float64 `json:"transaction_fee"`
	Workers            int     `json:"workers"`
	MaxRetries         int     `json:"max_retries"`
	ExecuteTimeoutSecs int     `json:"execute_timeout_seconds"`
	UpdateIntervalSecs int     `json:"update_interval_seconds"`
	DisputeWindowSecs  int     `json:"dispute_window_seconds"`
}

// RegistryConfig 控制智能体注册表的心跳监控。
type RegistryConfig struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Transactions TransactionStoreConfig `json:"transactions"`
	Archive      ArchiveConfig          `json:"archive"`
	Redis        RedisConfig            `json:"redis"`
}

// TransactionStoreConfig 选择交易状态存储的驱动。
type TransactionStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ArchiveConfig 控制交易归档仓库。
type ArchiveConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// RedisConfig 描述 Redis 连接信息，供存储型智能体与会话使用。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// QueueConfig 选择交易执行队列的驱动。
type QueueConfig struct {
	Driver   string `json:"driver"`
	RedisURL string `json:"redis_url"`
	AMQPURL  string `json:"amqp_url"`
	Name     string `json:"name"`
}

// BrokerConfig 选择消息代理的驱动。
type BrokerConfig struct {
	Driver   string `json:"driver"`
	RedisURL string `json:"redis_url"`
	AMQPURL  string `json:"amqp_url"`
}

// CatalogConfig 指向标准能力目录文件。
type CatalogConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// AnchorConfig 描述可选的外部链锚定。
type AnchorConfig struct {
	Enabled        bool   `json:"enabled"`
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	RPCURL         string `json:"rpc_url"`
	PrivateKeyHex  string `json:"private_key_hex"`
	IntervalBlocks int    `json:"interval_blocks"`
}

// PluginsConfig 指向行为插件的配置文件。
type PluginsConfig struct {
	Config string `json:"config"`
}

// LoggingConfig 控制服务日志输出。
type LoggingConfig struct {
	Level      string   `json:"level"`
	Format     string   `json:"format"`
	File       string   `json:"file"`
	MaxSizeMB  int      `json:"max_size_mb"`
	MaxBackups int      `json:"max_backups"`
	Outputs    []string `json:"outputs"`
	AuditFile  string   `json:"audit_file"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertsConfig 列出告警通道。
type AlertsConfig struct {
	Channels []AlertChannelConfig `json:"channels"`
}

// AlertChannelConfig 描述单个告警通道。Target 为通道目标地址，
// Slack 通道额外通过 Channel 指定频道标识。
type AlertChannelConfig struct {
	Type    string `json:"type"`
	Target  string `json:"target"`
	Channel string `json:"channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
// 文件不存在时返回默认配置，保持与历史行为一致。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Network.Host == "" {
		c.Network.Host = "0.0.0.0"
	}
	if c.Network.Port == 0 {
		c.Network.Port = 8000
	}
	if c.Network.MaxConnections <= 0 {
		c.Network.MaxConnections = 100
	}
	if c.Network.TimeoutSeconds <= 0 {
		c.Network.TimeoutSeconds = 30
	}
	if c.Network.AnnounceSeconds <= 0 {
		c.Network.AnnounceSeconds = 60
	}
	if c.Network.MaxFrameSizeBytes <= 0 {
		c.Network.MaxFrameSizeBytes = 1 << 20
	}

	if c.Security.TokenExpirySeconds <= 0 {
		c.Security.TokenExpirySeconds = 86400
	}
	if c.Security.SessionTTLSeconds <= 0 {
		c.Security.SessionTTLSeconds = 3600
	}
	if c.Security.AuthMode == "" {
		c.Security.AuthMode = "disabled"
	}

	if c.Ledger.Difficulty <= 0 {
		c.Ledger.Difficulty = 4
	}
	if c.Ledger.BlockIntervalSecs <= 0 {
		c.Ledger.BlockIntervalSecs = 10
	}
	if c.Ledger.MiningReward <= 0 {
		c.Ledger.MiningReward = 1.0
	}
	if c.Ledger.MinBatch <= 0 {
		c.Ledger.MinBatch = 1
	}
	if c.Ledger.MaxRecordsPerBlock <= 0 {
		c.Ledger.MaxRecordsPerBlock = 1000
	}
	if c.Ledger.MinerID == "" {
		c.Ledger.MinerID = "agoraaid"
	}

	if c.Marketplace.TransactionFee <= 0 {
		c.Marketplace.TransactionFee = 0.001
	}
	if c.Marketplace.Workers <= 0 {
		c.Marketplace.Workers = 4
	}
	if c.Marketplace.MaxRetries <= 0 {
		c.Marketplace.MaxRetries = 3
	}
	if c.Marketplace.ExecuteTimeoutSecs <= 0 {
		c.Marketplace.ExecuteTimeoutSecs = 30
	}
	if c.Marketplace.UpdateIntervalSecs <= 0 {
		c.Marketplace.UpdateIntervalSecs = 60
	}
	if c.Marketplace.DisputeWindowSecs <= 0 {
		c.Marketplace.DisputeWindowSecs = 7200
	}

	if c.Registry.HeartbeatSeconds <= 0 {
		c.Registry.HeartbeatSeconds = 30
	}

	if c.Storage.Transactions.Driver == "" {
		c.Storage.Transactions.Driver = "memory"
	}
	if c.Storage.Archive.Driver == "" {
		c.Storage.Archive.Driver = "memory"
	}
	if c.Storage.Archive.Path == "" {
		c.Storage.Archive.Path = filepath.Join(baseDir, "data", "transactions.log")
	} else if !filepath.IsAbs(c.Storage.Archive.Path) {
		c.Storage.Archive.Path = filepath.Join(baseDir, c.Storage.Archive.Path)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "agoraai:transactions"
	}

	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
	}

	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}
	if c.Catalog.MaxResults <= 0 {
		c.Catalog.MaxResults = 3
	}

	if c.Anchor.ChainConfig != "" && !filepath.IsAbs(c.Anchor.ChainConfig) {
		c.Anchor.ChainConfig = filepath.Join(baseDir, c.Anchor.ChainConfig)
	}
	if c.Anchor.IntervalBlocks <= 0 {
		c.Anchor.IntervalBlocks = 10
	}

	if c.Plugins.Config != "" && !filepath.IsAbs(c.Plugins.Config) {
		c.Plugins.Config = filepath.Join(baseDir, c.Plugins.Config)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(baseDir, "logs", "agoraai.log")
	} else if !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(baseDir, c.Logging.File)
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// NetworkTimeout 返回节点对外建立连接的超时时间。
func (c NetworkConfig) NetworkTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TokenExpiry 返回令牌有效期。
func (c SecurityConfig) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySeconds) * time.Second
}

// SessionTTL 返回会话有效期。
func (c SecurityConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// BlockInterval 返回自动挖矿的轮询周期。
func (c LedgerConfig) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalSecs) * time.Second
}

// ExecuteTimeout 返回单次交易执行的超时时间。
func (c MarketplaceConfig) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutSecs) * time.Second
}

// UpdateInterval 返回服务发现索引的清理周期。
func (c MarketplaceConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSecs) * time.Second
}

// DisputeWindow 返回合约完成后允许争议的时间窗口。
func (c MarketplaceConfig) DisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowSecs) * time.Second
}

// HeartbeatInterval 返回注册表心跳监控周期。
func (c RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}
