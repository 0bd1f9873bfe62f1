package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	"github.com/lunar-bby/AgoraAI/internal/anchor"
	"github.com/lunar-bby/AgoraAI/internal/anchor/provider"
	"github.com/lunar-bby/AgoraAI/internal/api"
	"github.com/lunar-bby/AgoraAI/internal/catalog"
	"github.com/lunar-bby/AgoraAI/internal/comms"
	"github.com/lunar-bby/AgoraAI/internal/config"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/internal/observability/alerting"
	"github.com/lunar-bby/AgoraAI/internal/observability/metrics"
	"github.com/lunar-bby/AgoraAI/internal/security"
	"github.com/lunar-bby/AgoraAI/internal/storage/mysql"
	redisstore "github.com/lunar-bby/AgoraAI/internal/storage/redis"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
	"github.com/lunar-bby/AgoraAI/pkg/plugin"
)

// main 是 AgoraAI 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agoraaid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 仅用于本地开发时注入密钥，缺失不算错误。
	_ = godotenv.Load()

	configPath := os.Getenv("AGORAAI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("config", "agoraai.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditFile != "",
			Path:    cfg.Logging.AuditFile,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 消息代理是事件骨干：市场事件、区块事件与节点间消息都经由它广播。
	broker, err := newBroker(cfg.Broker)
	if err != nil {
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.L().Warn("关闭消息代理失败", "error", err)
		}
	}()

	events := api.NewEvents(broker, "")

	chain := ledger.NewChain(
		ledger.WithDifficulty(cfg.Ledger.Difficulty),
		ledger.WithMiningReward(cfg.Ledger.MiningReward),
		ledger.WithMaxRecordsPerBlock(cfg.Ledger.MaxRecordsPerBlock),
		ledger.WithMinedCallback(events.BlockMined),
	)
	contracts := ledger.NewContractManager(
		ledger.WithDisputeWindow(cfg.Marketplace.DisputeWindow()),
	)

	capabilities := catalog.NewStandardRegistry()
	if cfg.Catalog.Path != "" {
		extra, err := catalog.LoadStaticProvider(cfg.Catalog.Path, cfg.Catalog.MaxResults)
		if err != nil {
			return err
		}
		for _, item := range extra.Items() {
			capabilities.Register(item)
		}
	}

	discovery := marketplace.NewDiscovery(
		marketplace.WithCleanupInterval(cfg.Marketplace.UpdateInterval()),
	)
	go discovery.Start(ctx)

	// 注册与下线回调同时驱动事件广播和服务发现索引。
	registry := agent.NewRegistry(
		agent.WithHeartbeatInterval(cfg.Registry.HeartbeatInterval()),
		agent.WithRegistrationCallback(func(snapshot agent.Snapshot) {
			events.AgentRegistered(snapshot)
			serviceTypes := append([]string{snapshot.Type}, snapshot.Capabilities...)
			discovery.RegisterService(snapshot.ID, serviceTypes, lookupCapabilities(capabilities, snapshot.Capabilities))
		}),
		agent.WithEvictionCallback(func(snapshot agent.Snapshot) {
			events.AgentEvicted(snapshot)
			discovery.UnregisterService(snapshot.ID)
		}),
	)
	go registry.StartMonitor(ctx)

	store, err := newTransactionStore(cfg.Storage.Transactions)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Warn("关闭交易存储失败", "error", err)
		}
	}()

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := archive.Close(); err != nil {
			logger.L().Warn("关闭交易归档失败", "error", err)
		}
	}()

	queue, err := newQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭交易队列失败", "error", err)
		}
	}()

	// Redis 可选，缺省时存储型智能体退化为进程内存储。
	var kv agent.KV
	if cfg.Storage.Redis.Addr != "" {
		client, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		kv = client
	}
	factory := agent.NewDefaultFactory(kv)

	// 结算按顺序执行：先上账本与合约，再落归档，最后广播事件。
	settler := marketplace.MultiSettler{
		marketplace.NewChainSettler(registry, chain, contracts,
			marketplace.WithFeeRate(cfg.Marketplace.TransactionFee),
		),
		mysql.NewArchiveSettler(archive),
		events,
	}
	executor := marketplace.NewRegistryExecutor(registry)

	market := marketplace.NewService(registry, store, queue, cfg.Marketplace.MaxRetries,
		marketplace.WithExecutor(executor),
		marketplace.WithServiceSettler(settler),
		marketplace.WithLedger(chain),
		marketplace.WithContracts(contracts),
		marketplace.WithArchive(archive),
		marketplace.WithMinReputation(cfg.Marketplace.MinReputation),
	)

	dispatcher := newAlertDispatcher(cfg.Alerts)

	processorOpts := []marketplace.ProcessorOption{
		marketplace.WithWorkerCount(cfg.Marketplace.Workers),
		marketplace.WithExecuteTimeout(cfg.Marketplace.ExecuteTimeout()),
		marketplace.WithSettler(settler),
	}
	if dispatcher != nil {
		processorOpts = append(processorOpts, marketplace.WithAlertDispatcher(dispatcher))
	}
	processor := marketplace.NewProcessor(executor, store, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("交易处理器异常退出", "error", err)
		}
	}()

	if !cfg.Ledger.DisableLocalMining {
		miner := ledger.NewMiner(chain, cfg.Ledger.MinerID, cfg.Ledger.BlockInterval(), cfg.Ledger.MinBatch)
		go miner.Start(ctx)
	}

	// 节点标识沿用矿工标识，单进程内二者指同一身份。
	node, err := comms.NewNode(cfg.Ledger.MinerID, cfg.Network.Host, cfg.Network.Port, broker,
		comms.WithMaxFrameSize(cfg.Network.MaxFrameSizeBytes),
		comms.WithMaxConnections(cfg.Network.MaxConnections),
		comms.WithDialTimeout(cfg.Network.NetworkTimeout()),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	peers := comms.NewDiscovery(node,
		comms.WithAnnounceInterval(time.Duration(cfg.Network.AnnounceSeconds)*time.Second),
	)
	peers.Bootstrap(ctx, parseSeeds(cfg.Network.Seeds))
	go peers.Start(ctx)

	sec, err := security.NewService(security.Config{
		Mode:        security.Mode(strings.ToLower(strings.TrimSpace(cfg.Security.AuthMode))),
		TokenSecret: cfg.Security.TokenSecret,
		TokenTTL:    cfg.Security.TokenExpiry(),
		SessionTTL:  cfg.Security.SessionTTL(),
	})
	if err != nil {
		return err
	}
	if sec.Mode() == security.ModeToken {
		assignments, err := newAssignmentStore(ctx, cfg.Storage.Transactions)
		if err != nil {
			return err
		}
		if closer, ok := assignments.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		if err := sec.AttachStore(ctx, assignments); err != nil {
			return err
		}
		go sec.Sessions().Start(ctx)
	}

	if cfg.Anchor.Enabled {
		anchors, err := provider.NewRegistry(ctx, cfg.Anchor)
		if err != nil {
			return err
		}
		defer anchors.Close()

		client, err := anchors.DefaultClient()
		if err != nil {
			return err
		}
		anchorer := anchor.NewAnchorer(client, chain, cfg.Ledger.BlockInterval(), cfg.Anchor.IntervalBlocks)
		go anchorer.Start(ctx)
	}

	if cfg.Plugins.Config != "" {
		pluginCfg, err := plugin.LoadManagerConfig(cfg.Plugins.Config)
		if err != nil {
			return err
		}
		manager, err := plugin.NewManager(pluginCfg,
			plugin.WithResource(plugin.ResourceAgentFactory, factory),
			plugin.WithResource(plugin.ResourceEventBroker, broker),
			plugin.WithResource(plugin.ResourceLedger, chain),
		)
		if err != nil {
			return err
		}
		if err := manager.StartAll(ctx); err != nil {
			return err
		}
		defer func() {
			if err := manager.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止插件失败", "error", err)
			}
		}()
		for _, info := range manager.Plugins() {
			logger.L().Info("插件已加载", "plugin_id", info.ID, "version", info.Version)
		}
	}

	registerGauges(registry, chain, market)
	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, registry, market, chain,
		api.WithFactory(factory),
		api.WithContracts(contracts),
		api.WithSecurity(sec),
		api.WithEventFeed(broker, events.Topic()),
	)

	logger.L().Info("agoraaid 启动完成",
		"api_address", cfg.Server.Address,
		"node_address", node.Addr(),
		"auth_mode", string(sec.Mode()),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newBroker 根据配置创建消息代理。
func newBroker(cfg config.BrokerConfig) (comms.Broker, error) {
	switch cfg.Driver {
	case "", "memory":
		return comms.NewMemoryBroker(), nil
	case "redis":
		return comms.NewRedisBroker(comms.RedisBrokerConfig{Address: cfg.RedisURL})
	case "rabbitmq":
		return comms.NewRabbitMQBroker(comms.RabbitMQBrokerConfig{URL: cfg.AMQPURL})
	default:
		return nil, fmt.Errorf("未知的消息代理驱动: %s", cfg.Driver)
	}
}

// newTransactionStore 根据配置创建交易状态存储。
func newTransactionStore(cfg config.TransactionStoreConfig) (marketplace.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return marketplace.NewMemoryStore(), nil
	case "mysql":
		return marketplace.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的交易存储驱动: %s", cfg.Driver)
	}
}

// newArchive 根据配置创建交易归档仓库。
func newArchive(ctx context.Context, cfg *config.Config) (mysql.ArchiveRepository, error) {
	switch cfg.Storage.Archive.Driver {
	case "", "memory":
		dir := cfg.Runtime.DataDir
		if cfg.Storage.Archive.Path != "" {
			dir = filepath.Dir(cfg.Storage.Archive.Path)
		}
		return mysql.NewMemoryArchive(dir)
	case "mysql":
		return mysql.NewSQLArchive(ctx, mysql.Config{DSN: cfg.Storage.Archive.DSN})
	default:
		return nil, fmt.Errorf("未知的归档驱动: %s", cfg.Storage.Archive.Driver)
	}
}

// newQueue 根据配置创建交易执行队列。
func newQueue(cfg config.QueueConfig) (marketplace.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return marketplace.NewMemoryQueue(1024), nil
	case "redis":
		return marketplace.NewRedisQueue(marketplace.RedisQueueConfig{
			Address: cfg.RedisURL,
			Queue:   cfg.Name,
		})
	case "rabbitmq":
		return marketplace.NewRabbitMQQueue(marketplace.RabbitMQConfig{
			URL:     cfg.AMQPURL,
			Queue:   cfg.Name,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// newAssignmentStore 为令牌模式选择角色授权的持久化后端。
func newAssignmentStore(ctx context.Context, cfg config.TransactionStoreConfig) (security.AssignmentStore, error) {
	if cfg.Driver == "mysql" {
		return mysql.NewSQLAssignmentStore(ctx, mysql.Config{DSN: cfg.DSN})
	}
	return security.NewMemoryAssignmentStore(), nil
}

// newAlertDispatcher 按配置组装告警通道，没有可用通道时返回 nil。
func newAlertDispatcher(cfg config.AlertsConfig) alerting.Dispatcher {
	notifiers := make([]alerting.Notifier, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		switch strings.ToLower(channel.Type) {
		case string(alerting.ChannelDingTalk):
			notifiers = append(notifiers, &alerting.DingTalkNotifier{
				Sender: &alerting.DingTalkWebhook{URL: channel.Target},
			})
		case string(alerting.ChannelSlack):
			notifiers = append(notifiers, &alerting.SlackNotifier{
				Sender:    &alerting.SlackWebhook{URL: channel.Target},
				ChannelID: channel.Channel,
			})
		default:
			logger.L().Warn("忽略不支持的告警通道", "type", channel.Type)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// lookupCapabilities 将智能体声明的能力名映射为目录条目，未收录的忽略。
func lookupCapabilities(registry *catalog.Registry, names []string) []catalog.Capability {
	found := make([]catalog.Capability, 0, len(names))
	for _, name := range names {
		if capability, ok := registry.Get(name); ok {
			found = append(found, capability)
		}
	}
	return found
}

// parseSeeds 解析 "id@host:port" 形式的种子节点清单，格式错误的条目跳过。
func parseSeeds(entries []string) []comms.Seed {
	seeds := make([]comms.Seed, 0, len(entries))
	for _, entry := range entries {
		id, addr, ok := strings.Cut(strings.TrimSpace(entry), "@")
		if !ok || id == "" {
			logger.L().Warn("忽略格式错误的种子节点", "seed", entry)
			continue
		}
		host, portText, err := net.SplitHostPort(addr)
		if err != nil {
			logger.L().Warn("忽略格式错误的种子节点", "seed", entry, "error", err)
			continue
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port <= 0 {
			logger.L().Warn("忽略格式错误的种子节点", "seed", entry)
			continue
		}
		seeds = append(seeds, comms.Seed{ID: id, Host: host, Port: port})
	}
	return seeds
}

// registerGauges 暴露注册表、账本与交易的即时指标。
func registerGauges(registry *agent.Registry, chain *ledger.Chain, market *marketplace.Service) {
	metrics.RegisterGauge("agoraai_registry_agents", "Number of currently registered agents.", func() []metrics.Sample {
		return []metrics.Sample{{Value: float64(registry.Count())}}
	})
	metrics.RegisterGauge("agoraai_ledger_height", "Height of the local ledger.", func() []metrics.Sample {
		return []metrics.Sample{{Value: float64(chain.Height())}}
	})
	metrics.RegisterGauge("agoraai_ledger_pending_records", "Ledger records waiting to be mined.", func() []metrics.Sample {
		return []metrics.Sample{{Value: float64(chain.PendingCount())}}
	})
	metrics.RegisterGauge("agoraai_transactions", "Marketplace transactions by status.", func() []metrics.Sample {
		stats, err := market.Stats(context.Background())
		if err != nil {
			return nil
		}
		return []metrics.Sample{
			{Labels: map[string]string{"status": "pending"}, Value: float64(stats.Pending)},
			{Labels: map[string]string{"status": "processing"}, Value: float64(stats.Processing)},
			{Labels: map[string]string{"status": "completed"}, Value: float64(stats.Completed)},
			{Labels: map[string]string{"status": "failed"}, Value: float64(stats.Failed)},
			{Labels: map[string]string{"status": "cancelled"}, Value: float64(stats.Cancelled)},
		}
	})
}
