package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"SwapSentinel/internal/agent"
	"SwapSentinel/internal/api"
	"SwapSentinel/internal/artifact"
	"SwapSentinel/internal/auth"
	"SwapSentinel/internal/config"
	"SwapSentinel/internal/evalrun"
	"SwapSentinel/internal/guardrail"
	"SwapSentinel/internal/harness"
	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/llm/openai"
	"SwapSentinel/internal/llm/rulebased"
	subprocessllm "SwapSentinel/internal/llm/subprocess"
	"SwapSentinel/internal/observability/alerting"
	"SwapSentinel/internal/observability/metrics"
	"SwapSentinel/internal/policy"
	"SwapSentinel/internal/quote"
	"SwapSentinel/internal/quote/oneinch"
	"SwapSentinel/internal/storage/mysql"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
	"SwapSentinel/pkg/plugin"
	"SwapSentinel/sdk/go/sentinel"
)

// main 是 sentineld 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentinel.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			MaskKeys:   cfg.Logging.Audit.MaskKeys,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 代币登记表与策略规则是拒绝默认的安全输入，加载失败直接退出，
	// 绝不带着空规则继续跑。
	registry := swap.DefaultRegistry()
	if cfg.Tokens.RegistryPath != "" {
		registry, err = swap.LoadRegistry(cfg.Tokens.RegistryPath)
		if err != nil {
			return err
		}
	}

	rules := policy.DefaultRules()
	if cfg.Policy.RulesPath != "" {
		rules, err = policy.LoadRules(cfg.Policy.RulesPath)
		if err != nil {
			return err
		}
	}
	gate, err := policy.NewGate(rules)
	if err != nil {
		return err
	}

	dispatcher, err := buildAlertDispatcher(cfg)
	if err != nil {
		return err
	}

	// 内置检测器之外，经插件清单追加的外部检测器只会补充风险标记，
	// 不会替换任何内置拒绝规则。
	detectors, stopPlugins, err := loadDetectorPlugins(ctx, cfg.Guardrail.PluginManifest)
	if err != nil {
		return err
	}
	if stopPlugins != nil {
		defer stopPlugins()
	}

	inputGuard := guardrail.NewInput(guardrail.InputConfig{
		MaxMessageLength: cfg.Guardrail.MaxMessageLength,
		Extra:            detectors,
	})
	outputGuard := guardrail.NewOutput(guardrail.OutputConfig{
		MaxSlippageBps: rules.MaxSlippageBps,
	})

	chainID := int64(1)
	if len(rules.ChainIDs) > 0 {
		chainID = rules.ChainIDs[0]
	}

	llmClient, err := createLLMClient(cfg, registry, chainID)
	if err != nil {
		return err
	}

	quotes, err := createQuoteRegistry(cfg, registry)
	if err != nil {
		return err
	}

	var planStore agent.PlanStore
	switch cfg.Storage.PlanStore.Driver {
	case "", "memory":
		planStore = agent.NewMemoryPlanStore()
	case "file":
		dir := cfg.Storage.PlanStore.Path
		if dir == "" {
			dir = cfg.Runtime.DataDir
		}
		store, err := mysql.NewFilePlanStore(dir)
		if err != nil {
			return err
		}
		planStore = store
	case "mysql":
		store, err := mysql.NewSQLPlanStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		planStore = store
	default:
		return fmt.Errorf("未知的留痕存储驱动: %s", cfg.Storage.PlanStore.Driver)
	}
	if closer, ok := planStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	plannerOpts := []agent.Option{
		agent.WithOwnerAddress(cfg.Pipeline.OwnerAddress),
		agent.WithTokenRegistry(registry),
		agent.WithPlanStore(planStore),
		agent.WithParseTimeout(time.Duration(cfg.Pipeline.ParseTimeoutSeconds) * time.Second),
		agent.WithQuoteTimeout(time.Duration(cfg.Pipeline.QuoteTimeoutSeconds) * time.Second),
	}
	if dispatcher != nil {
		plannerOpts = append(plannerOpts, agent.WithAlertDispatcher(dispatcher))
	}
	planner := agent.New(inputGuard, llmClient, outputGuard, quotes, gate, plannerOpts...)

	var runStore evalrun.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		runStore = evalrun.NewMemoryStore()
	case "mysql":
		store, err := evalrun.NewMySQLStore(cfg.Storage.MySQL.DSN)
		if err != nil {
			return err
		}
		runStore = store
	default:
		return fmt.Errorf("未知的评测运行存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer runStore.Close()

	var queue evalrun.Queue
	switch cfg.EvalQueue.Driver {
	case "", "memory":
		queue = evalrun.NewMemoryQueue(1024)
	case "redis":
		q, err := evalrun.NewRedisQueue(evalrun.RedisQueueConfig{
			Address:  cfg.EvalQueue.Redis.Addr,
			Password: cfg.EvalQueue.Redis.Password,
			DB:       cfg.EvalQueue.Redis.DB,
			Queue:    cfg.EvalQueue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := evalrun.NewRabbitMQQueue(evalrun.RabbitMQConfig{
			URL:      cfg.EvalQueue.RabbitMQ.URL,
			Queue:    cfg.EvalQueue.RabbitMQ.Queue,
			Prefetch: cfg.Worker.Concurrency,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的评测队列驱动: %s", cfg.EvalQueue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭评测队列失败", slog.String("error", err.Error()))
		}
	}()

	runService := evalrun.NewService(runStore, queue, cfg.Worker.MaxAttempts)

	artifactStore, err := artifact.NewStore(cfg.Artifacts.Root)
	if err != nil {
		return err
	}

	evaluator, err := createEvaluator(cfg, planner)
	if err != nil {
		return err
	}
	runnerOpts := []harness.Option{
		harness.WithWorkers(cfg.Harness.Parallelism),
		harness.WithDefenseProfile("standard"),
		harness.WithRetention(cfg.Artifacts.RetentionDays),
		harness.WithVisibility(cfg.Artifacts.Visibility),
	}
	if evaluator != nil {
		runnerOpts = append(runnerOpts, harness.WithEvaluator(evaluator))
	}
	if cfg.Pipeline.OwnerAddress != "" {
		runnerOpts = append(runnerOpts, harness.WithOwnerID(cfg.Pipeline.OwnerAddress))
	}
	runner := harness.NewRunner(artifactStore, runnerOpts...)

	resolver := evalrun.DefaultSuiteResolver
	if cfg.Harness.DefaultSuitePath != "" {
		suitePath := cfg.Harness.DefaultSuitePath
		resolver = func(suite string) ([]harness.Case, error) {
			if suite == harness.DefaultSuiteName {
				return harness.LoadSuite(suitePath)
			}
			return evalrun.DefaultSuiteResolver(suite)
		}
	}

	if cfg.Worker.Enabled {
		processorOpts := []evalrun.ProcessorOption{
			evalrun.WithWorkerCount(cfg.Worker.Concurrency),
			evalrun.WithSuiteResolver(resolver),
			evalrun.WithProcessorLogger(logger.Named("evalrun")),
		}
		if dispatcher != nil {
			processorOpts = append(processorOpts, evalrun.WithAlertDispatcher(dispatcher))
		}
		processor := evalrun.NewProcessor(runner, runStore, queue, queue, processorOpts...)

		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()

		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("评测处理器异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	var authStore auth.Store
	if auth.Mode(strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))) == auth.ModeAPIKey {
		switch cfg.Auth.Driver {
		case "", "memory":
			store, err := auth.NewMemoryStore(nil)
			if err != nil {
				return err
			}
			authStore = store
		case "mysql":
			store, err := mysql.NewSQLAuthStore(ctx, mysql.Config{
				DSN:             cfg.Storage.MySQL.DSN,
				MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
				MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
				ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
				ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			authStore = store
		default:
			return fmt.Errorf("未知的鉴权存储驱动: %s", cfg.Auth.Driver)
		}
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Keys))
	for _, key := range cfg.Auth.Keys {
		seeds = append(seeds, auth.Seed{
			Name:        key.Name,
			Key:         key.Key,
			Permissions: key.Permissions,
			Disabled:    key.Disabled,
		})
	}
	authService, err := auth.NewService(ctx, auth.Config{
		Mode:  auth.Mode(cfg.Auth.Mode),
		Seeds: seeds,
	}, authStore)
	if err != nil {
		return err
	}

	// 主端口上的 /metrics 受权限保护；这里按需追加一个内网采集端点。
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标端点异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, planner,
		api.WithPlanStore(planStore),
		api.WithRunService(runService),
		api.WithAuthService(authService),
	)

	logger.L().Info("sentineld 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("quote_provider", cfg.Quote.Provider),
		slog.String("plan_store", cfg.Storage.PlanStore.Driver),
		slog.String("eval_queue", cfg.EvalQueue.Driver),
		slog.Bool("worker_enabled", cfg.Worker.Enabled),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createLLMClient 构造意图解析客户端。openai 模式始终叠加规则解析器作
// 为降级路径，外部推理不可用时流水线仍能给出确定性的解析结果。
func createLLMClient(cfg *config.Config, registry *swap.Registry, chainID int64) (llm.Client, error) {
	ruleParser := rulebased.New(registry, chainID)
	switch cfg.LLM.Provider {
	case "", "rulebased":
		return ruleParser, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或环境变量 SENTINEL_OPENAI_API_KEY")
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:   apiKey,
			BaseURL:  cfg.LLM.OpenAI.BaseURL,
			Model:    cfg.LLM.OpenAI.Model,
			Timeout:  time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
			ChainID:  chainID,
			Registry: registry,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewFallback(client, ruleParser), nil
	case "subprocess":
		client, err := subprocessllm.NewClient(subprocessllm.Config{
			Command:    cfg.LLM.Subprocess.Command,
			Args:       cfg.LLM.Subprocess.Args,
			WorkingDir: cfg.LLM.Subprocess.WorkingDir,
			ChainID:    chainID,
			Registry:   registry,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewFallback(client, ruleParser), nil
	default:
		return nil, fmt.Errorf("未知的意图解析 provider: %s", cfg.LLM.Provider)
	}
}

// createQuoteRegistry 构造报价源注册表，默认源由配置的 provider 决定。
func createQuoteRegistry(cfg *config.Config, registry *swap.Registry) (*quote.Registry, error) {
	switch cfg.Quote.Provider {
	case "", "static":
		var rates []quote.Rate
		if cfg.Quote.Static.FixturePath != "" {
			loaded, err := quote.LoadRates(cfg.Quote.Static.FixturePath)
			if err != nil {
				return nil, err
			}
			rates = loaded
		}
		provider, err := quote.NewStaticProvider(quote.StaticConfig{
			Registry: registry,
			Rates:    rates,
		})
		if err != nil {
			return nil, err
		}
		return quote.NewRegistry(provider.Name(), provider)
	case "oneinch":
		client, err := oneinch.NewClient(oneinch.Config{
			APIKey:       cfg.Quote.OneInch.APIKey,
			BaseURL:      cfg.Quote.OneInch.BaseURL,
			Timeout:      time.Duration(cfg.Quote.OneInch.TimeoutSeconds) * time.Second,
			OwnerAddress: cfg.Pipeline.OwnerAddress,
		})
		if err != nil {
			return nil, err
		}
		return quote.NewRegistry(client.Name(), client)
	default:
		return nil, fmt.Errorf("未知的报价 provider: %s", cfg.Quote.Provider)
	}
}

// createEvaluator 按配置挑选评测器。http 模式经由公开 REST 面驱动一个
// 远端实例，用于部署后的端到端回归；placeholder 模式产出全 UNEXECUTED
// 结论，只为验证套件与制品链路。
func createEvaluator(cfg *config.Config, planner *agent.Orchestrator) (harness.Evaluator, error) {
	switch cfg.Harness.Evaluator {
	case "", "local":
		return harness.NewLocalEvaluator(planner), nil
	case "http":
		base := strings.TrimSpace(cfg.Harness.HTTPBaseURL)
		if base == "" {
			return nil, errors.New("http 评测器需要配置 http_base_url")
		}
		if _, err := url.Parse(base); err != nil {
			return nil, fmt.Errorf("http_base_url 不合法: %w", err)
		}
		client := sentinel.NewClient(base, &http.Client{
			Timeout: time.Duration(cfg.Harness.CaseTimeoutSeconds) * time.Second,
		})
		if cfg.Harness.HTTPAPIKey != "" {
			client.SetAPIKey(cfg.Harness.HTTPAPIKey)
		}
		return harness.NewHTTPEvaluator(client), nil
	case "placeholder":
		return nil, nil
	default:
		return nil, fmt.Errorf("未知的评测器: %s", cfg.Harness.Evaluator)
	}
}

// buildAlertDispatcher 组装告警通道。未启用时返回 nil，编排器与评测处
// 理器在派发器缺席时静默跳过告警。
func buildAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, error) {
	if !cfg.Alerting.Enabled {
		return nil, nil
	}
	var notifiers []alerting.Notifier
	if cfg.Alerting.SlackWebhookURL != "" {
		sender, err := alerting.NewWebhookSlackSender(cfg.Alerting.SlackWebhookURL, 10*time.Second)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    sender,
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil, errors.New("告警已启用但未配置任何通知渠道")
	}
	return alerting.NewFanout(notifiers...), nil
}

// loadDetectorPlugins 按清单加载外部检测器插件，返回采集到的检测器与
// 进程退出前的清理函数。
func loadDetectorPlugins(ctx context.Context, manifest string) ([]guardrail.Detector, func(), error) {
	if manifest == "" {
		return nil, nil, nil
	}
	managerCfg, err := plugin.LoadManagerConfig(manifest)
	if err != nil {
		return nil, nil, err
	}
	manager, err := plugin.NewManager(managerCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := manager.StartAll(ctx); err != nil {
		_ = manager.StopAll(context.Background())
		return nil, nil, err
	}
	stop := func() {
		if err := manager.StopAll(context.Background()); err != nil {
			logger.L().Warn("停止检测器插件失败", slog.String("error", err.Error()))
		}
	}

	var detectors []guardrail.Detector
	for _, detector := range manager.Detectors() {
		detectors = append(detectors, detector)
	}
	return detectors, stop, nil
}
