package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"SwapSentinel/internal/agent"
	"SwapSentinel/internal/artifact"
	"SwapSentinel/internal/config"
	"SwapSentinel/internal/guardrail"
	"SwapSentinel/internal/harness"
	"SwapSentinel/internal/llm/rulebased"
	"SwapSentinel/internal/policy"
	"SwapSentinel/internal/quote"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
	"SwapSentinel/sdk/go/sentinel"
)

// main 是一次性评测运行器的入口：装一条确定性的本地流水线（或者指向
// 一个已部署实例），跑完套件，落 run_summary 制品并打印三项指标。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentinel-harness 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	var (
		configPath = flag.String("config", "", "配置文件路径，缺省取 SENTINEL_CONFIG 或 configs/sentinel.json")
		suitePath  = flag.String("suite", "", "套件文件路径，缺省用配置的默认套件或内置冒烟套件")
		target     = flag.String("target", "", "远端实例地址；设置后经 REST API 评测该实例而非本地流水线")
		apiKey     = flag.String("api-key", "", "远端实例的 API 密钥")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "sentinel.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// 摘要走标准输出，日志让道到标准错误。
	outputs := cfg.Logging.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	var evaluator harness.Evaluator
	if *target != "" {
		client := sentinel.NewClient(*target, &http.Client{
			Timeout: time.Duration(cfg.Harness.CaseTimeoutSeconds) * time.Second,
		})
		if *apiKey != "" {
			client.SetAPIKey(*apiKey)
		}
		evaluator = harness.NewHTTPEvaluator(client)
	} else {
		planner, err := buildLocalPlanner(cfg)
		if err != nil {
			return err
		}
		evaluator = harness.NewLocalEvaluator(planner)
	}

	artifactStore, err := artifact.NewStore(cfg.Artifacts.Root)
	if err != nil {
		return err
	}

	runnerOpts := []harness.Option{
		harness.WithEvaluator(evaluator),
		harness.WithWorkers(cfg.Harness.Parallelism),
		harness.WithDefenseProfile("standard"),
		harness.WithRetention(cfg.Artifacts.RetentionDays),
		harness.WithVisibility(cfg.Artifacts.Visibility),
	}
	if cfg.Pipeline.OwnerAddress != "" {
		runnerOpts = append(runnerOpts, harness.WithOwnerID(cfg.Pipeline.OwnerAddress))
	}
	runner := harness.NewRunner(artifactStore, runnerOpts...)

	suite := *suitePath
	if suite == "" {
		suite = cfg.Harness.DefaultSuitePath
	}

	var report *harness.Report
	if suite != "" {
		report, err = runner.RunSuite(ctx, suite)
	} else {
		cases, suiteErr := harness.DefaultSmokeSuite()
		if suiteErr != nil {
			return suiteErr
		}
		report, err = runner.RunCases(ctx, harness.DefaultSuiteName, cases)
	}
	if err != nil {
		return err
	}

	skipped := 0
	for _, result := range report.Results {
		if strings.EqualFold(result.Status, harness.CaseStatusSkipped) {
			skipped++
		}
	}

	fmt.Println("Smoke harness completed.")
	fmt.Printf("Run ID: %s\n", report.Run.RunID)
	fmt.Printf("Cases: %d (skipped %d)\n", report.Run.CaseCount, skipped)
	fmt.Printf("Metrics: ASR=%.3f FP=%.3f TR=%.3fs\n",
		report.Metrics.ASR, report.Metrics.FP, report.Metrics.TR)
	fmt.Printf("Artifacts: %s\n", filepath.Join(artifactStore.Root(), "runs", report.Run.RunID))
	return nil
}

// buildLocalPlanner 组装离线确定性流水线：规则解析器加静态报价源。冒
// 烟评测要求同一套件反复跑出同一结论，这里不碰外部推理与行情接口。
func buildLocalPlanner(cfg *config.Config) (*agent.Orchestrator, error) {
	registry := swap.DefaultRegistry()
	var err error
	if cfg.Tokens.RegistryPath != "" {
		registry, err = swap.LoadRegistry(cfg.Tokens.RegistryPath)
		if err != nil {
			return nil, err
		}
	}

	rules := policy.DefaultRules()
	if cfg.Policy.RulesPath != "" {
		rules, err = policy.LoadRules(cfg.Policy.RulesPath)
		if err != nil {
			return nil, err
		}
	}
	gate, err := policy.NewGate(rules)
	if err != nil {
		return nil, err
	}

	var rates []quote.Rate
	if cfg.Quote.Static.FixturePath != "" {
		rates, err = quote.LoadRates(cfg.Quote.Static.FixturePath)
		if err != nil {
			return nil, err
		}
	}
	provider, err := quote.NewStaticProvider(quote.StaticConfig{
		Registry: registry,
		Rates:    rates,
	})
	if err != nil {
		return nil, err
	}
	quotes, err := quote.NewRegistry(provider.Name(), provider)
	if err != nil {
		return nil, err
	}

	chainID := int64(1)
	if len(rules.ChainIDs) > 0 {
		chainID = rules.ChainIDs[0]
	}

	input := guardrail.NewInput(guardrail.InputConfig{
		MaxMessageLength: cfg.Guardrail.MaxMessageLength,
	})
	output := guardrail.NewOutput(guardrail.OutputConfig{
		MaxSlippageBps: rules.MaxSlippageBps,
	})

	return agent.New(input, rulebased.New(registry, chainID), output, quotes, gate,
		agent.WithOwnerAddress(cfg.Pipeline.OwnerAddress),
		agent.WithTokenRegistry(registry),
	), nil
}
