package evalrun

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/harness"
	"SwapSentinel/internal/observability/alerting"
	"SwapSentinel/internal/observability/metrics"
	"SwapSentinel/pkg/logger"
)

// SuiteRunner 定义了处理器所需的评测执行能力。
type SuiteRunner interface {
	RunCases(ctx context.Context, suiteName string, cases []harness.Case) (*harness.Report, error)
}

// SuiteResolver 将套件名称解析为用例列表，用于处理未内联用例的运行。
type SuiteResolver func(suite string) ([]harness.Case, error)

// DefaultSuiteResolver 只认识内置冒烟套件，其余名称视为未知。
func DefaultSuiteResolver(suite string) ([]harness.Case, error) {
	if suite == harness.DefaultSuiteName {
		return harness.DefaultSmokeSuite()
	}
	return nil, xerrors.New(CodeRunValidation, fmt.Sprintf("未知评测套件: %s", suite))
}

// Processor 负责从队列消费评测运行并交给执行器跑套件。
type Processor struct {
	runner      SuiteRunner
	store       Store
	consumer    Consumer
	producer    Producer
	resolver    SuiteResolver
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithSuiteResolver 配置按名称解析套件的策略。
func WithSuiteResolver(resolver SuiteResolver) ProcessorOption {
	return func(p *Processor) {
		if resolver != nil {
			p.resolver = resolver
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner SuiteRunner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		resolver:    DefaultSuiteResolver,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动评测运行处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置评测运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) ||
			stdErrors.Is(err, ErrRunExhausted) || stdErrors.Is(err, ErrRunConflict) {
			p.logDebug("跳过评测运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取评测运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	cases := run.Cases
	if len(cases) == 0 {
		resolved, resolveErr := p.resolveSuite(run.Suite)
		if resolveErr != nil {
			return p.handleExecutionFailure(ctx, run, resolveErr)
		}
		cases = resolved
	}

	report, execErr := p.runner.RunCases(ctx, run.Suite, cases)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, run, execErr)
	}
	if report == nil {
		return p.handleExecutionFailure(ctx, run,
			xerrors.New(CodeRunProcessing, "评测执行器未返回报告"))
	}

	summary := RunSummary{
		HarnessRunID: report.Run.RunID,
		CaseCount:    report.Run.CaseCount,
		ASR:          report.Metrics.ASR,
		FP:           report.Metrics.FP,
		TR:           report.Metrics.TR,
	}
	if err := p.store.MarkSucceeded(ctx, run.ID, summary); err != nil {
		logger.L().Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		if storeErr := p.store.MarkFailed(ctx, run.ID, CodeRunProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 在标记成功失败后重投失败", run.ID))
		}
		logger.Audit().Warn("运行标记成功失败后重试",
			slog.String("run_id", run.ID),
			slog.String("suite", run.Suite),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveEvaluationRun(string(StatusSucceeded))
	logger.Audit().Info("评测运行执行成功",
		slog.String("run_id", run.ID),
		slog.String("suite", run.Suite),
		slog.String("harness_run_id", summary.HarnessRunID),
		slog.Int("case_count", summary.CaseCount),
	)
	return nil
}

func (p *Processor) resolveSuite(suite string) ([]harness.Case, error) {
	resolver := p.resolver
	if resolver == nil {
		resolver = DefaultSuiteResolver
	}
	return resolver(suite)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, run *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := run.Attempts >= run.MaxAttempts || !retryable

	if storeErr := p.store.MarkFailed(ctx, run.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
		return storeErr
	}
	if terminal {
		metrics.ObserveEvaluationRun(string(StatusFailed))
	}
	logger.Audit().Warn("评测运行执行失败",
		slog.String("run_id", run.ID),
		slog.String("suite", run.Suite),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_attempts", run.MaxAttempts),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, run, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, run.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", run.ID))
		}
		p.logDebug("评测运行已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if run.Suite != "" {
		metadata["suite"] = run.Suite
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		Stage:      stage,
		Attempts:   run.Attempts,
		MaxRetries: run.MaxAttempts,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}
