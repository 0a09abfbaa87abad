package agent

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/observability/alerting"
	"SwapSentinel/internal/observability/metrics"
	"SwapSentinel/internal/policy"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
)

// InputGuard 是输入护栏的最小接口。Validate 失败意味着请求在触达任何
// 推理组件之前就被拒绝。
type InputGuard interface {
	Validate(message, sessionID string) (swap.RiskMetadata, error)
	Sanitize(message string) string
}

// OutputGuard 是输出护栏的最小接口，分别校验解析结果与所选报价。
type OutputGuard interface {
	ValidatePlanOutput(result *llm.Result) error
	ValidateQuote(quote *swap.Quote) error
}

// QuoteSource 聚合一个或多个报价来源，返回按优劣排序的报价列表。
type QuoteSource interface {
	Collect(ctx context.Context, intent swap.Intent) ([]swap.Quote, error)
}

// PolicyGate 是确定性策略闸门的最小接口。error 仅表示闸门本身不可用，
// 任何规则违例都通过 Decision 表达。
type PolicyGate interface {
	Evaluate(req policy.Request) (policy.Decision, error)
}

// Orchestrator 驱动规划流水线，是系统的业务核心。它只负责按固定顺序
// 调度各组件并汇总终态，本身不包含任何绕过校验的捷径：输入护栏失败
// 的请求不会触达解析组件，策略闸门之前产生的一切内容都不进入交易计划。
type Orchestrator struct {
	input  InputGuard
	parser llm.Client
	output OutputGuard
	quotes QuoteSource
	gate   PolicyGate

	tokens       *swap.Registry
	store        PlanStore
	alerts       alerting.Dispatcher
	ownerAddress string
	parseTimeout time.Duration
	quoteTimeout time.Duration
	now          func() time.Time
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// 各阶段的默认超时时间。
const (
	defaultParseTimeout = 20 * time.Second
	defaultQuoteTimeout = 10 * time.Second
)

// WithOwnerAddress 设置所有者地址。策略闸门依赖该地址校验收款人。
func WithOwnerAddress(address string) Option {
	return func(o *Orchestrator) {
		o.ownerAddress = address
	}
}

// WithTokenRegistry 设置代币登记表，用于生成人类可读的计划摘要。
func WithTokenRegistry(registry *swap.Registry) Option {
	return func(o *Orchestrator) {
		if registry != nil {
			o.tokens = registry
		}
	}
}

// WithPlanStore 配置留痕存储。未配置时终态不落库。
func WithPlanStore(store PlanStore) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithAlertDispatcher 配置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithParseTimeout 设置意图解析阶段的超时时间。
func WithParseTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.parseTimeout = timeout
		}
	}
}

// WithQuoteTimeout 设置报价阶段的超时时间。
func WithQuoteTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.quoteTimeout = timeout
		}
	}
}

// WithClock 注入时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建一个 Orchestrator。
func New(input InputGuard, parser llm.Client, output OutputGuard, quotes QuoteSource, gate PolicyGate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		input:        input,
		parser:       parser,
		output:       output,
		quotes:       quotes,
		gate:         gate,
		tokens:       swap.DefaultRegistry(),
		parseTimeout: defaultParseTimeout,
		quoteTimeout: defaultQuoteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// stageTracer 按时间顺序累积流水线阶段事件。
type stageTracer struct {
	now    func() time.Time
	events []StageEvent
}

func (t *stageTracer) record(stage Status) {
	t.events = append(t.events, StageEvent{Stage: stage, At: t.now().UTC()})
}

// Plan 执行一次完整的规划流水线。所有业务终态（拒绝、拦截、内部错误）
// 都以 PlanResponse 表达；error 仅用于编排器自身未就绪或入参非法，
// 由接口层映射为 4xx/5xx。
func (o *Orchestrator) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	if o.input == nil || o.parser == nil || o.output == nil || o.quotes == nil || o.gate == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规划流水线组件未配置完整")
	}
	if req.UserMessage == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_message 不能为空")
	}
	if req.RequestID == "" {
		req.RequestID = "req_" + shortID()
	}
	if req.SessionID == "" {
		req.SessionID = "anonymous"
	}

	tracer := &stageTracer{now: o.now}
	tracer.record(StatusReceived)

	// 阶段一：输入护栏。任何失败都在触达推理组件之前终止。
	risk, err := o.input.Validate(req.UserMessage, req.SessionID)
	if err != nil {
		if len(risk.UntrustedFlags) > 0 {
			metrics.ObserveGuardrailRejection(risk.UntrustedFlags[0])
		}
		return o.finish(ctx, req, o.rejectedResponse(req, risk, err), risk, tracer)
	}
	tracer.record(StatusInputValidated)

	// 阶段二：意图解析。推理组件只收到清洗后的文本。
	sanitized := o.input.Sanitize(req.UserMessage)
	result, err := o.parseIntent(ctx, sanitized)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			wrapped := xerrors.Wrap(xerrors.CodeTimeout, err, "意图解析超时")
			return o.finish(ctx, req, o.internalResponse(req, risk, wrapped), risk, tracer)
		}
		wrapped := xerrors.Wrap(xerrors.CodeParsingFailed, err, "意图解析失败")
		return o.finish(ctx, req, o.rejectedResponse(req, risk, wrapped), risk, tracer)
	}
	if result == nil || result.Intent == nil || result.Confidence == llm.ConfidenceLow {
		reason := "未能解析出明确的兑换意图"
		if result != nil && result.Reasoning != "" {
			reason = result.Reasoning
		}
		cause := xerrors.New(xerrors.CodeParsingFailed, reason)
		return o.finish(ctx, req, o.rejectedResponse(req, risk, cause), risk, tracer)
	}
	tracer.record(StatusIntentParsed)

	// 阶段三：输出护栏校验解析结果。失败说明推理组件越界，属于内部错误。
	if err := o.output.ValidatePlanOutput(result); err != nil {
		return o.finish(ctx, req, o.internalResponse(req, risk, err), risk, tracer)
	}
	tracer.record(StatusOutputValidated)

	intent := *result.Intent

	// 阶段四：获取报价并校验最优报价。
	best, err := o.collectBestQuote(ctx, intent)
	if err != nil {
		return o.finish(ctx, req, o.internalResponse(req, risk, err), risk, tracer)
	}
	tracer.record(StatusQuoted)

	// 阶段五：策略闸门。闸门不可用视为内部错误，违例以拦截终态表达。
	decision, err := o.gate.Evaluate(policy.Request{
		Context: policy.RequestContext{
			RequestID:    req.RequestID,
			SessionID:    req.SessionID,
			OwnerAddress: o.ownerAddress,
			Risk:         risk,
		},
		Intent:    intent,
		Proposed:  o.buildProposedPlan(intent, best),
		Quote:     best,
		Overrides: req.Parameters,
		Now:       o.now().UTC(),
	})
	if err != nil {
		return o.finish(ctx, req, o.internalResponse(req, risk, err), risk, tracer)
	}
	tracer.record(StatusPolicyChecked)

	policyLog := &PolicyLog{
		CheckedAt:    decision.CheckedAt,
		Decision:     decision.Verdict,
		Violations:   decision.Violations,
		RulesVersion: decision.RulesVersion,
	}

	if !decision.Allow() {
		for _, violation := range decision.Violations {
			metrics.ObservePolicyViolation(violation.RuleID)
		}
		return o.finish(ctx, req, o.blockedResponse(req, risk, policyLog), risk, tracer)
	}

	// 阶段六：仅根据闸门输出的强制计划组装未签名交易。
	if decision.EnforcedPlan == nil {
		cause := xerrors.New(xerrors.CodeInternalError, "策略放行但缺少强制计划")
		return o.finish(ctx, req, o.internalResponse(req, risk, cause), risk, tracer)
	}
	plan := o.buildTxPlan(intent, best, decision.EnforcedPlan, policyLog)

	resp := &PlanResponse{
		RequestID: req.RequestID,
		Status:    StatusNeedsOwnerSignature,
		TxPlan:    plan,
		Risk:      &risk,
		Policy:    policyLog,
	}
	return o.finish(ctx, req, resp, risk, tracer)
}

// parseIntent 在独立的超时上下文中调用解析组件。
func (o *Orchestrator) parseIntent(ctx context.Context, sanitized string) (*llm.Result, error) {
	parseCtx := ctx
	if o.parseTimeout > 0 {
		var cancel context.CancelFunc
		parseCtx, cancel = context.WithTimeout(ctx, o.parseTimeout)
		defer cancel()
	}
	return o.parser.ParseIntent(parseCtx, sanitized)
}

// collectBestQuote 拉取报价并对最优报价做输出护栏校验。
func (o *Orchestrator) collectBestQuote(ctx context.Context, intent swap.Intent) (swap.Quote, error) {
	quoteCtx := ctx
	if o.quoteTimeout > 0 {
		var cancel context.CancelFunc
		quoteCtx, cancel = context.WithTimeout(ctx, o.quoteTimeout)
		defer cancel()
	}
	collected, err := o.quotes.Collect(quoteCtx, intent)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return swap.Quote{}, xerrors.Wrap(xerrors.CodeTimeout, err, "获取报价超时")
		}
		return swap.Quote{}, xerrors.Wrap(xerrors.CodeToolFailure, err, "获取报价失败")
	}
	if len(collected) == 0 {
		return swap.Quote{}, xerrors.New(xerrors.CodeToolFailure, "没有可用的报价")
	}
	best := collected[0]
	if err := o.output.ValidateQuote(&best); err != nil {
		return swap.Quote{}, err
	}
	return best, nil
}

// buildProposedPlan 将所选报价转换为待审计的提案。只有卖出原生代币时
// 交易才携带 value。
func (o *Orchestrator) buildProposedPlan(intent swap.Intent, quote swap.Quote) policy.ProposedPlan {
	value := "0"
	if token, ok := o.tokens.ByAddress(intent.SellToken); ok && token.Native {
		value = intent.SellAmount
	}
	return policy.ProposedPlan{
		RouterAddress: quote.RouterAddress,
		Calldata:      quote.Calldata,
		ValueWei:      value,
		SlippageBps:   quote.SlippageBps,
		GasEstimate:   quote.GasEstimate,
		GasPriceWei:   quote.GasPriceWei,
	}
}

// buildTxPlan 组装最终计划。未签名交易的字段一律来自强制计划，
// 报价快照只保留 calldata 预览。
func (o *Orchestrator) buildTxPlan(intent swap.Intent, quote swap.Quote, enforced *policy.EnforcedPlan, policyLog *PolicyLog) *TxPlan {
	unsigned := &swap.UnsignedTx{
		ChainID:  intent.ChainID,
		To:       enforced.RouterAddress,
		Value:    enforced.ValueWei,
		Data:     enforced.Calldata,
		Gas:      enforced.GasLimit,
		GasPrice: enforced.GasPriceWei,
		Nonce:    nil,
	}
	snapshot := quote
	snapshot.Calldata = ""
	return &TxPlan{
		PlanID:              "plan_" + shortID(),
		Status:              StatusNeedsOwnerSignature,
		Summary:             o.buildSummary(intent, quote),
		QuoteSnapshot:       &snapshot,
		UnsignedTransaction: unsigned,
		PolicyLog:           policyLog,
	}
}

// buildSummary 生成人类可读的摘要，金额按各自代币的精度换算。
func (o *Orchestrator) buildSummary(intent swap.Intent, quote swap.Quote) string {
	sell := o.formatTokenAmount(intent.SellAmount, intent.SellToken)
	buy := o.formatTokenAmount(quote.BuyAmount, intent.BuyToken)
	return fmt.Sprintf("Swap %s for ≈%s via %s", sell, buy, quote.Aggregator)
}

func (o *Orchestrator) formatTokenAmount(baseUnits, address string) string {
	symbol := o.tokens.SymbolFor(address)
	decimals := 18
	if token, ok := o.tokens.ByAddress(address); ok {
		decimals = token.Decimals
	}
	amount, err := swap.ParseBaseUnits(baseUnits)
	if err != nil {
		return fmt.Sprintf("? %s", symbol)
	}
	return fmt.Sprintf("%s %s", swap.FormatBaseUnits(amount, decimals), symbol)
}

func (o *Orchestrator) rejectedResponse(req PlanRequest, risk swap.RiskMetadata, cause error) *PlanResponse {
	detail := &ErrorDetail{
		Code:    string(xerrors.CodeOf(cause)),
		Message: errorMessage(cause),
		Details: map[string]any{
			"untrusted_flags": risk.UntrustedFlags,
			"risk_level":      risk.RiskLevel,
		},
	}
	return &PlanResponse{
		RequestID: req.RequestID,
		Status:    StatusRejected,
		Risk:      &risk,
		Error:     detail,
	}
}

func (o *Orchestrator) blockedResponse(req PlanRequest, risk swap.RiskMetadata, policyLog *PolicyLog) *PlanResponse {
	code := string(xerrors.CodePolicyBlocked)
	message := "策略闸门拦截了该计划"
	if len(policyLog.Violations) > 0 {
		first := policyLog.Violations[0]
		code = "POLICY_VIOLATION_" + first.RuleID
		message = first.Description
	}
	return &PlanResponse{
		RequestID: req.RequestID,
		Status:    StatusBlockedByPolicy,
		Risk:      &risk,
		Policy:    policyLog,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
			Details: map[string]any{
				"violations":    policyLog.Violations,
				"risk_metadata": risk,
			},
		},
	}
}

func (o *Orchestrator) internalResponse(req PlanRequest, risk swap.RiskMetadata, cause error) *PlanResponse {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeInternalError
	}
	return &PlanResponse{
		RequestID: req.RequestID,
		Status:    StatusInternalError,
		Risk:      &risk,
		Error: &ErrorDetail{
			Code:    string(code),
			Message: errorMessage(cause),
		},
	}
}

// finish 统一收尾：补记终态、落库、打点、审计与告警。
func (o *Orchestrator) finish(ctx context.Context, req PlanRequest, resp *PlanResponse, risk swap.RiskMetadata, tracer *stageTracer) (*PlanResponse, error) {
	tracer.record(resp.Status)
	resp.Trace = tracer.events

	metrics.ObservePlanOutcome(string(resp.Status))
	o.audit(req, resp)

	if o.store != nil {
		if err := o.persist(ctx, req, resp, risk); err != nil {
			logger.L().Error("规划留痕写入失败",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()))
			failed := o.internalResponse(req, risk, xerrors.Wrap(xerrors.CodeStorageFailure, err, "规划留痕写入失败"))
			failed.Trace = resp.Trace
			o.alert(ctx, req, failed)
			return failed, nil
		}
	}

	o.alert(ctx, req, resp)
	return resp, nil
}

func (o *Orchestrator) persist(ctx context.Context, req PlanRequest, resp *PlanResponse, risk swap.RiskMetadata) error {
	now := o.now().Unix()
	record := &PlanRecord{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Status:    resp.Status,
		RiskLevel: string(risk.RiskLevel),
		Response:  *resp,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if resp.TxPlan != nil {
		record.PlanID = resp.TxPlan.PlanID
		record.Summary = resp.TxPlan.Summary
	}
	return o.store.Save(ctx, record)
}

func (o *Orchestrator) audit(req PlanRequest, resp *PlanResponse) {
	attrs := []any{
		slog.String("request_id", req.RequestID),
		slog.String("session_id", req.SessionID),
		slog.String("status", string(resp.Status)),
	}
	if resp.TxPlan != nil {
		attrs = append(attrs,
			slog.String("plan_id", resp.TxPlan.PlanID),
			slog.String("summary", resp.TxPlan.Summary))
		if gasPrice, ok := new(big.Int).SetString(resp.TxPlan.UnsignedTransaction.GasPrice, 10); ok {
			attrs = append(attrs, slog.String("gas_price_gwei", swap.FormatGwei(gasPrice)))
		}
	}
	if resp.Error != nil {
		attrs = append(attrs, slog.String("error_code", resp.Error.Code))
	}
	logger.Audit().Info("plan decision", attrs...)
}

// alert 在内部错误与高风险拒绝时发出告警。告警失败只记录日志。
func (o *Orchestrator) alert(ctx context.Context, req PlanRequest, resp *PlanResponse) {
	if o.alerts == nil {
		return
	}
	var event alerting.Event
	switch {
	case resp.Status == StatusInternalError:
		event = alerting.Event{
			Code:     xerrors.Code(resp.Error.Code),
			Message:  resp.Error.Message,
			Severity: xerrors.SeverityCritical,
		}
	case resp.Status == StatusRejected && resp.Risk != nil && resp.Risk.RiskLevel == swap.RiskHigh:
		event = alerting.Event{
			Code:     xerrors.CodeInputRejected,
			Message:  "高风险输入被拒绝",
			Severity: xerrors.SeverityWarning,
		}
	default:
		return
	}
	event.RequestID = req.RequestID
	event.Stage = string(resp.Status)
	event.OccurredAt = o.now().UTC()
	if resp.TxPlan != nil {
		event.PlanID = resp.TxPlan.PlanID
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
}

func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// shortID 返回 8 位十六进制短标识。
func shortID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}
