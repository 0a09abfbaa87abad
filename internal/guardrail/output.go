package guardrail

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
)

// 禁止出现在推理输出中的动作名。模型试图叙述这些动作本身就是
// 越权企图的证据。
var forbiddenActions = []string{
	"broadcast_transaction",
	"sign_transaction",
	"transfer_funds",
	"approve_unlimited",
}

var (
	txHashMarkerRe = regexp.MustCompile(`(?i)tx_hash|transaction_hash`)
	txHashValueRe  = regexp.MustCompile(`0x[a-fA-F0-9]{64}`)
)

// OutputConfig 控制输出护栏的阈值。
type OutputConfig struct {
	// MaxSlippageBps 与策略规则共用同一个上限。超限报价在到达策略门
	// 之前就被快速拒绝。
	MaxSlippageBps int
	// Now 允许注入时钟，报价过期判断依赖它。
	Now func() time.Time
}

// Output 是 L1 后置护栏，校验推理输出与报价数据的结构与安全性。
type Output struct {
	maxSlippageBps int
	now            func() time.Time
	audit          *slog.Logger
}

// NewOutput 构造输出护栏。
func NewOutput(cfg OutputConfig) *Output {
	maxSlippage := cfg.MaxSlippageBps
	if maxSlippage <= 0 {
		maxSlippage = 1000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Output{
		maxSlippageBps: maxSlippage,
		now:            now,
		audit:          logger.Audit(),
	}
}

// ValidatePlanOutput 校验推理组件的结构化输出。任何违背都携带
// OUTPUT_CONTRACT_VIOLATION 错误码，与普通拒绝严格区分。
func (g *Output) ValidatePlanOutput(result *llm.Result) error {
	if result == nil {
		return xerrors.New(xerrors.CodeOutputContractViolation, "推理输出为空")
	}
	if result.Intent == nil {
		return xerrors.New(xerrors.CodeOutputContractViolation, "缺少必需字段: intent")
	}
	if strings.TrimSpace(result.Reasoning) == "" {
		return xerrors.New(xerrors.CodeOutputContractViolation, "缺少必需字段: reasoning")
	}
	if err := result.Intent.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeOutputContractViolation, err, "意图结构不合法")
	}

	scannable := strings.ToLower(result.Reasoning + "\n" + result.Raw)
	for _, action := range forbiddenActions {
		if strings.Contains(scannable, action) {
			g.audit.Error("security_forbidden_action_in_output",
				slog.String("action", action),
				slog.String("raw_output", result.Raw),
			)
			return xerrors.New(xerrors.CodeOutputContractViolation,
				fmt.Sprintf("输出包含被禁止的动作: %s", action),
				xerrors.WithMetadata("action", action))
		}
	}

	if leak := g.findPrivacyLeak(result); leak != "" {
		return xerrors.New(xerrors.CodeOutputContractViolation,
			"输出包含潜在隐私泄露", xerrors.WithMetadata("marker", leak))
	}
	return nil
}

// findPrivacyLeak 在序列化后的输出中查找交易哈希痕迹。
func (g *Output) findPrivacyLeak(result *llm.Result) string {
	serialized, err := json.Marshal(result)
	if err != nil {
		serialized = []byte(result.Raw)
	}
	text := string(serialized) + result.Raw
	if txHashMarkerRe.MatchString(text) {
		return "tx_hash_marker"
	}
	if txHashValueRe.MatchString(text) {
		return "tx_hash_value"
	}
	return ""
}

// ValidateQuote 校验报价数据的基本合规性。滑点是纯语法属性，超限在
// 这里快速失败，不等策略门。
func (g *Output) ValidateQuote(quote *swap.Quote) error {
	if quote == nil {
		return xerrors.New(xerrors.CodeOutputContractViolation, "报价为空")
	}
	if !common.IsHexAddress(quote.RouterAddress) {
		return xerrors.New(xerrors.CodeOutputContractViolation,
			fmt.Sprintf("报价缺少合法的路由地址: %q", quote.RouterAddress))
	}
	buyAmount, err := swap.ParseBaseUnits(quote.BuyAmount)
	if err != nil || buyAmount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeOutputContractViolation,
			fmt.Sprintf("报价的 buy_amount 不可用: %q", quote.BuyAmount))
	}
	if strings.TrimSpace(quote.CalldataPreview) == "" {
		return xerrors.New(xerrors.CodeOutputContractViolation, "报价缺少 calldata 预览")
	}
	if quote.SlippageBps < 0 {
		return xerrors.New(xerrors.CodeOutputContractViolation,
			fmt.Sprintf("报价滑点为负数: %d", quote.SlippageBps))
	}
	if quote.SlippageBps > g.maxSlippageBps {
		g.audit.Warn("quote_slippage_over_limit",
			slog.Int("slippage_bps", quote.SlippageBps),
			slog.Int("limit_bps", g.maxSlippageBps),
		)
		return xerrors.New(xerrors.CodeOutputContractViolation,
			fmt.Sprintf("滑点 %d 超过硬上限 %d", quote.SlippageBps, g.maxSlippageBps),
			xerrors.WithMetadata("slippage_bps", fmt.Sprintf("%d", quote.SlippageBps)))
	}
	if quote.GasPriceWei != "" {
		gasPrice, err := swap.ParseBaseUnits(quote.GasPriceWei)
		if err != nil || gasPrice.Sign() <= 0 {
			return xerrors.New(xerrors.CodeOutputContractViolation,
				fmt.Sprintf("报价的 gas_price_wei 不可用: %q", quote.GasPriceWei))
		}
	}
	if quote.ValidTo > 0 && g.now().Unix() > quote.ValidTo {
		return xerrors.New(xerrors.CodeOutputContractViolation,
			fmt.Sprintf("报价已过期: valid_to=%d", quote.ValidTo))
	}
	return nil
}

// MarkUntrusted 为外部来源的内容加上显式低信任包装。
func (g *Output) MarkUntrusted(content, source string) swap.Untrusted {
	return swap.MarkUntrusted(content, source)
}
