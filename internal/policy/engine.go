package policy

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/swap"
)

// 策略门是纯函数：同样的输入永远得到同样的结论。时间通过请求传入，
// 结论一旦生成不再修改。任何字段都不可能被推理组件的输出覆盖。

// 违规规则标识。
const (
	RuleChainNotAllowed     = "CHAIN_NOT_ALLOWED"
	RuleRouterNotAllowed    = "ROUTER_NOT_ALLOWED"
	RuleTokenNotAllowed     = "TOKEN_NOT_ALLOWED"
	RuleRecipientMismatch   = "RECIPIENT_MISMATCH"
	RuleSlippageTooHigh     = "SLIPPAGE_TOO_HIGH"
	RuleValueCapExceeded    = "VALUE_CAP_EXCEEDED"
	RuleUnlimitedApproval   = "UNLIMITED_APPROVAL"
	RuleForbiddenSelector   = "FORBIDDEN_SELECTOR"
	RuleGasPriceInsane      = "GAS_PRICE_INSANE"
	RuleGasEstimateInsane   = "GAS_ESTIMATE_INSANE"
	RuleQuoteExpired        = "QUOTE_EXPIRED"
	RuleQuoteHorizon        = "QUOTE_HORIZON_EXCEEDED"
	RulePlanMalformed       = "PLAN_MALFORMED"
	RulePlanQuoteMismatch   = "PLAN_QUOTE_MISMATCH"
	RuleOverrideUnsupported = "OVERRIDE_UNSUPPORTED"
	RuleOverrideInvalid     = "OVERRIDE_INVALID"
)

// approve(address,uint256) 的函数选择器。
var approveSelector = []byte{0x09, 0x5e, 0xa7, 0xb3}

// Verdict 是策略结论的方向。
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictBlock Verdict = "BLOCK"
)

// Violation 描述一条被触发的规则。
type Violation struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

// RequestContext 携带请求级别的审计信息。OwnerAddress 是收款人必须
// 匹配的所有者地址。
type RequestContext struct {
	RequestID    string
	SessionID    string
	OwnerAddress string
	Risk         swap.RiskMetadata
}

// ProposedPlan 是由所选报价构造的候选执行计划。策略门会把它与报价
// 快照逐字段对照，防止推理侧途中替换内容。
type ProposedPlan struct {
	RouterAddress string `json:"router_address"`
	Recipient     string `json:"recipient,omitempty"`
	Calldata      string `json:"calldata"`
	ValueWei      string `json:"value_wei"`
	SlippageBps   int    `json:"slippage_bps"`
	GasEstimate   int64  `json:"gas_estimate"`
	GasPriceWei   string `json:"gas_price_wei,omitempty"`
}

// Request 是一次策略评估的全部输入。Now 由调用方传入，策略门自身
// 不读取时钟。
type Request struct {
	Context   RequestContext
	Intent    swap.Intent
	Proposed  ProposedPlan
	Quote     swap.Quote
	Overrides map[string]string
	Now       time.Time
}

// EnforcedPlan 是放行结论附带的最终执行计划。下游构造未签名交易
// 只允许使用这里的字段，绝不回读推理组件的提案。
type EnforcedPlan struct {
	RouterAddress string `json:"allowlisted_router"`
	Calldata      string `json:"final_calldata"`
	ValueWei      string `json:"value_wei"`
	SlippageBps   int    `json:"slippage_bps"`
	GasLimit      int64  `json:"gas_limit"`
	GasPriceWei   string `json:"gas_price_wei,omitempty"`
}

// Decision 是一次评估的不可变结论。
type Decision struct {
	Verdict      Verdict       `json:"decision"`
	Violations   []Violation   `json:"violations"`
	EnforcedPlan *EnforcedPlan `json:"enforced_plan,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
	RulesVersion int           `json:"rules_version"`
}

// Allow 报告结论是否放行。
func (d Decision) Allow() bool {
	return d.Verdict == VerdictAllow
}

// Gate 持有编译后的规则索引。构造之后不再变化，因此并发评估是安全的。
type Gate struct {
	rules       *Rules
	routers     map[common.Address]Router
	tokens      map[common.Address]bool
	chains      map[int64]bool
	selectors   [][]byte
	maxValue    *big.Int
	maxGasPrice *big.Int
}

// NewGate 校验并编译规则集。规则缺失直接报错，绝不构造隐式放行的门。
func NewGate(rules *Rules) (*Gate, error) {
	if rules == nil {
		return nil, xerrors.New(xerrors.CodePolicyUnavailable, "策略规则未加载")
	}
	if err := rules.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "策略规则不合法")
	}
	gate := &Gate{
		rules:   rules,
		routers: make(map[common.Address]Router, len(rules.AllowedRouters)),
		tokens:  make(map[common.Address]bool, len(rules.AllowedTokens)),
		chains:  make(map[int64]bool, len(rules.ChainIDs)),
	}
	for _, router := range rules.AllowedRouters {
		gate.routers[common.HexToAddress(router.Address)] = router
	}
	for _, token := range rules.AllowedTokens {
		gate.tokens[common.HexToAddress(token)] = true
	}
	for _, chainID := range rules.ChainIDs {
		gate.chains[chainID] = true
	}
	for _, selector := range rules.ForbiddenSelectors {
		raw, err := hexutil.Decode(selector)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "函数选择器无法解析")
		}
		gate.selectors = append(gate.selectors, raw)
	}
	gate.maxValue, _ = parsePositiveWei(rules.MaxValueWei)
	gate.maxGasPrice, _ = parsePositiveWei(rules.MaxGasPriceWei)
	return gate, nil
}

// Rules 返回生效的规则集。
func (g *Gate) Rules() *Rules {
	if g == nil {
		return nil
	}
	return g.rules
}

// Evaluate 对候选计划执行全部确定性检查。只有在门本身未配置时返回
// 错误；规则违背一律通过 BLOCK 结论表达。
func (g *Gate) Evaluate(req Request) (Decision, error) {
	if g == nil || g.rules == nil {
		return Decision{}, xerrors.New(xerrors.CodePolicyUnavailable, "策略规则未加载，拒绝评估")
	}

	decision := Decision{
		Verdict:      VerdictBlock,
		CheckedAt:    req.Now.UTC(),
		RulesVersion: g.rules.Version,
	}
	var violations []Violation
	add := func(ruleID, format string, args ...any) {
		violations = append(violations, Violation{
			RuleID:      ruleID,
			Description: fmt.Sprintf(format, args...),
		})
	}

	// 0. 覆盖项只允许收紧阈值，未知键与放宽尝试都是违规。
	effective := g.applyOverrides(req.Overrides, add)

	// 1. 计划形状。字段无法解析时确定性地拦截，而不是报错。
	calldata, calldataOK := decodeCalldata(req.Proposed.Calldata)
	if !calldataOK {
		add(RulePlanMalformed, "calldata 无法解析: %s", swap.TruncateCalldata(req.Proposed.Calldata))
	}
	value, valueOK := parseWeiField(req.Proposed.ValueWei)
	if !valueOK {
		add(RulePlanMalformed, "value_wei 无法解析: %q", req.Proposed.ValueWei)
	}
	gasPrice, gasPriceOK := parseOptionalWeiField(req.Proposed.GasPriceWei)
	if !gasPriceOK {
		add(RulePlanMalformed, "gas_price_wei 无法解析: %q", req.Proposed.GasPriceWei)
	}

	// 2. 计划必须逐字段对应报价快照，防止途中替换。
	if !swap.SameAddress(req.Proposed.RouterAddress, req.Quote.RouterAddress) {
		add(RulePlanQuoteMismatch, "计划路由 %s 与报价路由 %s 不一致",
			req.Proposed.RouterAddress, req.Quote.RouterAddress)
	}
	if req.Quote.Calldata != "" && req.Proposed.Calldata != req.Quote.Calldata {
		add(RulePlanQuoteMismatch, "计划 calldata 与报价不一致")
	}
	if req.Proposed.SlippageBps != req.Quote.SlippageBps {
		add(RulePlanQuoteMismatch, "计划滑点 %d 与报价滑点 %d 不一致",
			req.Proposed.SlippageBps, req.Quote.SlippageBps)
	}

	// 3. 链允许清单。
	if len(g.chains) > 0 && !g.chains[req.Intent.ChainID] {
		add(RuleChainNotAllowed, "chain_id %d 不在允许清单", req.Intent.ChainID)
	}

	// 4. 路由允许清单。
	routerAllowed := false
	if common.IsHexAddress(req.Proposed.RouterAddress) {
		_, routerAllowed = g.routers[common.HexToAddress(req.Proposed.RouterAddress)]
	}
	if !routerAllowed {
		add(RuleRouterNotAllowed, "路由 %s 不在允许清单", req.Proposed.RouterAddress)
	}

	// 5. 代币允许清单（为空表示不限制）。
	if len(g.tokens) > 0 {
		if !g.tokenAllowed(req.Intent.SellToken) {
			add(RuleTokenNotAllowed, "sell_token %s 不在允许清单", req.Intent.SellToken)
		}
		if !g.tokenAllowed(req.Intent.BuyToken) {
			add(RuleTokenNotAllowed, "buy_token %s 不在允许清单", req.Intent.BuyToken)
		}
	}

	// 6. 收款人只能是所有者本人，或者干脆不出现。
	if req.Proposed.Recipient != "" {
		if req.Context.OwnerAddress == "" ||
			!swap.SameAddress(req.Proposed.Recipient, req.Context.OwnerAddress) {
			add(RuleRecipientMismatch, "收款人 %s 不是所有者地址", req.Proposed.Recipient)
		}
	}

	// 7. 滑点硬上限。
	if req.Proposed.SlippageBps < 0 || req.Proposed.SlippageBps > effective.maxSlippageBps {
		add(RuleSlippageTooHigh, "滑点 %d 超过上限 %d",
			req.Proposed.SlippageBps, effective.maxSlippageBps)
	}

	// 8. 单笔金额上限。
	if valueOK && value.Cmp(effective.maxValue) > 0 {
		add(RuleValueCapExceeded, "交易金额 %s wei 超过上限 %s wei",
			value.String(), effective.maxValue.String())
	}

	// 9. 无限授权模式。
	if calldataOK && containsUnlimitedApproval(calldata) {
		add(RuleUnlimitedApproval, "calldata 包含无限授权模式")
	}

	// 10. 被禁止的函数选择器。
	if calldataOK {
		for _, selector := range g.selectors {
			if containsSelector(calldata, selector) {
				add(RuleForbiddenSelector, "calldata 包含被禁止的选择器 %s", hexutil.Encode(selector))
			}
		}
	}

	// 11. gas 合理性。
	if gasPriceOK && gasPrice != nil && gasPrice.Cmp(g.maxGasPrice) > 0 {
		add(RuleGasPriceInsane, "gas 价格 %s wei 超过上限 %s wei",
			gasPrice.String(), g.maxGasPrice.String())
	}
	if req.Proposed.GasEstimate <= 0 || req.Proposed.GasEstimate > g.rules.MaxGasEstimate {
		add(RuleGasEstimateInsane, "gas 估算 %d 超出合理区间 (0, %d]",
			req.Proposed.GasEstimate, g.rules.MaxGasEstimate)
	}

	// 12. 报价时效。
	if req.Quote.ValidTo > 0 {
		now := req.Now.Unix()
		if now > req.Quote.ValidTo {
			add(RuleQuoteExpired, "报价已于 %d 过期", req.Quote.ValidTo)
		} else if req.Quote.ValidTo-now > g.rules.QuoteHorizonSeconds {
			add(RuleQuoteHorizon, "报价有效期超过 %d 秒上限", g.rules.QuoteHorizonSeconds)
		}
	}

	if len(violations) > 0 {
		decision.Violations = violations
		return decision, nil
	}

	decision.Verdict = VerdictAllow
	decision.EnforcedPlan = &EnforcedPlan{
		// 路由地址重写为校验和格式，即使提案里是小写。
		RouterAddress: common.HexToAddress(req.Proposed.RouterAddress).Hex(),
		Calldata:      req.Proposed.Calldata,
		ValueWei:      value.String(),
		SlippageBps:   min(req.Proposed.SlippageBps, effective.maxSlippageBps),
		GasLimit:      req.Proposed.GasEstimate,
		GasPriceWei:   req.Proposed.GasPriceWei,
	}
	return decision, nil
}

// effectiveLimits 是本次评估实际生效的阈值。
type effectiveLimits struct {
	maxSlippageBps int
	maxValue       *big.Int
}

// applyOverrides 解析请求级覆盖项。覆盖只允许收紧，放宽与未知键都
// 记为违规。键按字典序处理以保证结论可复现。
func (g *Gate) applyOverrides(overrides map[string]string, add func(string, string, ...any)) effectiveLimits {
	effective := effectiveLimits{
		maxSlippageBps: g.rules.MaxSlippageBps,
		maxValue:       g.maxValue,
	}
	if len(overrides) == 0 {
		return effective
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := overrides[key]
		switch key {
		case "max_slippage_bps":
			parsed, err := parseBpsOverride(value)
			if err != nil {
				add(RuleOverrideInvalid, "覆盖项 %s 无法解析: %q", key, value)
				continue
			}
			if parsed > g.rules.MaxSlippageBps {
				add(RuleOverrideInvalid, "覆盖项 %s 只允许收紧阈值", key)
				continue
			}
			effective.maxSlippageBps = parsed
		case "max_value_wei":
			parsed, err := parsePositiveWei(value)
			if err != nil {
				add(RuleOverrideInvalid, "覆盖项 %s 无法解析: %q", key, value)
				continue
			}
			if parsed.Cmp(g.maxValue) > 0 {
				add(RuleOverrideInvalid, "覆盖项 %s 只允许收紧阈值", key)
				continue
			}
			effective.maxValue = parsed
		default:
			add(RuleOverrideUnsupported, "不支持的覆盖项: %s", key)
		}
	}
	return effective
}

func (g *Gate) tokenAllowed(address string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	return g.tokens[common.HexToAddress(address)]
}

// decodeCalldata 把 0x 前缀的十六进制 calldata 解码为字节。空串视为
// 不合法：路由调用一定携带负载。
func decodeCalldata(calldata string) ([]byte, bool) {
	if strings.TrimSpace(calldata) == "" {
		return nil, false
	}
	raw, err := hexutil.Decode(calldata)
	if err != nil || len(raw) < 4 {
		return nil, false
	}
	return raw, true
}

// containsUnlimitedApproval 在 calldata 任意偏移处查找
// approve(address,uint256) 选择器，并检查其 amount 字是否为 max uint256。
// 聚合器批量调用会把内层调用嵌进外层负载，所以不能只看首个选择器。
func containsUnlimitedApproval(calldata []byte) bool {
	offset := 0
	for {
		idx := bytes.Index(calldata[offset:], approveSelector)
		if idx < 0 {
			return false
		}
		start := offset + idx
		argsEnd := start + 4 + 64
		if argsEnd <= len(calldata) {
			amount := new(big.Int).SetBytes(calldata[start+4+32 : argsEnd])
			if amount.Cmp(math.MaxBig256) == 0 {
				return true
			}
		}
		offset = start + 1
		if offset >= len(calldata) {
			return false
		}
	}
}

func containsSelector(calldata []byte, selector []byte) bool {
	return bytes.Contains(calldata, selector)
}

// parseWeiField 解析必填的 wei 数值。空串按零处理。
func parseWeiField(value string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), true
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, false
	}
	return parsed, true
}

// parseOptionalWeiField 解析可选的 wei 数值。空串表示未提供。
func parseOptionalWeiField(value string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, true
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}

func parseBpsOverride(value string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("负数滑点: %d", parsed)
	}
	return parsed, nil
}
