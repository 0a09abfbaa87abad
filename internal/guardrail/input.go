package guardrail

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/swap"
	"SwapSentinel/pkg/logger"
)

// 输入护栏在任何推理发生之前运行，完全独立于模型。
// 命中直接注入模式是硬拒绝，编码内容与敏感信息只做标记。

// directPattern 描述一条直接注入检测规则。
type directPattern struct {
	id string
	re *regexp.Regexp
}

// 直接提示注入模式。命中即拒绝，不参与打分。
var directPatterns = []directPattern{
	{"instruction_override", regexp.MustCompile(`(?i)ignore\s+(previous|all|your)\s+instructions?`)},
	{"system_prompt_probe", regexp.MustCompile(`(?i)system\s+prompt`)},
	{"role_impersonation", regexp.MustCompile(`(?i)you\s+are\s+now`)},
	{"disregard_instructions", regexp.MustCompile(`(?i)disregard\s+(previous|all)`)},
	{"new_instructions", regexp.MustCompile(`(?i)new\s+instructions?:`)},
	{"policy_override", regexp.MustCompile(`(?i)override\s+policy`)},
	{"guardrail_bypass", regexp.MustCompile(`(?i)bypass\s+guardrail`)},
	{"script_tag", regexp.MustCompile(`(?i)<script>`)},
	{"sql_injection", regexp.MustCompile(`(?i)DROP\s+TABLE`)},
	{"owner_impersonation", regexp.MustCompile(`(?i)for\s+your\s+owner`)},
	{"delegation_claim", regexp.MustCompile(`(?i)on\s+behalf\s+of`)},
}

// 间接/编码注入提示。只标记，不拒绝。
var encodedPatterns = []directPattern{
	{"encoding_hint", regexp.MustCompile(`(?i)base64|rot13|hex|unicode`)},
	{"hex_escape", regexp.MustCompile(`(?i)\\x[0-9a-f]{2}`)},
	{"html_entity", regexp.MustCompile(`&#\d+;`)},
}

var (
	walletAddressRe = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
	secretHintRe    = regexp.MustCompile(`(?i)private\s*key|seed\s*phrase|mnemonic`)
	markupRe        = regexp.MustCompile(`<[^>]+>`)
	disallowedRe    = regexp.MustCompile(`[^\w\s.,!?]`)
)

// swapKeywords 限定系统只接受换币类请求。
var swapKeywords = []string{"swap", "exchange", "trade", "convert", "buy", "sell"}

// Detector 是可选的外部检测器。返回的发现只会作为标记附加到风险元数据，
// 永远不会直接拒绝请求。
type Detector interface {
	ID() string
	Scan(message string) []string
}

// InputConfig 控制输入护栏的阈值。
type InputConfig struct {
	MaxMessageLength int
	Extra            []Detector
}

// Input 是 L1 前置护栏。
type Input struct {
	maxLength int
	extra     []Detector
	audit     *slog.Logger
}

// NewInput 构造输入护栏。
func NewInput(cfg InputConfig) *Input {
	maxLength := cfg.MaxMessageLength
	if maxLength <= 0 {
		maxLength = 500
	}
	return &Input{
		maxLength: maxLength,
		extra:     cfg.Extra,
		audit:     logger.Audit(),
	}
}

// Validate 校验用户输入。返回的风险元数据无论通过与否都会随请求流转，
// 供审计使用。拒绝一律携带 INPUT_REJECTED 错误码。
func (g *Input) Validate(message, sessionID string) (swap.RiskMetadata, error) {
	meta := swap.NewRiskMetadata()

	// 1. 长度检查（按码点计数）。
	if utf8.RuneCountInString(message) > g.maxLength {
		return meta, xerrors.New(xerrors.CodeInputRejected,
			fmt.Sprintf("输入过长（上限 %d 字符）", g.maxLength),
			xerrors.WithMetadata("reason", "too_long"))
	}
	if strings.TrimSpace(message) == "" {
		return meta, xerrors.New(xerrors.CodeInputRejected, "输入为空",
			xerrors.WithMetadata("reason", "empty"))
	}

	// 2. 直接提示注入：命中即硬拒绝。
	for _, pattern := range directPatterns {
		if pattern.re.MatchString(message) {
			meta.Flag("direct_injection:"+pattern.id, swap.RiskHigh)
			g.audit.Warn("security_direct_injection",
				slog.String("pattern_id", pattern.id),
				slog.String("session_id", sessionID),
				slog.String("user_message", message),
			)
			return meta, xerrors.New(xerrors.CodeInputRejected,
				"输入包含提示注入内容", xerrors.WithMetadata("pattern_id", pattern.id))
		}
	}

	// 3. 编码/间接注入：只标记并抬升风险等级。
	for _, pattern := range encodedPatterns {
		if pattern.re.MatchString(message) {
			meta.Flag("encoded_content:"+pattern.id, swap.RiskMedium)
			g.audit.Warn("security_encoded_content",
				slog.String("pattern_id", pattern.id),
				slog.String("session_id", sessionID),
			)
		}
	}

	// 4. 必须是换币类请求。
	if !containsSwapKeyword(message) {
		return meta, xerrors.New(xerrors.CodeInputRejected,
			"输入不是有效的换币请求", xerrors.WithMetadata("reason", "off_topic"))
	}

	// 5. 隐私保护：地址或私钥线索只标记。
	if walletAddressRe.MatchString(message) {
		meta.Flag("contains_wallet_address", swap.RiskMedium)
	}
	if secretHintRe.MatchString(message) {
		meta.Flag("contains_secret_hint", swap.RiskMedium)
		g.audit.Warn("security_secret_hint",
			slog.String("session_id", sessionID),
			slog.String("user_message", message),
		)
	}

	// 6. 外部检测器：发现一律作为标记附加。
	for _, detector := range g.extra {
		if detector == nil {
			continue
		}
		for _, finding := range detector.Scan(message) {
			meta.Flag(detector.ID()+":"+finding, swap.RiskMedium)
		}
	}

	return meta, nil
}

// Sanitize 在消息交给推理组件之前去掉标记与白名单以外的字符。
// 清洗不会提升信任级别，输出仍然是不可信上下文。
func (g *Input) Sanitize(message string) string {
	sanitized := markupRe.ReplaceAllString(message, "")
	sanitized = disallowedRe.ReplaceAllString(sanitized, "")
	return strings.TrimSpace(sanitized)
}

func containsSwapKeyword(message string) bool {
	lowered := strings.ToLower(message)
	for _, keyword := range swapKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
