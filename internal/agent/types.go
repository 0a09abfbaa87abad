package agent

import (
	"time"

	"SwapSentinel/internal/policy"
	"SwapSentinel/internal/swap"
)

// Status 表示规划请求在流水线中的阶段或终态。
type Status string

// 流水线阶段与终态。阶段按顺序推进，任何一步失败都会直接落入终态，
// 不存在跳过校验继续执行的路径。
const (
	StatusReceived        Status = "RECEIVED"
	StatusInputValidated  Status = "INPUT_VALIDATED"
	StatusIntentParsed    Status = "INTENT_PARSED"
	StatusOutputValidated Status = "OUTPUT_VALIDATED"
	StatusQuoted          Status = "QUOTED"
	StatusPolicyChecked   Status = "POLICY_CHECKED"

	StatusNeedsOwnerSignature Status = "NEEDS_OWNER_SIGNATURE"
	StatusBlockedByPolicy     Status = "BLOCKED_BY_POLICY"
	StatusRejected            Status = "REJECTED"
	StatusInternalError       Status = "INTERNAL_ERROR"
)

// Terminal 报告该状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusNeedsOwnerSignature, StatusBlockedByPolicy, StatusRejected, StatusInternalError:
		return true
	}
	return false
}

// IsValidStatus 判断状态是否为已知取值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusReceived, StatusInputValidated, StatusIntentParsed, StatusOutputValidated,
		StatusQuoted, StatusPolicyChecked, StatusNeedsOwnerSignature, StatusBlockedByPolicy,
		StatusRejected, StatusInternalError:
		return true
	}
	return false
}

// PlanRequest 是规划接口的入参。UserMessage 是未经任何处理的自然语言原文，
// 在流水线内始终按不可信内容对待。Parameters 只接受收紧型覆盖项，
// 由策略闸门逐一校验。
type PlanRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	UserMessage string            `json:"user_message"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// StageEvent 记录流水线推进到某阶段的时间点。
type StageEvent struct {
	Stage Status    `json:"stage"`
	At    time.Time `json:"at"`
}

// PolicyLog 是策略闸门结论的留痕摘要。
type PolicyLog struct {
	CheckedAt    time.Time          `json:"checked_at"`
	Decision     policy.Verdict     `json:"decision"`
	Violations   []policy.Violation `json:"violations"`
	RulesVersion int                `json:"rules_version"`
}

// TxPlan 是放行后产出的未签名交易计划。计划本身不含任何签名材料，
// 必须由所有者在带外完成签名与广播。
type TxPlan struct {
	PlanID              string           `json:"plan_id"`
	Status              Status           `json:"status"`
	Summary             string           `json:"summary"`
	QuoteSnapshot       *swap.Quote      `json:"quote_snapshot,omitempty"`
	UnsignedTransaction *swap.UnsignedTx `json:"unsigned_transaction"`
	PolicyLog           *PolicyLog       `json:"policy_log,omitempty"`
}

// ErrorDetail 描述终态为失败时的结构化错误信息。
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PlanResponse 是规划接口的出参。Status 一定是终态；TxPlan 仅在
// NEEDS_OWNER_SIGNATURE 时出现，Policy 仅在策略闸门实际运行过时出现。
type PlanResponse struct {
	RequestID string             `json:"request_id"`
	Status    Status             `json:"status"`
	TxPlan    *TxPlan            `json:"tx_plan,omitempty"`
	Risk      *swap.RiskMetadata `json:"risk,omitempty"`
	Policy    *PolicyLog         `json:"policy,omitempty"`
	Error     *ErrorDetail       `json:"error,omitempty"`
	Trace     []StageEvent       `json:"trace,omitempty"`
}

// PlanRecord 是落库的规划留痕。PlanID 仅在放行时非空，其余终态只有
// RequestID 可供检索。
type PlanRecord struct {
	RequestID string       `json:"request_id"`
	PlanID    string       `json:"plan_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Status    Status       `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	RiskLevel string       `json:"risk_level,omitempty"`
	Response  PlanResponse `json:"response"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}
