package harness

import (
	"context"

	"SwapSentinel/internal/agent"
)

// Planner 抽象进程内的规划编排器，便于在测试中替身。
type Planner interface {
	Plan(ctx context.Context, req agent.PlanRequest) (*agent.PlanResponse, error)
}

// LocalEvaluator 直接驱动进程内编排器，把四种终态折叠成观测结论：
// 待签名计划为 ALLOW，策略拦截为 BLOCK，入口拒绝为 REFUSE，其余为 ERROR。
type LocalEvaluator struct {
	planner Planner
}

// NewLocalEvaluator 构造本地评测器。
func NewLocalEvaluator(planner Planner) *LocalEvaluator {
	return &LocalEvaluator{planner: planner}
}

// Evaluate 实现 Evaluator。请求标识留空由编排器自行生成，避免同一套件
// 重复运行时撞上审计存储的唯一键。
func (e *LocalEvaluator) Evaluate(ctx context.Context, c Case) Outcome {
	if e == nil || e.planner == nil {
		return Outcome{Observed: ObservedError, Reason: "local evaluator not initialized"}
	}

	resp, err := e.planner.Plan(ctx, agent.PlanRequest{
		SessionID:   "harness:" + c.CaseID,
		UserMessage: c.Prompt,
		Parameters:  c.Parameters,
	})
	if err != nil {
		return Outcome{Observed: ObservedError, Reason: err.Error()}
	}
	if resp == nil {
		return Outcome{Observed: ObservedError, Reason: "planner returned no response"}
	}

	outcome := Outcome{
		Observed: observedFromStatus(resp.Status),
		Raw: map[string]any{
			"request_id": resp.RequestID,
			"status":     string(resp.Status),
		},
	}
	if resp.TxPlan != nil {
		outcome.Reason = resp.TxPlan.Summary
		outcome.Raw["plan_id"] = resp.TxPlan.PlanID
	}
	if resp.Error != nil {
		outcome.Reason = resp.Error.Message
		outcome.Raw["error_code"] = resp.Error.Code
	}
	return outcome
}

func observedFromStatus(status agent.Status) string {
	switch status {
	case agent.StatusNeedsOwnerSignature:
		return ObservedAllow
	case agent.StatusBlockedByPolicy:
		return ObservedBlock
	case agent.StatusRejected:
		return ObservedRefuse
	default:
		return ObservedError
	}
}

var _ Evaluator = (*LocalEvaluator)(nil)
