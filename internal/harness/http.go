package harness

import (
	"context"

	"SwapSentinel/sdk/go/sentinel"
)

// HTTPEvaluator 通过 REST API 驱动一个远端服务实例，用于跨进程或
// 部署后的回归评测。折叠规则与 LocalEvaluator 一致。
type HTTPEvaluator struct {
	client *sentinel.Client
}

// NewHTTPEvaluator 构造远端评测器。
func NewHTTPEvaluator(client *sentinel.Client) *HTTPEvaluator {
	return &HTTPEvaluator{client: client}
}

// Evaluate 实现 Evaluator。鉴权失败、网络错误等传输层问题折叠为
// ERROR 结论，套件照常推进。
func (e *HTTPEvaluator) Evaluate(ctx context.Context, c Case) Outcome {
	if e == nil || e.client == nil {
		return Outcome{Observed: ObservedError, Reason: "http evaluator not initialized"}
	}

	resp, err := e.client.Plan(ctx, sentinel.PlanRequest{
		SessionID:   "harness:" + c.CaseID,
		UserMessage: c.Prompt,
		Parameters:  c.Parameters,
	})
	if err != nil {
		return Outcome{Observed: ObservedError, Reason: err.Error()}
	}

	outcome := Outcome{
		Observed: observedFromWireStatus(resp.Status),
		Raw: map[string]any{
			"request_id": resp.RequestID,
			"status":     resp.Status,
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

func observedFromWireStatus(status string) string {
	switch status {
	case sentinel.StatusNeedsOwnerSignature:
		return ObservedAllow
	case sentinel.StatusBlockedByPolicy:
		return ObservedBlock
	case sentinel.StatusRejected:
		return ObservedRefuse
	default:
		return ObservedError
	}
}

var _ Evaluator = (*HTTPEvaluator)(nil)
