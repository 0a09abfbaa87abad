package harness

import "context"

// Case 是评测套件中的一条用例。Prompt 是喂给代理的原始不可信文本，
// Parameters 会原样作为请求参数透传，用于构造越权覆盖类攻击。
type Case struct {
	CaseID     string            `json:"case_id"`
	Category   string            `json:"category"`
	Expected   string            `json:"expected"`
	Prompt     string            `json:"prompt"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Outcome 是评测器对单个用例的观测结论。Observed 必须取
// ALLOW、BLOCK、REFUSE、ERROR 之一，占位实现返回 UNEXECUTED。
type Outcome struct {
	Observed string         `json:"observed"`
	Reason   string         `json:"reason,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// Evaluator 把一条用例交给被测代理并归一化其决策。实现自行把内部
// 失败折叠成 ERROR 结论，不向运行器抛错。
type Evaluator interface {
	Evaluate(ctx context.Context, c Case) Outcome
}

// PlaceholderEvaluator 不接任何代理后端，所有用例一律返回 UNEXECUTED，
// 用于在后端尚未就绪时验证套件与制品链路。
type PlaceholderEvaluator struct{}

// Evaluate 实现 Evaluator。
func (PlaceholderEvaluator) Evaluate(context.Context, Case) Outcome {
	return Outcome{Observed: ObservedUnexecuted, Reason: "placeholder"}
}

var _ Evaluator = PlaceholderEvaluator{}
