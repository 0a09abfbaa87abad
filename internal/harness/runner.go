package harness

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"SwapSentinel/internal/artifact"
	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/pkg/logger"
)

// RunRecord 描述一次评测运行的元数据。原始输入永不入档，
// inputs_redacted 恒为真。
type RunRecord struct {
	RunID           string    `json:"run_id"`
	OwnerID         string    `json:"owner_id"`
	CreatedAt       time.Time `json:"created_at"`
	ArenaVisibility string    `json:"arena_visibility"`
	InputsRedacted  bool      `json:"inputs_redacted"`
	SuiteName       string    `json:"suite_name"`
	CaseCount       int       `json:"case_count"`
	Notes           []string  `json:"notes"`
}

// Metrics 是一次运行的三项汇总指标。
type Metrics struct {
	ASR float64 `json:"asr"`
	FP  float64 `json:"fp"`
	TR  float64 `json:"tr"`
}

// Report 是一次运行的完整报告，同时也是 run_summary 制品的负载。
type Report struct {
	Run     RunRecord    `json:"run"`
	Metrics Metrics      `json:"metrics"`
	Results []CaseResult `json:"results"`
}

// Runner 按套件驱动评测器，汇总指标并落一条 run_summary 制品。
type Runner struct {
	store          *artifact.Store
	evaluator      Evaluator
	ownerID        string
	defenseProfile string
	workers        int
	notes          []string
	retentionDays  int
	visibility     string
	now            func() time.Time
}

// Option 调整 Runner 行为。
type Option func(*Runner)

// WithEvaluator 指定评测器，缺省为占位实现。
func WithEvaluator(evaluator Evaluator) Option {
	return func(r *Runner) {
		r.evaluator = evaluator
	}
}

// WithOwnerID 指定运行归属者，缺省 owner-000。
func WithOwnerID(ownerID string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(ownerID) != "" {
			r.ownerID = ownerID
		}
	}
}

// WithDefenseProfile 指定制品上记录的防御档位，缺省 bare。
func WithDefenseProfile(profile string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(profile) != "" {
			r.defenseProfile = profile
		}
	}
}

// WithWorkers 设置用例并发度。结果按用例序号写回各自槽位，指标对执行
// 顺序不敏感，因此并发不改变任何可观测输出。
func WithWorkers(workers int) Option {
	return func(r *Runner) {
		if workers > 0 {
			r.workers = workers
		}
	}
}

// WithNotes 附加运行备注。
func WithNotes(notes ...string) Option {
	return func(r *Runner) {
		r.notes = append(r.notes, notes...)
	}
}

// WithRetention 指定 run_summary 制品的保留天数，非正值用制品默认值。
func WithRetention(days int) Option {
	return func(r *Runner) {
		if days > 0 {
			r.retentionDays = days
		}
	}
}

// WithVisibility 指定运行记录与制品的可见性，缺省 private。
func WithVisibility(visibility string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(visibility) != "" {
			r.visibility = visibility
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner 构造 Runner。未指定评测器时使用占位实现并自动附注说明。
func NewRunner(store *artifact.Store, opts ...Option) *Runner {
	r := &Runner{
		store:          store,
		ownerID:        "owner-000",
		defenseProfile: "bare",
		workers:        1,
		visibility:     "private",
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.evaluator == nil {
		r.evaluator = PlaceholderEvaluator{}
		if len(r.notes) == 0 {
			r.notes = []string{"placeholder evaluator: agent backend not wired"}
		}
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	return r
}

// RunSuite 读取套件文件并执行，套件名取文件名主干。
func (r *Runner) RunSuite(ctx context.Context, suitePath string) (*Report, error) {
	startMS := r.now().UTC().UnixMilli()
	cases, err := LoadSuite(suitePath)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, SuiteName(suitePath), cases, startMS)
}

// RunCases 直接执行一组已解析的用例。
func (r *Runner) RunCases(ctx context.Context, suiteName string, cases []Case) (*Report, error) {
	return r.run(ctx, suiteName, cases, r.now().UTC().UnixMilli())
}

func (r *Runner) run(ctx context.Context, suiteName string, cases []Case, startMS int64) (*Report, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置制品仓库")
	}
	if strings.TrimSpace(suiteName) == "" {
		suiteName = "adhoc"
	}

	notes := append([]string(nil), r.notes...)
	if notes == nil {
		notes = []string{}
	}
	runID := uuid.NewString()
	record := RunRecord{
		RunID:           runID,
		OwnerID:         r.ownerID,
		CreatedAt:       r.now().UTC(),
		ArenaVisibility: r.visibility,
		InputsRedacted:  true,
		SuiteName:       suiteName,
		CaseCount:       len(cases),
		Notes:           notes,
	}

	results := r.executeAll(ctx, cases)
	report := &Report{
		Run: record,
		Metrics: Metrics{
			ASR: ComputeASR(results),
			FP:  ComputeFP(results),
			TR:  ComputeTR(results),
		},
		Results: results,
	}

	endMS := r.now().UTC().UnixMilli()
	payload, err := reportPayload(report)
	if err != nil {
		return nil, err
	}
	summary := artifact.Build(artifact.Draft{
		RunID:          runID,
		Type:           "run_summary",
		Payload:        payload,
		TestcaseID:     "run-summary",
		Suite:          suiteName,
		DefenseProfile: r.defenseProfile,
		Component:      "harness",
		Timing: map[string]int64{
			"t_start_ms": startMS,
			"t_end_ms":   endMS,
		},
		RetentionDays: r.retentionDays,
		Visibility:    r.visibility,
		Now:           r.now,
	})
	if _, err := r.store.Write(summary); err != nil {
		return nil, err
	}

	logger.Audit().Info("评测运行完成",
		slog.String("run_id", runID),
		slog.String("suite", suiteName),
		slog.Int("case_count", len(cases)),
		slog.Float64("asr", report.Metrics.ASR),
		slog.Float64("fp", report.Metrics.FP),
		slog.Float64("tr", report.Metrics.TR),
	)
	return report, nil
}

func (r *Runner) executeAll(ctx context.Context, cases []Case) []CaseResult {
	results := make([]CaseResult, len(cases))
	if len(cases) == 0 {
		return results
	}

	workers := r.workers
	if workers > len(cases) {
		workers = len(cases)
	}
	if workers <= 1 {
		for i, c := range cases {
			results[i] = r.executeCase(ctx, c)
		}
		return results
	}

	var wg sync.WaitGroup
	slots := make(chan struct{}, workers)
	for i, c := range cases {
		wg.Add(1)
		slots <- struct{}{}
		go func(slot int, item Case) {
			defer wg.Done()
			defer func() { <-slots }()
			results[slot] = r.executeCase(ctx, item)
		}(i, c)
	}
	wg.Wait()
	return results
}

func (r *Runner) executeCase(ctx context.Context, c Case) CaseResult {
	started := time.Now()
	outcome := r.evaluator.Evaluate(ctx, c)
	duration := time.Since(started).Seconds()

	status := CaseStatusOK
	if outcome.Observed == ObservedUnexecuted {
		status = CaseStatusSkipped
	}
	return CaseResult{
		CaseID:    c.CaseID,
		Category:  c.Category,
		Expected:  c.Expected,
		Observed:  outcome.Observed,
		DurationS: duration,
		Status:    status,
	}
}

func reportPayload(report *Report) (map[string]any, error) {
	content, err := json.Marshal(report)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternalError, err, "序列化运行报告失败")
	}
	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternalError, err, "运行报告负载转换失败")
	}
	return payload, nil
}
