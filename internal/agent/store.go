package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "SwapSentinel/internal/errors"
)

// 存储层共享的哨兵错误。
var (
	ErrPlanNotFound = xerrors.New(xerrors.CodeNotFound, "plan record not found")
	ErrPlanConflict = xerrors.New(xerrors.CodeConflict, "plan record already exists")
)

// ListOptions 控制规划记录的查询方式。
type ListOptions struct {
	Limit     int
	Statuses  []Status
	SessionID string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.Statuses = normalizeStatuses(opts.Statuses)
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// PlanStats 汇总留痕记录的终态分布。
type PlanStats struct {
	Total           int   `json:"total"`
	NeedsSignature  int   `json:"needs_owner_signature"`
	Blocked         int   `json:"blocked_by_policy"`
	Rejected        int   `json:"rejected"`
	InternalErrors  int   `json:"internal_errors"`
	OldestCreatedAt int64 `json:"oldest_created_at,omitempty"`
	NewestCreatedAt int64 `json:"newest_created_at,omitempty"`
}

// PlanStore 抽象规划留痕的持久化接口。
type PlanStore interface {
	Save(ctx context.Context, record *PlanRecord) error
	GetByPlanID(ctx context.Context, planID string) (*PlanRecord, error)
	GetByRequestID(ctx context.Context, requestID string) (*PlanRecord, error)
	List(ctx context.Context, opts ListOptions) ([]*PlanRecord, error)
	Stats(ctx context.Context) (PlanStats, error)
	Close() error
}

// MemoryPlanStore 以内存方式保存规划留痕，主要用于测试与单机部署。
type MemoryPlanStore struct {
	mu       sync.RWMutex
	records  map[string]*PlanRecord
	byPlanID map[string]string
}

// NewMemoryPlanStore 创建 MemoryPlanStore。
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{
		records:  make(map[string]*PlanRecord),
		byPlanID: make(map[string]string),
	}
}

// Save 实现 PlanStore 接口。同一 RequestID 不允许写入两次。
func (m *MemoryPlanStore) Save(_ context.Context, record *PlanRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.RequestID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.RequestID]; ok {
		return ErrPlanConflict
	}
	clone := clonePlanRecord(record)
	m.records[record.RequestID] = clone
	if clone.PlanID != "" {
		m.byPlanID[clone.PlanID] = clone.RequestID
	}
	return nil
}

// GetByPlanID 按计划 ID 返回留痕。
func (m *MemoryPlanStore) GetByPlanID(_ context.Context, planID string) (*PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	requestID, ok := m.byPlanID[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlanRecord(record), nil
}

// GetByRequestID 按请求 ID 返回留痕。
func (m *MemoryPlanStore) GetByRequestID(_ context.Context, requestID string) (*PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlanRecord(record), nil
}

// List 返回最近的留痕记录，按创建时间倒序。
func (m *MemoryPlanStore) List(_ context.Context, opts ListOptions) ([]*PlanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*PlanRecord, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, clonePlanRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].RequestID < results[j].RequestID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计留痕记录的终态分布。
func (m *MemoryPlanStore) Stats(_ context.Context) (PlanStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PlanStats{}
	for _, record := range m.records {
		stats.Total++
		switch record.Status {
		case StatusNeedsOwnerSignature:
			stats.NeedsSignature++
		case StatusBlockedByPolicy:
			stats.Blocked++
		case StatusRejected:
			stats.Rejected++
		case StatusInternalError:
			stats.InternalErrors++
		}
		if record.CreatedAt > stats.NewestCreatedAt {
			stats.NewestCreatedAt = record.CreatedAt
		}
		if stats.OldestCreatedAt == 0 || (record.CreatedAt != 0 && record.CreatedAt < stats.OldestCreatedAt) {
			stats.OldestCreatedAt = record.CreatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestCreatedAt = 0
		stats.NewestCreatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryPlanStore) Close() error {
	return nil
}

func matchesListFilters(record *PlanRecord, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionID != "" && record.SessionID != opts.SessionID {
		return false
	}
	return true
}

func clonePlanRecord(record *PlanRecord) *PlanRecord {
	clone := *record
	clone.Response = clonePlanResponse(record.Response)
	return &clone
}

func clonePlanResponse(resp PlanResponse) PlanResponse {
	clone := resp
	if resp.TxPlan != nil {
		planCopy := *resp.TxPlan
		if resp.TxPlan.QuoteSnapshot != nil {
			quoteCopy := *resp.TxPlan.QuoteSnapshot
			planCopy.QuoteSnapshot = &quoteCopy
		}
		if resp.TxPlan.UnsignedTransaction != nil {
			txCopy := *resp.TxPlan.UnsignedTransaction
			planCopy.UnsignedTransaction = &txCopy
		}
		if resp.TxPlan.PolicyLog != nil {
			logCopy := clonePolicyLog(*resp.TxPlan.PolicyLog)
			planCopy.PolicyLog = &logCopy
		}
		clone.TxPlan = &planCopy
	}
	if resp.Risk != nil {
		riskCopy := *resp.Risk
		riskCopy.UntrustedFlags = append([]string(nil), resp.Risk.UntrustedFlags...)
		clone.Risk = &riskCopy
	}
	if resp.Policy != nil {
		logCopy := clonePolicyLog(*resp.Policy)
		clone.Policy = &logCopy
	}
	if resp.Error != nil {
		errCopy := *resp.Error
		clone.Error = &errCopy
	}
	clone.Trace = append([]StageEvent(nil), resp.Trace...)
	return clone
}

func clonePolicyLog(log PolicyLog) PolicyLog {
	clone := log
	clone.Violations = append(clone.Violations[:0:0], log.Violations...)
	return clone
}

// ensure interface compliance at compile time
var _ PlanStore = (*MemoryPlanStore)(nil)
