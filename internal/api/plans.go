package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"SwapSentinel/internal/agent"
	xerrors "SwapSentinel/internal/errors"
)

// handlePlan 驱动一次完整的规划流水线。流水线的业务终态以对应的
// HTTP 状态码返回，但响应体始终是完整的 PlanResponse。
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.planner == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "规划流水线未初始化")
		return
	}

	var req agent.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	resp, err := s.planner.Plan(r.Context(), req)
	if err != nil {
		code := xerrors.CodeOf(err)
		status := http.StatusInternalServerError
		switch code {
		case xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case xerrors.CodeInitializationFailure:
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, code, errorText(err))
		return
	}

	writeJSON(w, statusForPlan(resp), resp)
}

// statusForPlan 将流水线终态映射为 HTTP 状态码。
func statusForPlan(resp *agent.PlanResponse) int {
	switch resp.Status {
	case agent.StatusNeedsOwnerSignature:
		return http.StatusOK
	case agent.StatusRejected:
		return http.StatusBadRequest
	case agent.StatusBlockedByPolicy:
		return http.StatusForbidden
	case agent.StatusInternalError:
		if resp.Error != nil {
			switch xerrors.Code(resp.Error.Code) {
			case xerrors.CodeOutputContractViolation:
				return http.StatusUnprocessableEntity
			case xerrors.CodeToolFailure:
				return http.StatusBadGateway
			case xerrors.CodePolicyUnavailable:
				return http.StatusServiceUnavailable
			}
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// handleGetPlan 按计划 ID 或请求 ID 返回单条留痕。
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.plans == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "留痕存储未启用")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v0/plans/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "计划不存在")
		return
	}

	ctx := r.Context()
	record, err := s.plans.GetByPlanID(ctx, id)
	if errors.Is(err, agent.ErrPlanNotFound) {
		record, err = s.plans.GetByRequestID(ctx, id)
	}
	if err != nil {
		if errors.Is(err, agent.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "计划不存在")
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.CodeStorageFailure, "查询留痕失败")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleListPlans 返回最近的留痕记录。
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.plans == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "留痕存储未启用")
		return
	}

	opts := agent.ListOptions{SessionID: r.URL.Query().Get("session_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	for _, status := range splitQueryValues(r.URL.Query()["status"]) {
		opts.Statuses = append(opts.Statuses, agent.Status(strings.ToUpper(status)))
	}

	records, err := s.plans.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeStorageFailure, "查询留痕列表失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": records,
		"count": len(records),
	})
}

// splitQueryValues 展开可重复且可逗号分隔的查询参数。
func splitQueryValues(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			result = append(result, part)
		}
	}
	return result
}
