package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/evalrun"
)

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

// handleSubmitRun 受理一次异步评测运行。受理成功返回 202 与排队中的
// 运行记录，实际执行由队列处理器完成。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "评测运行未启用")
		return
	}

	var req evalrun.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	run, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		code := xerrors.CodeOf(err)
		status := http.StatusInternalServerError
		switch code {
		case evalrun.CodeRunValidation, xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case evalrun.CodeRunPublish, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, code, errorText(err))
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "评测运行未启用")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v0/harness/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, evalrun.CodeRunNotFound, "评测运行不存在")
		return
	}

	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, evalrun.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, evalrun.CodeRunNotFound, "评测运行不存在")
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.CodeStorageFailure, "查询评测运行失败")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "评测运行未启用")
		return
	}

	runs, err := s.runs.List(r.Context(), parseRunListOptions(r)...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeStorageFailure, "查询评测运行列表失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "评测运行未启用")
		return
	}

	stats, err := s.runs.Stats(r.Context(), parseRunListOptions(r)...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeStorageFailure, "查询评测统计失败")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseRunListOptions 将查询参数翻译为列表过滤选项，非法取值一律忽略。
func parseRunListOptions(r *http.Request) []evalrun.ListOption {
	query := r.URL.Query()
	var opts []evalrun.ListOption

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, evalrun.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, evalrun.WithOffset(parsed))
		}
	}
	if statuses := splitQueryValues(query["status"]); len(statuses) > 0 {
		converted := make([]evalrun.Status, 0, len(statuses))
		for _, status := range statuses {
			converted = append(converted, evalrun.Status(strings.ToUpper(status)))
		}
		opts = append(opts, evalrun.WithStatuses(converted...))
	}
	if suite := query.Get("suite"); suite != "" {
		opts = append(opts, evalrun.WithSuite(suite))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, evalrun.WithQuery(q))
	}
	if raw := query.Get("has_summary"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, evalrun.WithSummaryPresence(parsed))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, evalrun.WithSortOrder(evalrun.SortByUpdatedAsc))
	}
	if raw := query.Get("updated_since"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			opts = append(opts, evalrun.WithUpdatedSince(time.Unix(parsed, 0)))
		}
	}
	if raw := query.Get("updated_until"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			opts = append(opts, evalrun.WithUpdatedUntil(time.Unix(parsed, 0)))
		}
	}
	return opts
}
