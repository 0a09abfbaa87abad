package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"SwapSentinel/internal/agent"
	"SwapSentinel/internal/auth"
	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/evalrun"
	"SwapSentinel/internal/observability/metrics"
	"SwapSentinel/pkg/logger"
)

// Server 负责暴露 REST 接口，对外提供规划流水线与评测运行能力。
type Server struct {
	addr    string
	planner *agent.Orchestrator
	plans   agent.PlanStore
	runs    *evalrun.Service
	auth    *auth.Service
	log     *slog.Logger
}

// Option 配置 Server 的可选依赖。
type Option func(*Server)

// WithPlanStore 启用留痕查询接口。
func WithPlanStore(store agent.PlanStore) Option {
	return func(s *Server) {
		s.plans = store
	}
}

// WithRunService 启用评测运行接口。
func WithRunService(svc *evalrun.Service) Option {
	return func(s *Server) {
		s.runs = svc
	}
}

// WithAuthService 启用 API 密钥认证与权限校验。
func WithAuthService(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, planner *agent.Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, planner: planner}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	return s
}

// Handler 构建完整路由。独立暴露主要是为了方便测试。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.register(mux, "/v0/agent/plan", "agent_plan",
		map[string][]string{http.MethodPost: {"plan:write"}}, s.handlePlan)
	s.register(mux, "/v0/plans", "plans",
		map[string][]string{http.MethodGet: {"plans:read"}}, s.handleListPlans)
	s.register(mux, "/v0/plans/", "plan_detail",
		map[string][]string{http.MethodGet: {"plans:read"}}, s.handleGetPlan)
	s.register(mux, "/v0/harness/runs", "harness_runs",
		map[string][]string{
			http.MethodPost: {"harness:write"},
			http.MethodGet:  {"harness:read"},
		}, s.handleRuns)
	s.register(mux, "/v0/harness/runs/", "harness_run_detail",
		map[string][]string{http.MethodGet: {"harness:read"}}, s.handleGetRun)
	s.register(mux, "/v0/harness/stats", "harness_stats",
		map[string][]string{http.MethodGet: {"harness:read"}}, s.handleRunStats)

	mux.Handle("/metrics", s.instrument("metrics",
		s.wrapAuth("metrics", map[string][]string{http.MethodGet: {"metrics:read"}}, metrics.Handler())))

	// 健康检查不做鉴权，存活探针需要无条件可达。
	mux.Handle("/v0/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) register(mux *http.ServeMux, pattern, name string, perms map[string][]string, handler http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, s.wrapAuth(name, perms, handler)))
}

func (s *Server) wrapAuth(event string, perms map[string][]string, next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          event,
	})(next)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}

	authMode := "disabled"
	if s.auth != nil {
		authMode = string(s.auth.Mode())
	}
	body := map[string]any{
		"status": "ok",
		"components": map[string]any{
			"planner":    s.planner != nil,
			"plan_store": s.plans != nil,
			"eval_runs":  s.runs != nil,
			"auth":       authMode,
		},
	}
	status := http.StatusOK
	if s.planner == nil {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: string(code), Message: message}})
}

// errorText 提取对外可见的错误文案，统一错误的展示口径。
func errorText(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
