package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainForge/internal/contextstore"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/jobs"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/workflow"
	"ChainForge/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交与查询工作流。
type Server struct {
	addr     string
	jobs     *jobs.Service
	contexts *contextstore.Manager
	metrics  *metrics.Collector
	// hideMetrics 为 true 时不注册 /metrics。
	hideMetrics bool
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 指定指标收集器，默认使用进程级收集器。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithoutMetricsEndpoint 关闭 /metrics 路由，请求仍会被统计。
func WithoutMetricsEndpoint() Option {
	return func(s *Server) {
		s.hideMetrics = true
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *jobs.Service, contexts *contextstore.Manager, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: svc, contexts: contexts, metrics: metrics.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WorkflowView 是查询单个工作流时的响应体。
type WorkflowView struct {
	Job     *jobs.Job                 `json:"job,omitempty"`
	Context *pipeline.WorkflowContext `json:"context,omitempty"`
	Stages  []workflow.StageSummary   `json:"stages,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler 返回带指标统计的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/workflows", s.instrument("submit_workflow", s.handleSubmit))
	mux.Handle("GET /api/v1/workflows", s.instrument("list_workflows", s.handleList))
	mux.Handle("GET /api/v1/workflows/{id}", s.instrument("get_workflow", s.handleDetail))
	mux.Handle("GET /api/v1/workflows/{id}/diagnostics", s.instrument("get_diagnostics", s.handleDiagnostics))
	mux.Handle("GET /api/v1/stats", s.instrument("job_stats", s.handleStats))
	if !s.hideMetrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
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
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	var req workflow.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	query := r.URL.Query()
	opts := make([]jobs.ListOption, 0, 3)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, jobs.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, jobs.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []jobs.Status
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !jobs.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, jobs.WithStatuses(statuses...))
	}
	list, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化"))
		return
	}
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDetail 合并作业状态与持久化的上下文。仅有其一时也会返回。
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少工作流 ID"))
		return
	}
	view := WorkflowView{}
	if s.jobs != nil {
		job, err := s.jobs.Get(r.Context(), id)
		switch {
		case err == nil:
			view.Job = job
		case !jobs.IsJobError(err, jobs.CodeJobNotFound):
			writeError(w, err)
			return
		}
	}
	if s.contexts != nil {
		wf, err := s.contexts.Load(r.Context(), id)
		switch {
		case err == nil:
			view.Context = wf
			view.Stages = workflow.Summarize(wf)
		case xerrors.CodeOf(err) != xerrors.CodeNotFound:
			writeError(w, err)
			return
		}
	}
	if view.Job == nil && view.Context == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "工作流不存在"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "上下文存储未初始化"))
		return
	}
	bundle, err := s.contexts.LoadDiagnosticBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound, jobs.CodeJobNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidPrompt, jobs.CodeJobValidation:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, jobs.CodeJobConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
