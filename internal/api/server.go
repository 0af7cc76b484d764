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

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ChainProbe/internal/auth"
	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/report"
	"ChainProbe/internal/task"
	"ChainProbe/pkg/logger"
)

// RunService 是 API 依赖的运行管理能力，由 task.Service 实现。
type RunService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// RequestObserver 记录每个请求的耗时与状态码。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 暴露审计运行的 REST 接口。
type Server struct {
	addr        string
	runs        RunService
	checkpoints checkpoint.Store
	reports     report.Store
	metrics     http.Handler
	observer    RequestObserver
	guard       func(http.Handler) http.Handler
	timeout     time.Duration
	logger      *slog.Logger
	router      *chi.Mux
}

// Option 定制 Server。
type Option func(*Server)

// WithCheckpoints 启用 transcript 接口。
func WithCheckpoints(store checkpoint.Store) Option {
	return func(s *Server) { s.checkpoints = store }
}

// WithReports 启用 report 接口。
func WithReports(store report.Store) Option {
	return func(s *Server) { s.reports = store }
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(handler http.Handler, observer RequestObserver) Option {
	return func(s *Server) {
		s.metrics = handler
		s.observer = observer
	}
}

// WithGuard 为 /api/v1 下的路由挂载认证中间件，例如 auth.Guard.Middleware。
func WithGuard(guard func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.guard = guard }
}

// WithRequestTimeout 设置单个请求的超时时间。
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger 指定访问日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs RunService, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		runs:    runs,
		timeout: 30 * time.Second,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "chainprobe-api")
	})

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1/runs", func(r chi.Router) {
		if s.guard != nil {
			r.Use(s.guard)
		}
		r.Post("/", s.handleSubmitRun)
		r.Get("/", s.handleListRuns)
		r.Get("/stats", s.handleRunStats)
		r.Get("/{id}", s.handleRunDetail)
		r.Get("/{id}/transcript", s.handleTranscript)
		r.Get("/{id}/report", s.handleReport)
	})
	s.router = r
}

// ServeHTTP 实现 http.Handler。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	run, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("run_submitted",
		slog.String("run_id", run.ID),
		slog.String("target", run.Target),
		slog.String("chain", run.Chain),
		slog.String("subject", auth.SubjectName(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type transcriptResponse struct {
	RunID     string            `json:"run_id"`
	Target    string            `json:"target"`
	Status    checkpoint.Status `json:"status"`
	Next      string            `json:"next"`
	Steps     int               `json:"steps"`
	Error     string            `json:"error,omitempty"`
	Messages  any               `json:"messages"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "未配置检查点存储"))
		return
	}
	cp, err := s.checkpoints.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := transcriptResponse{
		RunID:     cp.RunID,
		Target:    cp.Target,
		Status:    cp.Status,
		Next:      cp.Next,
		Steps:     cp.Steps,
		Error:     cp.Error,
		Messages:  []any{},
		UpdatedAt: cp.UpdatedAt,
	}
	if cp.State != nil {
		resp.Messages = cp.State.Messages
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "未配置报告存储"))
		return
	}
	rep, err := s.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rep.Content))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的运行状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("has_report"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_report 必须为布尔值")
		}
		opts = append(opts, task.WithReportPresence(has))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能为 asc 或 desc")
	}
	if raw := strings.TrimSpace(q.Get("chain")); raw != "" {
		opts = append(opts, task.WithChain(raw))
	}
	if raw := strings.TrimSpace(q.Get("target")); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "target 不是合法的合约地址")
		}
		opts = append(opts, task.WithTarget(raw))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Detail()
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
