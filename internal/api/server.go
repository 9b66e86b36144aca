package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"CivicNotice/internal/auth"
	"CivicNotice/internal/notice"
	"CivicNotice/internal/observability/metrics"
	"CivicNotice/internal/task"
	"CivicNotice/pkg/logger"
)

const (
	welcomeMessage = "Welcome to the CivicNotice API! This service helps you create professional Indian government public notices using AI agents."
	docsPath       = "/docs"
	maxBodyBytes   = 1 << 20
)

// Generator 是同步接口所需的公告生成能力，*agent.Pipeline 满足该接口。
type Generator interface {
	Generate(ctx context.Context, req notice.Request) (string, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	generator       Generator
	tasks           *task.Service
	auth            *auth.Service
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	allowedOrigins  []string
	log             *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTaskService 启用异步公告任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithAuth 为异步任务接口启用 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithReadTimeout 设置读取请求的超时时间。
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.readTimeout = timeout
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// WithAllowedOrigins 设置 CORS 允许的来源，"*" 表示任意来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = append([]string(nil), origins...)
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, generator Generator, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		generator:       generator,
		readTimeout:     30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		allowedOrigins:  []string{"*"},
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带有 CORS 与指标埋点的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, name string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(name, fn))
	}
	protected := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.JobAPIPermissions()})
	handleJobs := func(pattern, name string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(name, protected(fn)))
	}

	handle("GET /{$}", "root", s.handleRoot)
	handle("POST /generate_notice", "generate_notice", s.handleGenerateNotice)
	handle("POST /generate_notice/{$}", "generate_notice", s.handleGenerateNotice)
	handleJobs("POST /api/v1/notices", "notices_submit", s.handleSubmitNotice)
	handleJobs("GET /api/v1/notices", "notices_list", s.handleListNotices)
	handleJobs("GET /api/v1/notices/stats", "notices_stats", s.handleNoticeStats)
	handleJobs("GET /api/v1/notices/{id}", "notices_detail", s.handleNoticeDetail)
	handle("GET /healthz", "healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.withCORS(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": welcomeMessage,
		"docs":    docsPath,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCORS 为浏览器前端放行跨域请求，预检请求直接返回 204。
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
