package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/manager"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/models"

	"github.com/gorilla/mux"
)

// Store 工具注册表存储
type Store interface {
	UpsertTool(ctx context.Context, req *models.ToolRegistrationRequest) (*models.RegisteredTool, bool, error)
	ListTools(ctx context.Context, microserviceID string, skip, limit int) ([]models.RegisteredTool, error)
	GetTool(ctx context.Context, id int64) (*models.RegisteredTool, error)
	LookupTool(ctx context.Context, microserviceID, toolName string) (*models.RegisteredTool, error)
	DeleteTool(ctx context.Context, id int64) error
	Heartbeat(ctx context.Context, microserviceID, toolName string) (*models.RegisteredTool, error)
	Ping(ctx context.Context) error
}

// RemoteInvoker 通过 MCP 会话调用微服务中的工具
type RemoteInvoker interface {
	manager.RemoteToolCaller
	GetSessionStats() map[string]any
}

// Server Hub HTTP 服务
type Server struct {
	store  Store
	auth   *auth.AuthMiddleware
	remote RemoteInvoker
	router *mux.Router
}

// NewServer 创建 Hub 并注册路由。remote 为空时不提供调用接口
func NewServer(store Store, authMiddleware *auth.AuthMiddleware, remote RemoteInvoker) *Server {
	if authMiddleware == nil {
		authMiddleware = auth.NewAuthMiddleware(nil)
	}
	s := &Server{
		store:  store,
		auth:   authMiddleware,
		remote: remote,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(instrument)

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/auth/info", s.handleAuthInfo).Methods(http.MethodGet)
	s.router.Handle("/admin/sessions", s.auth.Middleware(http.HandlerFunc(s.handleSessions))).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/tools", s.protect(s.handleRegister)).Methods(http.MethodPost)
	api.HandleFunc("/tools", s.handleList).Methods(http.MethodGet)
	// lookup 需在 {tool_id} 之前注册
	api.HandleFunc("/tools/lookup", s.handleLookup).Methods(http.MethodGet)
	api.HandleFunc("/tools/{tool_id:[0-9]+}", s.handleGet).Methods(http.MethodGet)
	api.Handle("/tools/{tool_id:[0-9]+}", s.protect(s.handleDelete)).Methods(http.MethodDelete)
	api.Handle("/tools/{tool_id:[0-9]+}/invoke", s.protect(s.handleInvoke)).Methods(http.MethodPost)
	api.Handle("/tools/heartbeat/{microservice_id}/{tool_name}", s.protect(s.handleHeartbeat)).Methods(http.MethodPost)
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(h)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the MCP Hub!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthInfo(w http.ResponseWriter, _ *http.Request) {
	info := map[string]any{"enabled": s.auth.IsEnabled()}
	if s.auth.IsEnabled() {
		info["header"] = s.auth.GetHeaderName()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.remote == nil {
		writeJSON(w, http.StatusOK, map[string]any{"total_sessions": 0, "session_details": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, s.remote.GetSessionStats())
}

// statusRecorder 记录响应码用于指标
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		labels := []metrics.Label{
			metrics.L("route", route),
			metrics.L("method", r.Method),
			metrics.L("status", strconv.Itoa(rec.status)),
		}
		metrics.IncrCounter([]string{"hub", "requests"}, labels...)
		metrics.MeasureSince([]string{"hub", "requests", "latency"}, start, labels...)
		logger.Debug("hub request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// writeError 错误响应体为 {"detail": ...}
func writeError(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
