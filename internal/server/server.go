package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"McpToolbox/internal/auth"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/manager"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/tools"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// ToolProvider 工具箱运行时
type ToolProvider interface {
	manager.ToolsetProvider
	Tool(name string) (tools.Tool, bool)
}

// Server 工具箱 HTTP API
type Server struct {
	provider ToolProvider
	version  string
	router   *mux.Router
}

// ToolsetResponse 工具集清单
type ToolsetResponse struct {
	ServerVersion string                    `json:"serverVersion" yaml:"serverVersion"`
	Tools         map[string]tools.Manifest `json:"tools" yaml:"tools"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewServer 创建 HTTP API，/mcp 由 MCP 管理器提供
func NewServer(provider ToolProvider, version string) *Server {
	s := &Server{
		provider: provider,
		version:  version,
		router:   mux.NewRouter(),
	}
	mcpManager := manager.NewMCPServerManager(provider, version)

	s.router.Use(instrument)
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.PathPrefix("/mcp").Handler(mcpManager.HTTPHandler())

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/toolset", s.handleToolset).Methods(http.MethodGet)
	api.HandleFunc("/toolset/", s.handleToolset).Methods(http.MethodGet)
	api.HandleFunc("/toolset/{name}", s.handleToolset).Methods(http.MethodGet)
	api.HandleFunc("/tool/{name}", s.handleTool).Methods(http.MethodGet)
	api.HandleFunc("/tool/{name}/invoke", s.handleInvoke).Methods(http.MethodPost)
	return s
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "🧰 Hello, World! 🧰")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	all, _ := s.provider.Toolset("")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": len(all)})
}

func (s *Server) handleToolset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	list, err := s.provider.Toolset(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	resp := ToolsetResponse{ServerVersion: s.version, Tools: make(map[string]tools.Manifest, len(list))}
	for _, tool := range list {
		resp.Tools[tool.Name()] = tool.Manifest()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tool, ok := s.provider.Tool(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid tool name: tool with name %q does not exist", name))
		return
	}
	writeJSON(w, http.StatusOK, ToolsetResponse{
		ServerVersion: s.version,
		Tools:         map[string]tools.Manifest{name: tool.Manifest()},
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tool, ok := s.provider.Tool(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid tool name: tool with name %q does not exist", name))
		return
	}

	verified := auth.VerifiedServices(r.Header, s.provider.AuthServices())
	if !tool.IsAuthorized(verified) {
		logger.Warn("tool invocation not authorized", "tool", name, "required", tool.AuthRequired())
		writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: tool %q requires one of %v", tools.ErrNotAuthorized, name, tool.AuthRequired()))
		return
	}

	params := map[string]any{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	if len(body) > 0 {
		decoded, err := tools.DecodeParams(bytes.NewReader(body))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("request body must be a JSON object: %w", err))
			return
		}
		if decoded != nil {
			params = decoded
		}
	}

	result, err := tool.Invoke(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, tools.ErrInvalidParams):
			status = http.StatusBadRequest
		case errors.Is(err, tools.ErrNotAuthorized):
			status = http.StatusUnauthorized
		}
		logger.Warn("tool invocation failed", "tool", name, "status", status, "error", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush 流式 MCP 响应需要
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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
		metrics.IncrCounter([]string{"toolbox", "http", "requests"}, labels...)
		metrics.MeasureSince([]string{"toolbox", "http", "latency"}, start, labels...)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// writeError 错误响应体为 {"status": ..., "error": ...}
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Status: http.StatusText(status), Error: err.Error()})
}
