package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"McpToolbox/internal/logger"
)

const maxLineSize = 16 * 1024 * 1024

// Handler 处理单个方法调用。返回 *Error 时原样写回，其他错误按内部错误处理
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Handle 调用 f
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// Server 按行读取请求、按行写出响应的 JSON-RPC 服务
type Server struct {
	handler Handler
	in      io.Reader
	out     io.Writer
	mu      sync.Mutex
}

// NewServer 创建服务
func NewServer(handler Handler, in io.Reader, out io.Writer) *Server {
	return &Server{handler: handler, in: in, out: out}
}

// Serve 处理请求直到输入结束或 ctx 取消。输入结束时返回 nil
func (s *Server) Serve(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-readCtx.Done():
				readErr <- nil
				return
			}
		}
		readErr <- scanner.Err()
	}()

	logger.Info("jsonrpc server listening on stdio")
	for {
		select {
		case <-ctx.Done():
			logger.Info("jsonrpc server stopping", "reason", ctx.Err())
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
				logger.Info("jsonrpc input closed")
				return nil
			}
			if resp := s.HandleLine(ctx, line); resp != nil {
				if err := s.write(resp); err != nil {
					return err
				}
			}
		}
	}
}

// HandleLine 处理一行请求并返回响应
func (s *Server) HandleLine(ctx context.Context, line []byte) *Response {
	req, errResp := ParseRequest(line)
	if errResp != nil {
		logger.Warn("rejected jsonrpc request", "code", errResp.Error.Code, "message", errResp.Error.Message)
		return errResp
	}

	logger.Debug("jsonrpc request", "method", req.Method, "id", string(req.ID))
	result, err := s.handler.Handle(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(CodeInternalError, err.Error(), nil)
		}
		return NewErrorResponse(req.ID, rpcErr)
	}

	resp, err := NewResult(req.ID, result)
	if err != nil {
		logger.Error("failed to encode jsonrpc result", "method", req.Method, "error", err)
		return NewErrorResponse(req.ID, NewError(CodeInternalError, err.Error(), nil))
	}
	return resp
}

func (s *Server) write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
