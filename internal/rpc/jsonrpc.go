package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version JSON-RPC 协议版本
const Version = "2.0"

// 标准 JSON-RPC 错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var nullID = json.RawMessage("null")

// Request JSON-RPC 请求，ID 为空表示通知
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error JSON-RPC 错误对象
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError 创建错误
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Response JSON-RPC 响应，Result 和 Error 只会输出其一
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON 成功响应始终带 result 字段，即使结果为 null
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullID
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, id, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{Version, id, result})
}

// NewResult 构造成功响应
func NewResult(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse 构造错误响应
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// ParseRequest 解析一行请求。返回的错误响应可直接写回对端
func ParseRequest(line []byte) (*Request, *Response) {
	var probe any
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, NewErrorResponse(nil, NewError(CodeParseError, "Failed to parse JSON request.", nil))
	}

	var fields map[string]json.RawMessage
	if _, ok := probe.(map[string]any); !ok {
		return nil, NewErrorResponse(nil, invalidRequest())
	}
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, NewErrorResponse(nil, invalidRequest())
	}

	req := &Request{ID: fields["id"]}
	if bytes.Equal(req.ID, nullID) {
		req.ID = nil
	}
	if err := json.Unmarshal(fields["jsonrpc"], &req.JSONRPC); err != nil || req.JSONRPC != Version {
		return nil, NewErrorResponse(req.ID, invalidRequest())
	}
	if err := json.Unmarshal(fields["method"], &req.Method); err != nil || req.Method == "" {
		return nil, NewErrorResponse(req.ID, invalidRequest())
	}
	req.Params = fields["params"]
	return req, nil
}

func invalidRequest() *Error {
	return NewError(CodeInvalidRequest, "Invalid JSON-RPC 2.0 request structure.", nil)
}
