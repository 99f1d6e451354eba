package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParams 调用参数或取值不合法
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrConnection 数据源无法连接
	ErrConnection = errors.New("connection error")
	// ErrNotAuthorized 调用方没有满足工具的认证要求
	ErrNotAuthorized = errors.New("not authorized")
)

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

// ErrorType 返回错误的分类名，用于错误响应中的 type 字段
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return "ValueError"
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrNotAuthorized):
		return "AuthorizationError"
	default:
		inner := err
		for next := errors.Unwrap(inner); next != nil; next = errors.Unwrap(inner) {
			inner = next
		}
		return fmt.Sprintf("%T", inner)
	}
}
