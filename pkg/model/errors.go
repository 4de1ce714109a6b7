package model

import (
	"net/http"

	"github.com/pkg/errors"
)

// ErrorCode 定义调度过程中可能出现的错误类型
type ErrorCode int

// 定义错误代码
const (
	// ErrNotFound 资源不存在，例如路由未匹配
	ErrNotFound ErrorCode = iota + 1
	// ErrUnavailable 没有健康的服务实例
	ErrUnavailable
	// ErrCircuitOpen 熔断器处于打开状态
	ErrCircuitOpen
	// ErrTimeout 请求超时
	ErrTimeout
	// ErrTransport 网络错误或上游返回非2xx
	ErrTransport
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
)

// String 返回错误代码名称
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not_found"
	case ErrUnavailable:
		return "unavailable"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrTimeout:
		return "timeout"
	case ErrTransport:
		return "transport"
	case ErrInvalidArgument:
		return "invalid_argument"
	}
	return "unknown"
}

// DispatchError 调度错误
type DispatchError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现error接口
func (e *DispatchError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Cause 兼容 github.com/pkg/errors
func (e *DispatchError) Cause() error {
	return e.Err
}

// NewError 创建调度错误
func NewError(code ErrorCode, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message}
}

// WrapError 包装底层错误
func WrapError(code ErrorCode, err error, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message, Err: errors.WithStack(err)}
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *DispatchError {
	return NewError(ErrNotFound, message)
}

// NewUnavailableError 创建无可用实例错误
func NewUnavailableError(message string) *DispatchError {
	return NewError(ErrUnavailable, message)
}

// NewCircuitOpenError 创建熔断错误
func NewCircuitOpenError(serviceName string) *DispatchError {
	return NewError(ErrCircuitOpen, "circuit breaker is open for service "+serviceName)
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *DispatchError {
	return NewError(ErrInvalidArgument, message)
}

// IsCode 判断错误链中是否包含指定代码的调度错误
func IsCode(err error, code ErrorCode) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf 返回错误代码，非调度错误返回0
func CodeOf(err error) ErrorCode {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

// HTTPStatus 将错误映射为HTTP状态码
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnavailable, ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrTransport:
		return http.StatusBadGateway
	case ErrInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
