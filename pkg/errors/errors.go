// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 事务生命周期 (2xxx)
	CodeTxNotFound     Code = "TX_NOT_FOUND"
	CodeInvalidState   Code = "TX_INVALID_STATE"
	CodeTxLimitReached Code = "TX_LIMIT_REACHED"
	CodeTxAborted      Code = "TX_ABORTED"
	CodeTxInDoubt      Code = "TX_IN_DOUBT"

	// 参与者 (3xxx)
	CodeResourceNotFound    Code = "RESOURCE_NOT_FOUND"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodeDuplicateResource   Code = "DUPLICATE_RESOURCE"
	CodePrepareTimeout      Code = "PREPARE_TIMEOUT"

	// 恢复 (4xxx)
	CodeRecoveryAmbiguity Code = "RECOVERY_AMBIGUITY"

	// 系统 (9xxx)
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault creates an error, falling back to a generic message when empty.
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf returns the code carried by err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable,
		CodeResourceUnavailable, CodeTxLimitReached:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound, CodeTxNotFound, CodeResourceNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeDuplicateResource, CodeTxAborted, CodeTxInDoubt:
		return http.StatusConflict
	case CodeTxLimitReached, CodeSystemBusy:
		return http.StatusTooManyRequests
	case CodeInternal, CodeUnknown, CodeRecoveryAmbiguity:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeResourceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodePrepareTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam      = New(CodeInvalidParam, "invalid parameter")
	ErrTxNotFound        = New(CodeTxNotFound, "transaction not found")
	ErrInvalidState      = New(CodeInvalidState, "transaction is not in a valid state for this operation")
	ErrTxLimitReached    = New(CodeTxLimitReached, "too many concurrent transactions")
	ErrResourceNotFound  = New(CodeResourceNotFound, "resource manager not registered")
	ErrDuplicateResource = New(CodeDuplicateResource, "resource already enlisted")
	ErrSystemBusy        = New(CodeSystemBusy, "system busy, please retry")
)
