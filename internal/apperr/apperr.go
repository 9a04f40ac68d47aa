package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 是业务错误分类，handler 根据它映射 HTTP 状态码。
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeAlreadyLocked    Code = "ALREADY_LOCKED"
	CodeAlreadyResolved  Code = "ALREADY_RESOLVED"
	CodeConflict         Code = "CONFLICT"
	CodeLimitExceeded    Code = "LIMIT_EXCEEDED"
	CodeValidation       Code = "VALIDATION"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeNetwork          Code = "NETWORK"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternal         Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(msg string) error         { return New(CodeNotFound, msg) }
func PermissionDenied(msg string) error { return New(CodePermissionDenied, msg) }
func Conflict(msg string) error         { return New(CodeConflict, msg) }
func Validation(msg string) error       { return New(CodeValidation, msg) }

// CodeOf 返回错误链上第一个 *Error 的分类，非业务错误一律视为 INTERNAL。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// MessageOf 返回可以直接展示给用户的错误描述。
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// HTTPStatus 把错误分类映射为 HTTP 状态码。
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeAlreadyLocked, CodeAlreadyResolved, CodeConflict, CodeLimitExceeded:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNetwork:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus 是 HTTPStatus 的近似逆映射，供 API 客户端还原服务端错误。
func FromStatus(status int, code Code, message string) error {
	if code == "" {
		switch {
		case status == http.StatusNotFound:
			code = CodeNotFound
		case status == http.StatusForbidden:
			code = CodePermissionDenied
		case status == http.StatusConflict:
			code = CodeConflict
		case status == http.StatusBadRequest:
			code = CodeValidation
		case status == http.StatusUnauthorized:
			code = CodeUnauthenticated
		case status == http.StatusGatewayTimeout:
			code = CodeTimeout
		case status >= 500:
			code = CodeInternal
		default:
			code = CodeUnknown
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return New(code, message)
}
