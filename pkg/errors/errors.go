// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"

	// 结账校验
	CodeConsentRequired Code = "CONSENT_REQUIRED"
	CodeConsentExpired  Code = "CONSENT_EXPIRED"
	CodeInvalidItem     Code = "INVALID_ITEM"
	CodeMinOrderAmount  Code = "MIN_ORDER_AMOUNT"

	// 支付与库存
	CodeProviderLimitExceeded Code = "PROVIDER_LIMIT_EXCEEDED"
	CodeUnsupportedMethod     Code = "UNSUPPORTED_PAYMENT_METHOD"
	CodePaymentFailed         Code = "PAYMENT_FAILED"
	CodeRefundFailed          Code = "REFUND_FAILED"
	CodeInventoryUnavailable  Code = "INVENTORY_UNAVAILABLE"

	// 交易与补偿
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeCompensationFailed  Code = "COMPENSATION_FAILED"
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

// NewWithDefault 创建错误，message 为空时使用错误码默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
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

// As 从错误链中取出业务错误
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodePaymentFailed, CodeRefundFailed, CodeCompensationFailed:
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
	case CodeInvalidParam, CodeInvalidRequest, CodeConsentRequired, CodeConsentExpired,
		CodeInvalidItem, CodeMinOrderAmount, CodeUnsupportedMethod:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound, CodeTransactionNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeProviderLimitExceeded:
		return http.StatusUnprocessableEntity
	case CodePaymentFailed, CodeRefundFailed, CodeInventoryUnavailable:
		return http.StatusBadGateway
	case CodeInternal, CodeUnknown, CodeCompensationFailed:
		return http.StatusInternalServerError
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func defaultMessage(code Code) string {
	switch code {
	case CodeInvalidParam:
		return "invalid parameter"
	case CodeNotFound:
		return "not found"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeUnavailable:
		return "service unavailable"
	case CodeTimeout:
		return "timeout"
	default:
		return "internal server error"
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
)
