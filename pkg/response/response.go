// Package response 通用 HTTP 响应工具
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/merchant/checkout/pkg/errors"
)

// RequestIDFromRequest 从请求头读取 request id
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError 根据业务错误码写入错误响应
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode 使用错误码和文案写入错误响应
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

// WriteErr 写入任意错误，非业务错误统一转为 INTERNAL
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := commonerrors.As(err); ok {
		WriteError(w, r, e)
		return
	}
	WriteErrorCode(w, r, commonerrors.CodeInternal, "")
}
