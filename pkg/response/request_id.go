package response

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/merchant/checkout/pkg/logger"
)

// RequestIDMiddleware 确保每个请求都有 request id 并写入 context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromRequest(r)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r.Header.Set("X-Request-ID", reqID)
		w.Header().Set("X-Request-ID", reqID)
		r = r.WithContext(logger.ContextWithRequestID(r.Context(), reqID))
		next.ServeHTTP(w, r)
	})
}
