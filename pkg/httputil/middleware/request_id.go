package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/livemq/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID stores a request id in the context and echoes it in the response
// header. A valid UUID in the incoming X-Request-Id header is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if !ok || reqID == "" {
			if id, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
				reqID = id.String()
			} else {
				reqID = uuid.New().String()
			}
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
