package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader 携带请求标识，客户端提供时沿用，否则生成。
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// CORSPolicy 描述附加到每个响应上的跨域头。
type CORSPolicy struct {
	AllowOrigin  string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int // seconds, only sent on preflight
}

// DefaultCORSPolicy 允许任意来源，GET/POST/OPTIONS，以及受限的请求头集合。
func DefaultCORSPolicy() CORSPolicy {
	return CORSPolicy{
		AllowOrigin:  "*",
		AllowMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "User-Agent"},
		MaxAge:       86400,
	}
}

// withCORS 为每个响应（包括错误响应）附加跨域头。
func withCORS(policy CORSPolicy) func(http.Handler) http.Handler {
	methods := strings.Join(policy.AllowMethods, ", ")
	headers := strings.Join(policy.AllowHeaders, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", policy.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			next.ServeHTTP(w, r)
		})
	}
}

// preflight 是 OPTIONS 请求的固定应答。
func preflight(policy CORSPolicy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if policy.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(policy.MaxAge))
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// withRequestID 为请求分配标识并写回响应头。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID 返回 withRequestID 注入的请求标识。
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withLogging 记录每个请求的方法、路径、状态码与耗时。
func withLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("http request",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", m.Code),
				zap.Int64("bytes", m.Written),
				zap.Duration("duration", m.Duration))
		})
	}
}

// chainMiddlewares 按顺序包装 handler，列表中第一个位于最外层。
func chainMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
