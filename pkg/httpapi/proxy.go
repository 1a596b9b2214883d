package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"
)

// gatewayErrorText 是代理无法连接后端时的响应正文。
const gatewayErrorText = "API Gateway Error (1019): Failed to connect to backend."

// NewEdgeProxy 构建边缘代理：/chat 与 /reset（任意方法）转发到 backend，
// 其余路径由 staticDir 中的静态文件处理（staticDir 为空时返回 404）。
func NewEdgeProxy(backend, staticDir string, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend url must be absolute: %q", backend)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set(RequestIDHeader, RequestID(pr.In.Context()))
		},
		// the backend echoes our request id; keep the one already set
		ModifyResponse: func(res *http.Response) error {
			res.Header.Del(RequestIDHeader)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("backend proxy failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeText(w, http.StatusInternalServerError, gatewayErrorText)
		},
	}

	var static http.Handler = http.HandlerFunc(notFound)
	if staticDir != "" {
		static = http.FileServer(http.Dir(staticDir))
	}

	chain := NewChain(static)
	chain.AddRoute("chat", MatchPath("/chat"), rp)
	chain.AddRoute("reset", MatchPath("/reset"), rp)

	return chainMiddlewares(chain,
		withRequestID,
		withLogging(logger),
	), nil
}
