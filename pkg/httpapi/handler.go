// Package httpapi exposes the relay over HTTP: POST /chat, POST /reset,
// OPTIONS preflight, and a 404 fallback, with CORS headers on every response.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/IMBotPlatform/IMBotRelay/pkg/critique"
)

const maxBodyBytes = 1 << 20

// ChatService 定义 HTTP 层依赖的业务能力。
type ChatService interface {
	HandleChat(ctx context.Context, sessionID, userMessage string) (critique.Result, error)
	HandleReset(ctx context.Context, sessionID string) error
}

type chatRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
	Critique string `json:"critique"`
}

type resetRequest struct {
	UserID string `json:"userId"`
}

// Server 将 HTTP 请求映射到 ChatService。
type Server struct {
	svc    ChatService
	cors   CORSPolicy
	logger *zap.Logger
}

// Option 自定义 Server 行为。
type Option func(*Server)

// WithLogger 注入日志记录器。
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCORS 覆盖默认跨域策略。
func WithCORS(policy CORSPolicy) Option {
	return func(s *Server) {
		s.cors = policy
	}
}

// NewServer 构建带路由与中间件的 http.Handler。
//
//	request --> [request id] --> [access log] --> [CORS headers] --> Chain
//	                                                                 |-- POST /chat   -> handleChat
//	                                                                 |-- POST /reset  -> handleReset
//	                                                                 |-- OPTIONS *    -> 204
//	                                                                 `-- default      -> 404
func NewServer(svc ChatService, opts ...Option) http.Handler {
	s := &Server{
		svc:    svc,
		cors:   DefaultCORSPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	chain := NewChain(http.HandlerFunc(notFound))
	chain.AddRoute("chat", MatchRoute(http.MethodPost, "/chat"), http.HandlerFunc(s.handleChat))
	chain.AddRoute("reset", MatchRoute(http.MethodPost, "/reset"), http.HandlerFunc(s.handleReset))
	chain.AddRoute("preflight", MatchMethod(http.MethodOptions), preflight(s.cors))

	return chainMiddlewares(chain,
		withRequestID,
		withLogging(s.logger),
		withCORS(s.cors),
	)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.svc.HandleChat(turnContext(r), req.UserID, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: res.Answer, Critique: res.Critique})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.svc.HandleReset(turnContext(r), req.UserID); err != nil {
		s.fail(w, r, err)
		return
	}

	writeText(w, http.StatusOK, "Chat history has been reset.")
}

// turnContext 保留请求上下文中的值（如 request id），但不随客户端断开而取消：
// 已开始的模型调用与历史写入总是执行完，单次模型调用由 ai.timeout 限时。
func turnContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// fail 将错误转换为状态码与纯文本响应，并记录日志。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := s.logger.With(
		zap.String("request_id", RequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
		writeText(w, status, "Internal Server Error: "+err.Error())
		return
	}
	logger.Info("request rejected")
	writeText(w, status, err.Error())
}

// statusFor 映射错误分类：InvalidRequest -> 400，其余 -> 500。
func statusFor(err error) int {
	if errors.Is(err, critique.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", critique.ErrInvalidRequest, err)
	}
	return nil
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
