package critique

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/IMBotPlatform/IMBotRelay/pkg/session"
)

// FactCheckInstruction 是事实核查调用的系统提示词。
const FactCheckInstruction = `You are a fact-checker. Review the following statement and critically assess its factual accuracy and plausibility. If it contains plausible but incorrect information (hallucination), explicitly state the inaccuracy and provide a correction. If it appears correct, just respond with "Fact Check: The statement appears accurate."`

// ModelInvoker 定义 Orchestrator 依赖的模型调用能力。
// modelName 为空时使用默认模型。
type ModelInvoker interface {
	Invoke(ctx context.Context, modelName string, messages []session.Message) (string, error)
}

// SessionResolver 将会话标识解析为 Handle。
type SessionResolver interface {
	Resolve(sessionID string) (session.Handle, error)
}

// Result 是一次对话的返回值。
type Result struct {
	Answer   string
	Critique string
}

// Orchestrator 串联历史读取、两次模型调用与历史写回。自身不持有状态。
type Orchestrator struct {
	sessions      SessionResolver
	model         ModelInvoker
	answerModel   string
	critiqueModel string
	logger        *zap.Logger
}

// Option 自定义 Orchestrator 行为。
type Option func(*Orchestrator)

// WithLogger 注入日志记录器。
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithModels 指定回答与核查使用的模型名（空字符串表示默认模型）。
func WithModels(answer, critique string) Option {
	return func(o *Orchestrator) {
		o.answerModel = answer
		o.critiqueModel = critique
	}
}

// NewOrchestrator 绑定会话目录与模型服务。
func NewOrchestrator(sessions SessionResolver, model ModelInvoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		model:    model,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleChat 处理一轮对话。
//
// 核心流程:
//
//	userMessage
//	     |
//	     v
//	[Resolve Actor] --> [GetHistory]
//	     |
//	     v
//	[Model: history + user]      --> answer
//	     |
//	     v
//	[Model: fact-check(answer)]  --> critique
//	     |
//	     v
//	[AppendExchange(user, answer)]   (critique 不写入历史)
//	     |
//	     v
//	{answer, critique}
//
// 任一模型调用失败都返回 *UpstreamModelError，且不写入任何历史。
func (o *Orchestrator) HandleChat(ctx context.Context, sessionID, userMessage string) (Result, error) {
	if sessionID == "" {
		return Result{}, invalidRequest("userId")
	}
	if strings.TrimSpace(userMessage) == "" {
		return Result{}, invalidRequest("message")
	}
	logger := o.logger.With(zap.String("session_id", sessionID))

	handle, err := o.sessions.Resolve(sessionID)
	if err != nil {
		return Result{}, err
	}

	history, err := handle.GetHistory(ctx)
	if err != nil {
		return Result{}, err
	}
	logger.Debug("history loaded", zap.Int("messages", len(history)))

	prompt := make([]session.Message, 0, len(history)+1)
	prompt = append(prompt, history...)
	prompt = append(prompt, session.UserMessage(userMessage))

	answer, err := o.model.Invoke(ctx, o.answerModel, prompt)
	if err != nil {
		return Result{}, &UpstreamModelError{Stage: "answer", Model: o.answerModel, Err: err}
	}

	critique, err := o.model.Invoke(ctx, o.critiqueModel, critiquePrompt(answer))
	if err != nil {
		return Result{}, &UpstreamModelError{Stage: "critique", Model: o.critiqueModel, Err: err}
	}

	if _, err := handle.AppendExchange(ctx, userMessage, answer); err != nil {
		return Result{}, err
	}
	logger.Debug("exchange committed")

	return Result{Answer: answer, Critique: critique}, nil
}

// HandleReset 清空会话历史。
func (o *Orchestrator) HandleReset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return invalidRequest("userId")
	}
	handle, err := o.sessions.Resolve(sessionID)
	if err != nil {
		return err
	}
	if err := handle.Reset(ctx); err != nil {
		return err
	}
	o.logger.Info("history reset", zap.String("session_id", sessionID))
	return nil
}

// History 返回会话当前历史，供运维命令查看。
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	if sessionID == "" {
		return nil, invalidRequest("userId")
	}
	handle, err := o.sessions.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	return handle.GetHistory(ctx)
}

// critiquePrompt 构造与会话历史无关的独立核查提示。
func critiquePrompt(answer string) []session.Message {
	return []session.Message{
		session.SystemMessage(FactCheckInstruction),
		session.UserMessage(fmt.Sprintf("Statement to check: \"%s\"", answer)),
	}
}
