package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/IMBotPlatform/IMBotRelay/pkg/session"
)

// ErrEmptyCompletion 表示模型返回了空内容。
var ErrEmptyCompletion = errors.New("empty response from llm")

// Service 是模型调用的主要入口点。
// 它负责管理模型实例，并以非流式方式完成一次对话补全。
type Service struct {
	config     *Config
	logger     *zap.Logger
	mu         sync.Mutex // 保护 modelCache
	modelCache map[string]llms.Model
}

// ServiceOption 自定义 Service 行为。
type ServiceOption func(*Service)

// WithLogger 注入日志记录器。
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithModelInstance 直接注册一个已构建的模型实例，跳过 provider 初始化。
// name 对应配置中的模型名；常用于测试或自定义 provider。
func WithModelInstance(name string, model llms.Model) ServiceOption {
	return func(s *Service) {
		s.modelCache[name] = model
	}
}

// NewService 创建一个新的模型服务实例。
func NewService(config *Config, opts ...ServiceOption) *Service {
	if config == nil {
		config = &Config{}
	}
	s := &Service{
		config:     config,
		logger:     zap.NewNop(),
		modelCache: make(map[string]llms.Model),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config 返回服务使用的配置。
func (s *Service) Config() *Config { return s.config }

// findModelConfig 按名称查找模型配置。
func (s *Service) findModelConfig(modelName string) *ModelConfig {
	for i := range s.config.Models {
		if s.config.Models[i].Name == modelName {
			return &s.config.Models[i]
		}
	}
	return nil
}

// getModel 获取模型实例。
// 如果缓存中存在则直接返回，否则初始化一个新的模型实例并缓存。
//
// 逻辑流程:
// Check Cache -> (Hit) -> Return
//
//	  |
//	(Miss)
//	  v
//
// Load Config -> Init Provider (OpenAI/Google/Anthropic/Ollama) -> Update Cache -> Return
func (s *Service) getModel(ctx context.Context, modelName string) (llms.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model, ok := s.modelCache[modelName]; ok {
		return model, nil
	}

	cfg := s.findModelConfig(modelName)
	if cfg == nil {
		return nil, fmt.Errorf("model '%s' not found in configuration", modelName)
	}

	var llm llms.Model
	var err error

	apiKey := resolveAPIKey(cfg.APIKey)

	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	case "google":
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(apiKey),
			googleai.WithDefaultModel(cfg.ModelName),
		)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		llm, err = anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{
			ollama.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	s.modelCache[modelName] = llm
	return llm, nil
}

// callOptions 根据模型配置生成调用参数。
func (s *Service) callOptions(modelName string) []llms.CallOption {
	cfg := s.findModelConfig(modelName)
	if cfg == nil {
		return nil
	}
	var opts []llms.CallOption
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(cfg.Temperature))
	}
	return opts
}

// Invoke 以非流式方式调用模型，返回生成文本。
// modelName 为空时使用 default_model。每次尝试都受 timeout 约束；
// 配置了 retries 时失败后立即重试，不做退避。
//
//	messages --> [getModel] --> GenerateContent (timeout) --(失败且有剩余次数)--> 重试
//	                                   |
//	                                 成功 --> Choices[0].Content
func (s *Service) Invoke(ctx context.Context, modelName string, messages []session.Message) (string, error) {
	if modelName == "" {
		modelName = s.config.DefaultModel
	}

	llm, err := s.getModel(ctx, modelName)
	if err != nil {
		return "", err
	}

	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	content := session.ToMessageContent(messages)
	opts := s.callOptions(modelName)

	attempts := 1 + s.config.Retries
	for attempt := 1; ; attempt++ {
		start := time.Now()
		text, err := s.generate(ctx, llm, content, timeout, opts)
		if err == nil {
			s.logger.Debug("model invoked",
				zap.String("model", modelName),
				zap.Int("messages", len(messages)),
				zap.Duration("duration", time.Since(start)))
			return text, nil
		}

		s.logger.Warn("model invocation failed",
			zap.String("model", modelName),
			zap.Int("attempt", attempt),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		if attempt >= attempts || ctx.Err() != nil {
			return "", err
		}
	}
}

func (s *Service) generate(ctx context.Context, llm llms.Model, content []llms.MessageContent, timeout time.Duration, opts []llms.CallOption) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := llm.GenerateContent(callCtx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("llm generate error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := resp.Choices[0].Content
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
