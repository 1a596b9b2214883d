package ai

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout bounds a single model invocation when the config leaves it unset.
const DefaultTimeout = 60 * time.Second

// ModelConfig defines the configuration for a single LLM.
type ModelConfig struct {
	Name        string  `json:"name" yaml:"name"`                             // e.g., "llama-3", "gpt-4o"
	Provider    string  `json:"provider" yaml:"provider"`                     // "openai", "google", "anthropic", "ollama"
	APIKey      string  `json:"api_key" yaml:"api_key"`                       // Environment variable reference or direct key
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional: for custom endpoints / ollama server
	ModelName   string  `json:"model_name" yaml:"model_name"`                 // The specific model ID (e.g., "gemini-1.5-pro")
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`                 // Max output tokens
	Temperature float64 `json:"temperature" yaml:"temperature"`               // Creativity
}

// Config holds the AI configuration.
type Config struct {
	DefaultModel  string        `json:"default_model" yaml:"default_model"`
	CritiqueModel string        `json:"critique_model,omitempty" yaml:"critique_model,omitempty"` // falls back to DefaultModel
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries       int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	Models        []ModelConfig `json:"models" yaml:"models"`
}

// LoadConfig reads and parses the configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, cfg.Validate()
}

// Validate checks that model names are unique and that the default and
// critique models refer to configured entries.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model entry without name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model name '%s'", m.Name)
		}
		seen[m.Name] = true
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if len(c.Models) == 0 {
		return nil
	}
	if !seen[c.DefaultModel] {
		return fmt.Errorf("default_model '%s' not found in models", c.DefaultModel)
	}
	if c.CritiqueModel != "" && !seen[c.CritiqueModel] {
		return fmt.Errorf("critique_model '%s' not found in models", c.CritiqueModel)
	}
	return nil
}

// TurnTimeout 返回一轮对话中模型调用的最坏耗时：
// 回答与核查两次顺序调用，每次最多 1+retries 次尝试，每次尝试受 timeout 限制。
func (c *Config) TurnTimeout() time.Duration {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	return 2 * time.Duration(1+retries) * timeout
}

// CritiqueModelName 返回事实核查使用的模型名，未配置时回退 default_model。
func (c *Config) CritiqueModelName() string {
	if c.CritiqueModel != "" {
		return c.CritiqueModel
	}
	return c.DefaultModel
}

// resolveAPIKey 解析 API 密钥。
// 如果密钥以 "env:" 开头，则从环境变量中获取实际值。
func resolveAPIKey(key string) string {
	if strings.HasPrefix(key, "env:") {
		return os.Getenv(strings.TrimPrefix(key, "env:"))
	}
	return key
}
