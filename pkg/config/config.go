// Package config loads the relay configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IMBotPlatform/IMBotRelay/pkg/ai"
	"github.com/IMBotPlatform/IMBotRelay/pkg/session"
)

const (
	defaultListenAddr      = ":8787"
	defaultProxyListenAddr = ":8080"

	// writeTimeoutSlack 覆盖模型调用之外的存储读写与响应编码。
	writeTimeoutSlack = 30 * time.Second
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ServerConfig 定义后端 HTTP 服务参数。
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0: derived from ai.timeout and ai.retries
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CORSConfig 定义跨域响应头。
type CORSConfig struct {
	AllowOrigin  string   `yaml:"allow_origin"`
	AllowHeaders []string `yaml:"allow_headers"`
	MaxAge       int      `yaml:"max_age"` // seconds
}

// StoreConfig 选择会话存储后端。
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory | file | sqlite
	Path    string `yaml:"path"`    // directory for file, database path for sqlite
}

// HistoryConfig 定义会话历史保留策略。
type HistoryConfig struct {
	MaxMessages   int           `yaml:"max_messages"`
	IdleTTL       time.Duration `yaml:"idle_ttl"` // 0 disables actor eviction
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProxyConfig 定义边缘代理：静态文件 + 转发 /chat、/reset。
type ProxyConfig struct {
	Listen    string `yaml:"listen"`
	Backend   string `yaml:"backend"`
	StaticDir string `yaml:"static_dir"`
}

// LogConfig 定义日志级别与格式。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Config 是完整的服务配置。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	CORS    CORSConfig    `yaml:"cors"`
	Store   StoreConfig   `yaml:"store"`
	History HistoryConfig `yaml:"history"`
	AI      ai.Config     `yaml:"ai"`
	AIFile  string        `yaml:"ai_file"` // 独立的模型配置文件，设置后替换 ai 段
	Proxy   ProxyConfig   `yaml:"proxy"`
	Log     LogConfig     `yaml:"log"`
}

// Default 返回全部字段取默认值的配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          defaultListenAddr,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		CORS: CORSConfig{
			AllowOrigin:  "*",
			AllowHeaders: []string{"Content-Type", "User-Agent"},
			MaxAge:       86400,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
		},
		History: HistoryConfig{
			MaxMessages: session.DefaultMaxHistory,
			IdleTTL:     session.DefaultIdleTTL,
		},
		AI: ai.Config{
			Timeout: ai.DefaultTimeout,
		},
		Proxy: ProxyConfig{
			Listen:  defaultProxyListenAddr,
			Backend: "http://localhost" + defaultListenAddr,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 读取 YAML 配置并叠加环境变量。
// path 为空或文件不存在时仅使用默认值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.loadAIFile(); err != nil {
		return nil, err
	}
	cfg.deriveWriteTimeout()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 使用环境变量覆盖常用字段。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("RELAY_LISTEN")); v != "" {
		c.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_STORE_BACKEND")); v != "" {
		c.Store.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_STORE_PATH")); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_PROXY_BACKEND")); v != "" {
		c.Proxy.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_AI_FILE")); v != "" {
		c.AIFile = v
	}
}

// loadAIFile 读取 ai_file 指向的模型配置（与机器人部署共用的格式），替换 ai 段。
func (c *Config) loadAIFile() error {
	if c.AIFile == "" {
		return nil
	}
	aiCfg, err := ai.LoadConfig(c.AIFile)
	if err != nil {
		return fmt.Errorf("ai_file %s: %w", c.AIFile, err)
	}
	if aiCfg.Timeout == 0 {
		aiCfg.Timeout = ai.DefaultTimeout
	}
	c.AI = *aiCfg
	return nil
}

// deriveWriteTimeout 在未显式配置时，让响应写超时覆盖一整轮最坏情况的模型调用。
func (c *Config) deriveWriteTimeout() {
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.AI.TurnTimeout() + writeTimeoutSlack
	}
}

// Validate 校验配置的一致性。
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.History.MaxMessages <= 0 {
		return fmt.Errorf("history.max_messages must be positive")
	}
	if c.History.MaxMessages%2 != 0 {
		return fmt.Errorf("history.max_messages must be even, exchanges are stored in pairs")
	}
	if c.History.IdleTTL < 0 {
		return fmt.Errorf("history.idle_ttl must not be negative")
	}
	if wt, turn := c.Server.WriteTimeout, c.AI.TurnTimeout(); wt > 0 && wt < turn {
		return fmt.Errorf("server.write_timeout %s is shorter than a worst-case chat turn (%s = 2 calls x %d attempts x ai.timeout)",
			wt, turn, 1+c.AI.Retries)
	}
	return c.AI.Validate()
}
