package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IMBotPlatform/IMBotRelay/pkg/ai"
	"github.com/IMBotPlatform/IMBotRelay/pkg/config"
	"github.com/IMBotPlatform/IMBotRelay/pkg/critique"
	"github.com/IMBotPlatform/IMBotRelay/pkg/logging"
	"github.com/IMBotPlatform/IMBotRelay/pkg/session"
)

const defaultConfigPath = "imbot-relay.yaml"

// app 保存命令之间共享的状态：配置与 logger 在 PersistentPreRunE 中初始化。
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger

	// aiOptions 追加到 ai.NewService，测试用它注入模型实例。
	aiOptions []ai.ServiceOption
}

// stack 是一次命令执行所需的完整业务组件。
type stack struct {
	dir   *session.Directory
	orch  *critique.Orchestrator
	close func() error
}

// newRootCmd 构建 Cobra 命令树。
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "imbot-relay",
		Short:         "Chat relay with per-session history and fact-check critique",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	root.AddCommand(
		newServeCmd(a),
		newProxyCmd(a),
		newChatCmd(a),
		newHistoryCmd(a),
		newResetCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore 按配置选择存储后端。返回的 closer 释放底层资源。
func openStore(cfg config.StoreConfig) (session.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), noop, nil
	case config.BackendFile:
		s, err := session.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.BackendSQLite:
		s, err := session.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
}

// newStack 组装 Store -> Directory -> ai.Service -> Orchestrator。
func (a *app) newStack() (*stack, error) {
	store, closeStore, err := openStore(a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Backend, err)
	}

	dir := session.NewDirectory(store,
		session.WithMaxHistory(a.cfg.History.MaxMessages),
		session.WithIdleTTL(a.cfg.History.IdleTTL),
		session.WithLogger(a.logger.Named("session")),
	)

	opts := append([]ai.ServiceOption{ai.WithLogger(a.logger.Named("ai"))}, a.aiOptions...)
	svc := ai.NewService(&a.cfg.AI, opts...)

	orch := critique.NewOrchestrator(dir, svc,
		critique.WithLogger(a.logger.Named("critique")),
		critique.WithModels(a.cfg.AI.DefaultModel, a.cfg.AI.CritiqueModelName()),
	)

	return &stack{
		dir:   dir,
		orch:  orch,
		close: func() error {
			_ = dir.Close()
			return closeStore()
		},
	}, nil
}
