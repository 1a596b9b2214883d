package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IMBotPlatform/IMBotRelay/pkg/httpapi"
)

func newProxyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "启动边缘代理：静态文件 + 转发 /chat、/reset 到后端",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc := a.cfg.Proxy
			handler, err := httpapi.NewEdgeProxy(pc.Backend, pc.StaticDir, a.logger.Named("proxy"))
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:        pc.Listen,
				Handler:     handler,
				ReadTimeout: a.cfg.Server.ReadTimeout,
			}
			a.logger.Info("edge proxy listening",
				zap.String("addr", pc.Listen),
				zap.String("backend", pc.Backend),
				zap.String("static_dir", pc.StaticDir))
			return listenAndServe(cmd.Context(), srv, a.cfg.Server.ShutdownTimeout, a.logger)
		},
	}
}
