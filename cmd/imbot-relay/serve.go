package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IMBotPlatform/IMBotRelay/pkg/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 /chat 与 /reset HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.AI.Models) == 0 {
				return errors.New("no models configured: add ai.models to the config file")
			}

			st, err := a.newStack()
			if err != nil {
				return err
			}
			defer st.close()

			cors := a.cfg.CORS
			handler := httpapi.NewServer(st.orch,
				httpapi.WithLogger(a.logger.Named("http")),
				httpapi.WithCORS(httpapi.CORSPolicy{
					AllowOrigin:  cors.AllowOrigin,
					AllowMethods: httpapi.DefaultCORSPolicy().AllowMethods,
					AllowHeaders: cors.AllowHeaders,
					MaxAge:       cors.MaxAge,
				}),
			)

			srv := &http.Server{
				Addr:         a.cfg.Server.Listen,
				Handler:      handler,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return st.dir.Run(ctx, a.cfg.History.SweepInterval)
			})
			g.Go(func() error {
				a.logger.Info("relay listening",
					zap.String("addr", srv.Addr),
					zap.String("store", a.cfg.Store.Backend),
					zap.String("model", a.cfg.AI.DefaultModel),
					zap.String("critique_model", a.cfg.AI.CritiqueModelName()))
				return listenAndServe(ctx, srv, a.cfg.Server.ShutdownTimeout, a.logger)
			})
			return g.Wait()
		},
	}
}

// listenAndServe 运行 srv 直到 ctx 结束，然后在 timeout 内优雅关闭。
//
//	ctx.Done() --> Shutdown(timeout) --> ListenAndServe 返回 ErrServerClosed --> nil
//	ListenAndServe 失败 ----------------------------------------------------> err
func listenAndServe(ctx context.Context, srv *http.Server, timeout time.Duration, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.String("addr", srv.Addr))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
