package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"ChainProbe/internal/api"
	"ChainProbe/internal/auth"
	"ChainProbe/pkg/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides server.address)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the run processor",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Address = addr
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	service, processor, err := a.runService(ctx)
	if err != nil {
		return err
	}

	processorCtx, cancelProcessor := context.WithCancel(ctx)
	defer cancelProcessor()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	tokens := make([]auth.Token, 0, len(cfg.Server.Tokens))
	for _, t := range cfg.Server.Tokens {
		tokens = append(tokens, auth.Token{Name: t.Name, Value: t.Token, Permissions: t.Permissions})
	}
	guard := auth.NewGuard(auth.Config{Tokens: tokens})
	if !guard.Enabled() {
		a.logger.Warn("未配置 API 令牌，接口不做认证")
	}

	server := api.NewServer(cfg.Server.Address, service,
		api.WithCheckpoints(a.checkpoints),
		api.WithReports(a.reports),
		api.WithMetrics(a.metrics.Handler(), a.metrics),
		api.WithGuard(guard.Middleware),
		api.WithRequestTimeout(cfg.Server.RequestTimeout()),
		api.WithLogger(logger.Named("api")),
	)
	a.logger.Info("ChainProbe 服务启动",
		slog.String("address", cfg.Server.Address),
		slog.Any("chains", a.chains.Chains()),
		slog.String("queue", cfg.Queue.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
