package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"ChainProbe/internal/config"
	"ChainProbe/pkg/logger"
)

const defaultConfigPath = "configs/chainprobe.json"

var rootCmd = &cobra.Command{
	Use:           "chainprobe",
	Short:         "Multi-agent security auditor for deployed smart contracts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default "+defaultConfigPath+" when present)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API address used by submit/status")
	rootCmd.PersistentFlags().String("token", "", "API bearer token (default $CHAINPROBE_TOKEN)")
}

// main 是 chainprobe 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainprobe: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 优先使用 --config，其次是默认路径，都不存在时回退到内置默认值。
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if err := config.LoadEnvFiles(wd); err != nil {
			return nil, err
		}
		cfg = config.Default(wd)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if err := os.MkdirAll(filepath.Clean(cfg.Runtime.DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return cfg, nil
}
