package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hedge-core/internal/app"
	"hedge-core/internal/config"
	"hedge-core/internal/log"
	"hedge-core/internal/store"
)

func newRunCmd() *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动同步、终端桥接与监控接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			if planPath != "" {
				cfg.App.PlanPath = planPath
			}

			logger, err := log.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			st, err := store.NewSQLite(cfg.Database)
			if err != nil {
				logger.Error("初始化数据库失败", zap.Error(err))
				return err
			}
			defer func() {
				if closeErr := st.Close(); closeErr != nil {
					logger.Warn("关闭数据库失败", zap.Error(closeErr))
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.New(cfg, logger, st).Run(ctx); err != nil {
				logger.Error("系统运行异常", zap.Error(err))
				return err
			}
			logger.Info("系统已安全退出")
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "启动后执行的再平衡计划文件")
	return cmd
}
