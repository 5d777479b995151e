package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hedge-core/internal/config"
	"hedge-core/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动同步、终端桥接、监控接口与追踪止损校验，阻塞到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("对冲核心已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("conflict_policy", a.cfg.Sync.ConflictPolicy),
		zap.Bool("bridge_enabled", a.cfg.Bridge.Enabled),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer orch.close()

	if err := orch.sync.Start(ctx); err != nil {
		return fmt.Errorf("启动同步管理器失败: %w", err)
	}
	defer orch.sync.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Bridge.Enabled {
		g.Go(func() error { return orch.bridge.Run(gctx) })
	}
	g.Go(func() error { return runMonitorServer(gctx, orch, a.cfg.Monitor.Port) })
	g.Go(func() error {
		orch.housekeepingLoop(gctx)
		return nil
	})
	if path := a.cfg.App.PlanPath; path != "" {
		g.Go(func() error {
			orch.executePlanFile(gctx, path)
			return nil
		})
	}

	err = g.Wait()
	orch.sync.FlushPending()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
