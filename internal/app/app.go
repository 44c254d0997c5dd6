package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"md-recorder/internal/config"
	"md-recorder/internal/store"
)

// App 聚合核心依赖并驱动录制系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 驱动一次完整的录制会话：发现候选、订阅行情流、
// 路由落盘，直到退出信号触发全量收尾。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("录制系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("base_dir", a.cfg.Recorder.BaseDir),
		zap.Int("gzip_level", a.cfg.Recorder.GzipLevel),
		zap.Strings("categories", a.cfg.Discovery.Categories),
	)

	orch, err := newOrchestrator(orchestratorConfig{
		feed:       a.cfg.Feed,
		discovery:  a.cfg.Discovery,
		recorder:   a.cfg.Recorder,
		statusPort: a.cfg.App.StatusPort,
	}, a.logger, a.store)
	if err != nil {
		return err
	}

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("系统收到退出信号，已完成收尾")
			return nil
		}
		return fmt.Errorf("录制会话失败: %w", err)
	}

	return nil
}
