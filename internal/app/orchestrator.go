package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"md-recorder/internal/catalog"
	"md-recorder/internal/config"
	"md-recorder/internal/discovery"
	"md-recorder/internal/feed"
	"md-recorder/internal/recorder"
	"md-recorder/internal/router"
	"md-recorder/internal/stats"
	"md-recorder/internal/store"
)

// ErrNoCandidates 表示启动时没有发现任何候选键，属于致命启动错误。
var ErrNoCandidates = errors.New("app: 未发现任何候选键")

type orchestratorConfig struct {
	feed       config.FeedConfig
	discovery  config.DiscoveryConfig
	recorder   config.RecorderConfig
	statusPort int
}

// orchestrator 把发现、行情流、路由与落盘串成一条流水线。
type orchestrator struct {
	source  discovery.Source
	catalog *catalog.Service
	rec     *recorder.Recorder
	rtr     *router.Router
	stream  *feed.Client
	logger  *zap.Logger

	statusPort int
}

func newOrchestrator(cfg orchestratorConfig, logger *zap.Logger, store *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	catalogSvc, err := catalog.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化录制目录失败: %w", err)
	}

	rec := recorder.New(cfg.recorder, catalogSvc, logger)
	tracker := stats.NewTracker()
	rtr := router.New(rec, tracker, logger)
	stream := feed.NewClient(cfg.feed, logger)

	return &orchestrator{
		source:     discovery.NewClient(cfg.discovery, logger),
		catalog:    catalogSvc,
		rec:        rec,
		rtr:        rtr,
		stream:     stream,
		statusPort: cfg.statusPort,
		logger:     logger,
	}, nil
}

// Run 执行一次录制会话。行情流协程是信封的唯一消费者，
// 所有跨键顺序都由这条单线程消费路径保证。
func (o *orchestrator) Run(ctx context.Context) error {
	candidates, err := o.source.Candidates(ctx)
	if err != nil {
		return fmt.Errorf("拉取候选键失败: %w", err)
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	if err := o.catalog.Seed(ctx, candidates); err != nil {
		return err
	}
	o.rtr.Seed(candidates)

	keys := make([]string, 0, len(candidates))
	o.logger.Info("订阅候选键", zap.Int("count", len(candidates)))
	for _, c := range candidates {
		keys = append(keys, c.Key)
		o.logger.Info("候选键",
			zap.String("key", c.Key),
			zap.String("category", c.Category),
			zap.String("name", c.DisplayName),
			zap.Time("start", c.StartTime),
		)
	}

	if o.statusPort > 0 {
		if err := startCatalogServer(ctx, o.catalog, o.statusPort, o.logger); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return o.stream.Run(groupCtx, keys, o.rtr.Handle)
	})

	runErr := group.Wait()

	// 无论因信号还是行情流错误退出，都对所有仍打开的句柄收尾，
	// 这是保证零 .part 残留的唯一路径。
	failed := o.rec.Shutdown(o.rtr.CloseSummary)
	o.logShutdown(failed)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		// 按键的运行期错误不改变退出码；行情流耗尽重试只记录不升级。
		o.logger.Error("行情流终止", zap.Error(runErr))
	}
	return ctx.Err()
}

func (o *orchestrator) logShutdown(failed []string) {
	if len(failed) > 0 {
		o.logger.Error("以下键未能完成收尾，需人工恢复残留 .part 文件",
			zap.Strings("keys", failed),
		)
	}
	if orphans, err := o.catalog.ListUnfinalized(context.Background()); err == nil && len(orphans) > 0 {
		for _, rec := range orphans {
			o.logger.Warn("目录中存在未收尾条目",
				zap.String("key", rec.Key),
				zap.String("path", rec.Path),
			)
		}
	}
	o.logger.Info("录制会话结束",
		zap.Int("keys", o.rtr.States()),
		zap.Int64("malformed_lines", o.rtr.Malformed()),
		zap.Int("finalize_failures", len(failed)),
	)
}
