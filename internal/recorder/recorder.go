package recorder

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"md-recorder/internal/config"
	"md-recorder/internal/stats"
)

// Meta 是落盘路径与目录登记所需的键元数据。
type Meta struct {
	Category    string
	StartTime   time.Time
	DisplayName string
}

// Catalog 由录制目录服务实现，登记每个键的打开与收尾。
type Catalog interface {
	MarkOpen(ctx context.Context, key string, category, displayName string, startTime time.Time, finalPath string) error
	MarkFinalized(ctx context.Context, key string, summary stats.Summary, finalSize int64) error
}

type task struct {
	line      []byte
	publishMS int64
	meta      Meta
	finalize  bool
	summary   stats.Summary
}

// worker 串行执行单个键的全部落盘操作。
type worker struct {
	key       string
	ch        chan task
	finalPath string
	dropped   atomic.Int64
	failed    atomic.Bool
}

// Recorder 聚合所有键的落盘句柄：每键一个工作协程加有界有序队列，
// 键间 I/O 互不阻塞，单键操作严格串行。
// workers 映射只由路由器协程（Append/Finalize）以及其后的 Shutdown 访问。
type Recorder struct {
	cfg     config.RecorderConfig
	logger  *zap.Logger
	catalog Catalog

	workers map[string]*worker
	group   errgroup.Group

	mu         sync.Mutex
	failedKeys []string
}

// New 创建 Recorder；catalog 可以为 nil。
func New(cfg config.RecorderConfig, catalog Catalog, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cfg:     cfg,
		logger:  logger,
		catalog: catalog,
		workers: make(map[string]*worker),
	}
}

// Append 把一行合格的信封字节投递给该键的工作协程，返回是否被接受。
// 投递不阻塞：队列满时该行被丢弃并计数，慢盘不会拖住信封消费循环。
func (r *Recorder) Append(key string, meta Meta, line []byte, publishMS int64) bool {
	w := r.workers[key]
	if w == nil {
		w = r.spawn(key)
	}
	if w.failed.Load() {
		return false
	}

	select {
	case w.ch <- task{line: line, publishMS: publishMS, meta: meta}:
		return true
	default:
		if w.dropped.Add(1) == 1 {
			r.logger.Warn("落盘队列已满，开始丢弃该键消息",
				zap.String("key", key),
				zap.Int("queue_size", r.cfg.QueueSize),
			)
		}
		return false
	}
}

// Finalize 投递收尾任务并释放该键的工作协程；投递阻塞，收尾不可丢。
// 对未产生任何落盘的键是无操作。
func (r *Recorder) Finalize(key string, summary stats.Summary) {
	w := r.workers[key]
	if w == nil {
		return
	}
	delete(r.workers, key)
	w.ch <- task{finalize: true, summary: summary}
	close(w.ch)
}

// Shutdown 为所有仍打开的键投递收尾任务并等待全部工作协程退出，
// 返回收尾失败的键列表。这是保证零 .part 残留的唯一路径。
func (r *Recorder) Shutdown(summaryFor func(key string) stats.Summary) []string {
	for key := range r.workers {
		r.Finalize(key, summaryFor(key))
	}
	_ = r.group.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	failed := make([]string, len(r.failedKeys))
	copy(failed, r.failedKeys)
	return failed
}

func (r *Recorder) spawn(key string) *worker {
	w := &worker{
		key: key,
		ch:  make(chan task, r.cfg.QueueSize),
	}
	r.workers[key] = w
	r.group.Go(func() error {
		r.runWorker(w)
		return nil
	})
	return w
}

func (r *Recorder) runWorker(w *worker) {
	var h *handle

	for t := range w.ch {
		if t.finalize {
			r.finalizeWorker(w, h, t.summary)
			h = nil
			continue
		}
		if w.failed.Load() {
			continue
		}

		if h == nil {
			opened, err := r.openWorker(w, t)
			if err != nil {
				r.markFailed(w, err)
				continue
			}
			h = opened
		}

		if err := h.append(t.line); err != nil {
			// 单键写失败只隔离该键：尽力关闭并合并已有内容，继续处理其他键。
			if closeErr := h.close(); closeErr != nil {
				r.logger.Warn("失败键关闭句柄出错", zap.String("key", w.key), zap.Error(closeErr))
			}
			if mergeErr := mergePart(h.partPath, h.finalPath); mergeErr != nil {
				r.logger.Warn("失败键合并 .part 出错", zap.String("key", w.key), zap.Error(mergeErr))
			}
			h = nil
			r.markFailed(w, err)
		}
	}

	// 通道关闭但未收到收尾任务（不应发生），尽力关闭。
	if h != nil {
		if err := h.finalize(); err != nil {
			r.markFailed(w, err)
		}
	}
}

func (r *Recorder) openWorker(w *worker, t task) (*handle, error) {
	start := t.meta.StartTime
	if start.IsZero() {
		// 起始时间未知时用首条消息的发布时间推导日期，
		// 该值来自行情数据本身，重启后仍收敛到同一路径。
		start = time.UnixMilli(t.publishMS).UTC()
	}
	finalPath := FinalPath(r.cfg.BaseDir, t.meta.Category, start, w.key)

	h, err := openHandle(w.key, finalPath, r.cfg.GzipLevel)
	if err != nil {
		return nil, err
	}
	w.finalPath = finalPath

	r.logger.Info("开始录制",
		zap.String("key", w.key),
		zap.String("name", t.meta.DisplayName),
		zap.String("category", t.meta.Category),
		zap.String("part", h.partPath),
	)
	if r.catalog != nil {
		if err := r.catalog.MarkOpen(context.Background(), w.key, t.meta.Category, t.meta.DisplayName, start, finalPath); err != nil {
			r.logger.Warn("目录登记打开失败", zap.String("key", w.key), zap.Error(err))
		}
	}
	return h, nil
}

// finalizeWorker 执行收尾并发出该键唯一的一条统计总结日志。
func (r *Recorder) finalizeWorker(w *worker, h *handle, summary stats.Summary) {
	if h != nil {
		if err := h.finalize(); err != nil {
			r.markFailed(w, err)
		}
	} else if w.finalPath != "" {
		// 句柄已因写失败提前关闭，只剩合并。
		if err := mergePart(PartPath(w.finalPath), w.finalPath); err != nil {
			r.markFailed(w, newOpError(OpFinalize, w.key, err))
		}
	}

	if w.finalPath == "" {
		r.logger.Debug("键无任何落盘内容，跳过收尾", zap.String("key", w.key))
		return
	}

	finalSize := fileSize(w.finalPath)
	partSize := fileSize(PartPath(w.finalPath))

	r.logger.Info("结束录制",
		zap.String("key", w.key),
		zap.Int64("lines", summary.LineCount),
		zap.Int64("bytes", summary.ByteCount),
		zap.Duration("span", summary.Span()),
		zap.Float64("rate", summary.Rate()),
		zap.Int64("dropped", w.dropped.Load()),
		zap.String("file", w.finalPath),
		zap.Int64("size", finalSize),
		zap.Int64("part_size", partSize),
	)
	if r.catalog != nil {
		if err := r.catalog.MarkFinalized(context.Background(), w.key, summary, finalSize); err != nil {
			r.logger.Warn("目录登记收尾失败", zap.String("key", w.key), zap.Error(err))
		}
	}
}

func (r *Recorder) markFailed(w *worker, err error) {
	if w.failed.Swap(true) {
		return
	}
	r.logger.Error("键落盘失败，已隔离", zap.String("key", w.key), zap.Error(err))
	r.mu.Lock()
	r.failedKeys = append(r.failedKeys, w.key)
	r.mu.Unlock()
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
