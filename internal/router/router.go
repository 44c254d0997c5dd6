package router

import (
	"go.uber.org/zap"

	"md-recorder/internal/discovery"
	"md-recorder/internal/feed"
	"md-recorder/internal/recorder"
	"md-recorder/internal/stats"
)

// Sink 是路由器向落盘层的唯一出口。
type Sink interface {
	Append(key string, meta recorder.Meta, line []byte, publishMS int64) bool
	Finalize(key string, summary stats.Summary)
}

// Router 按到达顺序消费信封：合并定义片段、维护激活门控、
// 决定落盘并驱动统计。状态与统计映射由本协程独占，Handle 不做任何 I/O。
type Router struct {
	sink    Sink
	tracker *stats.Tracker
	logger  *zap.Logger

	states    map[string]*KeyState
	malformed int64
}

// New 创建路由器。
func New(sink Sink, tracker *stats.Tracker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		sink:    sink,
		tracker: tracker,
		logger:  logger,
		states:  make(map[string]*KeyState),
	}
}

// Seed 用候选集预置键状态，使定义片段到达之前就能派生正确路径。
func (r *Router) Seed(candidates []discovery.Candidate) {
	for _, c := range candidates {
		if c.Key == "" {
			continue
		}
		r.states[c.Key] = &KeyState{
			Key:         c.Key,
			Category:    c.Category,
			StartTime:   c.StartTime,
			DisplayName: c.DisplayName,
		}
	}
}

// Handle 处理一行信封。解码失败的行计数后跳过，绝不中断消费。
func (r *Router) Handle(line []byte) {
	if feed.IsHeartbeat(line) {
		return
	}

	env, err := feed.DecodeEnvelope(line)
	if err != nil {
		r.malformed++
		r.logger.Debug("跳过无法解码的信封行", zap.Error(err))
		return
	}

	for i := range env.Updates {
		u := &env.Updates[i]
		if u.Key == "" {
			continue
		}

		st := r.ensure(u.Key)
		if st.Terminal {
			continue
		}

		terminal := st.merge(u.Definition)

		// 先合并定义再判定资格：激活与首条可录字节可发生在同一信封内。
		// 携带终结状态的行本身先按资格落盘，随后才收尾。
		if st.Active {
			if r.sink.Append(u.Key, r.meta(st), line, env.PublishTime) {
				r.tracker.Update(u.Key, len(line), env.PublishTime)
			}
		}

		if terminal {
			st.Terminal = true
			st.Active = false
			r.sink.Finalize(u.Key, r.tracker.Close(u.Key))
		}
	}
}

// CloseSummary 取出并清除某键的统计快照，供停机收尾使用。
// 只能在 Handle 不再被调用之后使用。
func (r *Router) CloseSummary(key string) stats.Summary {
	return r.tracker.Close(key)
}

// Malformed 返回已跳过的坏行数量。
func (r *Router) Malformed() int64 {
	return r.malformed
}

// States 返回当前键数量，用于停机日志。
func (r *Router) States() int {
	return len(r.states)
}

func (r *Router) ensure(key string) *KeyState {
	st := r.states[key]
	if st == nil {
		// 未知键登记为未激活，在激活前不积累任何字节。
		st = &KeyState{Key: key}
		r.states[key] = st
	}
	return st
}

func (r *Router) meta(st *KeyState) recorder.Meta {
	return recorder.Meta{
		Category:    st.Category,
		StartTime:   st.StartTime,
		DisplayName: st.DisplayName,
	}
}
