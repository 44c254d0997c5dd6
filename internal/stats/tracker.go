package stats

import (
	"time"
)

const rateEpsilon = 1e-6

// Summary 是单个键在关闭时刻的统计快照。
type Summary struct {
	Key          string
	LineCount    int64
	ByteCount    int64
	FirstEventMS int64
	LastEventMS  int64
}

// Span 返回首末事件之间的跨度。
func (s Summary) Span() time.Duration {
	if s.FirstEventMS == 0 || s.LastEventMS <= s.FirstEventMS {
		return 0
	}
	return time.Duration(s.LastEventMS-s.FirstEventMS) * time.Millisecond
}

// Rate 返回每秒消息数，跨度为零时按 epsilon 兜底。
func (s Summary) Rate() float64 {
	span := s.Span().Seconds()
	if span < rateEpsilon {
		span = rateEpsilon
	}
	return float64(s.LineCount) / span
}

type entry struct {
	lines   int64
	bytes   int64
	firstMS int64
	lastMS  int64
}

// Tracker 维护每个键的行数、字节数与首末事件时间。
// 由路由器独占持有，不做内部加锁。
type Tracker struct {
	entries map[string]*entry
}

// NewTracker 创建空的统计跟踪器。
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Update 在每次被接受的落盘上累计计数；firstMS 只设置一次。
func (t *Tracker) Update(key string, size int, publishMS int64) {
	e := t.entries[key]
	if e == nil {
		e = &entry{}
		t.entries[key] = e
	}
	e.lines++
	e.bytes += int64(size)
	if publishMS > 0 {
		if e.firstMS == 0 {
			e.firstMS = publishMS
		}
		e.lastMS = publishMS
	}
}

// Snapshot 返回某个键当前的统计快照；未知键返回零值快照。
func (t *Tracker) Snapshot(key string) Summary {
	e := t.entries[key]
	if e == nil {
		return Summary{Key: key}
	}
	return Summary{
		Key:          key,
		LineCount:    e.lines,
		ByteCount:    e.bytes,
		FirstEventMS: e.firstMS,
		LastEventMS:  e.lastMS,
	}
}

// Close 返回最终快照并移除该键的计数。
func (t *Tracker) Close(key string) Summary {
	s := t.Snapshot(key)
	delete(t.entries, key)
	return s
}
