package router

import (
	"time"

	"md-recorder/internal/feed"
)

// KeyState 是单个键的增量维护状态。
// 定义片段中缺省的字段不会清空已知值。
type KeyState struct {
	Key         string
	Category    string
	StartTime   time.Time
	DisplayName string
	Active      bool
	Terminal    bool
}

// merge 应用一个定义片段，返回该片段是否携带终结状态。
func (s *KeyState) merge(def *feed.Definition) bool {
	if def == nil {
		return false
	}
	if def.Category != nil && *def.Category != "" {
		s.Category = *def.Category
	}
	if def.StartTime != nil && !def.StartTime.IsZero() {
		s.StartTime = *def.StartTime
	}
	if def.Name != nil && *def.Name != "" {
		s.DisplayName = *def.Name
	}
	if def.Active != nil {
		s.Active = *def.Active
	}
	return def.Status != nil && feed.IsTerminal(*def.Status)
}
