package discovery

import (
	"context"
	"time"
)

// Candidate 描述一个待录制的候选键及其命名元数据。
type Candidate struct {
	Key         string    `json:"key"`
	Category    string    `json:"category"`
	StartTime   time.Time `json:"start_time"`
	DisplayName string    `json:"name"`
	EventName   string    `json:"event_name"`
	Country     string    `json:"country"`
}

// Source 在启动时提供候选键集合。
type Source interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}
