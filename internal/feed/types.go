package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion 为当前支持的信封格式版本。
const SchemaVersion = 1

// 信封操作类型。
const (
	OpUpdate    = "update"
	OpHeartbeat = "hb"
)

// 定义片段中的键状态。
const (
	StatusOpen      = "OPEN"
	StatusSuspended = "SUSPENDED"
	StatusClosed    = "CLOSED"
)

var (
	// ErrUnsupportedVersion 表示信封版本不被支持。
	ErrUnsupportedVersion = errors.New("feed: 不支持的信封版本")
	// ErrNotUpdate 表示该行不是数据更新信封。
	ErrNotUpdate = errors.New("feed: 非数据更新信封")
)

var heartbeatTag = []byte(`"op":"hb"`)
var updateTag = []byte(`"op":"update"`)

// Definition 是键的定义片段，所有字段均可缺省；
// 缺省字段不代表清空已知值。
type Definition struct {
	Category  *string    `json:"category,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	Name      *string    `json:"name,omitempty"`
	Active    *bool      `json:"active,omitempty"`
	Status    *string    `json:"status,omitempty"`
}

// GroupUpdate 是信封中针对单个键的更新。
type GroupUpdate struct {
	Key        string      `json:"key"`
	Definition *Definition `json:"def,omitempty"`
}

// Envelope 是一条已解码的行情信封。
type Envelope struct {
	Op          string        `json:"op"`
	Version     int           `json:"v"`
	PublishTime int64         `json:"pt"`
	Updates     []GroupUpdate `json:"updates"`
}

// IsHeartbeat 在 JSON 解码前通过标记字节判断心跳行。
func IsHeartbeat(line []byte) bool {
	return bytes.Contains(line, heartbeatTag)
}

// IsUpdate 判断该行是否为数据更新信封。
func IsUpdate(line []byte) bool {
	return bytes.Contains(line, updateTag)
}

// DecodeEnvelope 按严格版本化格式解码一行信封。
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("feed: 解码信封失败: %w", err)
	}
	if env.Op != OpUpdate {
		return Envelope{}, ErrNotUpdate
	}
	if env.Version != SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, env.Version)
	}
	return env, nil
}

// IsTerminal 判断状态是否为终结态。
func IsTerminal(status string) bool {
	return status == StatusClosed
}
