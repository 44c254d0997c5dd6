package recorder

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	finalSuffix     = ".log.gz"
	partSuffix      = ".part"
	unknownCategory = "unknown"
)

// FinalPath 由 (类别, 起始日期, 键) 纯函数式地派生最终文件路径：
// <base>/<YYYY-MM-DD>/<category>/<key>.log.gz。
// 不依赖进程启动时间，崩溃后续录的进程会收敛到同一路径。
func FinalPath(base, category string, startDate time.Time, key string) string {
	if category == "" {
		category = unknownCategory
	}
	day := startDate.UTC().Format("2006-01-02")
	return filepath.Join(base, day, sanitizeSegment(category), sanitizeSegment(key)+finalSuffix)
}

// PartPath 返回最终文件对应的 .part 伴随文件路径。
func PartPath(finalPath string) string {
	return finalPath + partSuffix
}

func sanitizeSegment(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, string(filepath.Separator), "_")
	value = strings.ReplaceAll(value, "..", "_")
	return value
}
