package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"md-recorder/internal/discovery"
	"md-recorder/internal/stats"
	"md-recorder/internal/store"
)

// ErrUnknownKey 表示目录中不存在该键。
var ErrUnknownKey = errors.New("catalog: 未知的键")

// 录制条目状态。
const (
	StatusSeeded    = "seeded"
	StatusOpen      = "open"
	StatusFinalized = "finalized"
)

// Recording 是目录中的一条录制登记。
type Recording struct {
	Key         string
	Category    string
	DisplayName string
	StartTime   time.Time
	Path        string
	Status      string
	LineCount   int64
	ByteCount   int64
	FinalSize   int64
}

// Service 负责持久化录制目录：键到最终文件路径的映射、
// 打开与收尾登记，以及残留 .part 的枚举。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化目录服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS recordings (
	key TEXT PRIMARY KEY,
	category TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'seeded',
	opened_at TEXT NOT NULL DEFAULT '',
	finalized_at TEXT NOT NULL DEFAULT '',
	line_count INTEGER NOT NULL DEFAULT 0,
	byte_count INTEGER NOT NULL DEFAULT 0,
	first_event_ms INTEGER NOT NULL DEFAULT 0,
	last_event_ms INTEGER NOT NULL DEFAULT 0,
	final_size INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("catalog: 初始化表失败: %w", err)
	}
	return nil
}

// Seed 登记启动时的候选集；已存在的键不被覆盖。
func (s *Service) Seed(ctx context.Context, candidates []discovery.Candidate) error {
	for _, c := range candidates {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO recordings (key, category, display_name, start_time, status)
			 VALUES (?, ?, ?, ?, ?)`,
			c.Key, c.Category, c.DisplayName, c.StartTime.UTC().Format(time.RFC3339), StatusSeeded,
		)
		if err != nil {
			return fmt.Errorf("catalog: 登记候选 %q 失败: %w", c.Key, err)
		}
	}
	return nil
}

// MarkOpen 在首次合格落盘时登记键的最终文件路径。
func (s *Service) MarkOpen(ctx context.Context, key string, category, displayName string, startTime time.Time, finalPath string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (key, category, display_name, start_time, path, status, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			category = excluded.category,
			display_name = excluded.display_name,
			start_time = excluded.start_time,
			path = excluded.path,
			status = excluded.status,
			opened_at = excluded.opened_at`,
		key, category, displayName, startTime.UTC().Format(time.RFC3339),
		finalPath, StatusOpen, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("catalog: 登记打开失败: %w", err)
	}
	return nil
}

// MarkFinalized 在收尾时写入最终统计。
func (s *Service) MarkFinalized(ctx context.Context, key string, summary stats.Summary, finalSize int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET
			status = ?,
			finalized_at = ?,
			line_count = ?,
			byte_count = ?,
			first_event_ms = ?,
			last_event_ms = ?,
			final_size = ?
		 WHERE key = ?`,
		StatusFinalized, time.Now().UTC().Format(time.RFC3339),
		summary.LineCount, summary.ByteCount, summary.FirstEventMS, summary.LastEventMS,
		finalSize, key,
	)
	if err != nil {
		return fmt.Errorf("catalog: 登记收尾失败: %w", err)
	}
	return nil
}

// ResolvePath 返回键对应的最终文件路径；键被首次落盘后即可解析，
// 供收尾前的实时跟读场景使用。
func (s *Service) ResolvePath(ctx context.Context, key string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM recordings WHERE key = ?`, key).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownKey
	}
	if err != nil {
		return "", fmt.Errorf("catalog: 查询路径失败: %w", err)
	}
	if path == "" {
		return "", ErrUnknownKey
	}
	return path, nil
}

// ListUnfinalized 枚举已打开但未收尾的条目，供运维恢复残留 .part。
func (s *Service) ListUnfinalized(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, category, display_name, start_time, path, status, line_count, byte_count, final_size
		 FROM recordings WHERE status = ? AND path != ''`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("catalog: 查询未收尾条目失败: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var rec Recording
		var startTime string
		if err := rows.Scan(&rec.Key, &rec.Category, &rec.DisplayName, &startTime,
			&rec.Path, &rec.Status, &rec.LineCount, &rec.ByteCount, &rec.FinalSize); err != nil {
			return nil, fmt.Errorf("catalog: 扫描条目失败: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, startTime); err == nil {
			rec.StartTime = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: 遍历条目失败: %w", err)
	}
	return out, nil
}
