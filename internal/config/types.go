package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了录制系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// StatusPort 为目录查询接口端口，0 表示不启动。
	StatusPort int `mapstructure:"status_port"`
}

// FeedConfig 描述行情流连接信息。
type FeedConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	AppKey         string        `mapstructure:"app_key"`
	SessionToken   string        `mapstructure:"session_token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// DiscoveryConfig 控制候选键的拉取范围。
type DiscoveryConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	Categories    []string      `mapstructure:"categories"`
	Lookahead     time.Duration `mapstructure:"lookahead"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RecorderConfig 控制落盘行为。
type RecorderConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	GzipLevel int    `mapstructure:"gzip_level"`
	QueueSize int    `mapstructure:"queue_size"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理录制目录数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.StatusPort < 0 || c.App.StatusPort > 65535 {
		err = multierr.Append(err, errors.New("app.status_port 必须位于[0,65535]"))
	}
	if c.Feed.Endpoint == "" {
		err = multierr.Append(err, errors.New("feed.endpoint 不能为空"))
	}
	if c.Feed.AppKey == "" {
		err = multierr.Append(err, errors.New("feed.app_key 不能为空"))
	}
	if c.Feed.SessionToken == "" {
		err = multierr.Append(err, errors.New("feed.session_token 不能为空"))
	}
	if c.Feed.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("feed.connect_timeout 必须大于0"))
	}
	if c.Feed.MaxLineBytes <= 0 {
		err = multierr.Append(err, errors.New("feed.max_line_bytes 必须大于0"))
	}
	err = multierr.Append(err, validateRetry("feed.retry", c.Feed.Retry))

	if c.Discovery.Endpoint == "" {
		err = multierr.Append(err, errors.New("discovery.endpoint 不能为空"))
	}
	if len(c.Discovery.Categories) == 0 {
		err = multierr.Append(err, errors.New("discovery.categories 至少包含一个类别"))
	}
	if c.Discovery.Lookahead <= 0 {
		err = multierr.Append(err, errors.New("discovery.lookahead 必须大于0"))
	}
	if c.Discovery.MaxCandidates <= 0 {
		err = multierr.Append(err, errors.New("discovery.max_candidates 必须大于0"))
	}
	if c.Discovery.Timeout <= 0 {
		err = multierr.Append(err, errors.New("discovery.timeout 必须大于0"))
	}
	err = multierr.Append(err, validateRetry("discovery.retry", c.Discovery.Retry))

	if c.Recorder.BaseDir == "" {
		err = multierr.Append(err, errors.New("recorder.base_dir 不能为空"))
	}
	if c.Recorder.GzipLevel < 1 || c.Recorder.GzipLevel > 9 {
		err = multierr.Append(err, errors.New("recorder.gzip_level 必须位于[1,9]"))
	}
	if c.Recorder.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("recorder.queue_size 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validateRetry(prefix string, r RetryConfig) error {
	var err error
	if r.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_attempts 必须大于0", prefix))
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.delay 必须为正", prefix))
	}
	if r.MinDelay > r.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("%s.min_delay 不能大于 max_delay", prefix))
	}
	return err
}
