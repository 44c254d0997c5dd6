package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"md-recorder/internal/config"
)

// Client 通过 REST 目录接口拉取候选键集合。
type Client struct {
	cfg    config.DiscoveryConfig
	logger *zap.Logger
	http   *http.Client
}

var _ Source = (*Client)(nil)

// NewClient 构造候选发现客户端。
func NewClient(cfg config.DiscoveryConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Candidates 按类别与时间窗口查询候选键，数量受 max_candidates 限制。
func (c *Client) Candidates(ctx context.Context) ([]Candidate, error) {
	now := time.Now().UTC()
	query := url.Values{}
	query.Set("categories", strings.Join(c.cfg.Categories, ","))
	query.Set("from", now.Format(time.RFC3339))
	query.Set("to", now.Add(c.cfg.Lookahead).Format(time.RFC3339))
	query.Set("max", strconv.Itoa(c.cfg.MaxCandidates))

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/candidates?" + query.Encode()

	var out []Candidate
	err := c.callWithRetry(ctx, "list_candidates", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("discovery: 目录接口返回 %d: %s", resp.StatusCode, string(body))
		}

		var decoded []Candidate
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("discovery: 解析候选列表失败: %w", err)
		}

		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out) > c.cfg.MaxCandidates {
		out = out[:c.cfg.MaxCandidates]
	}
	return out, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("目录接口重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("目录接口调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
