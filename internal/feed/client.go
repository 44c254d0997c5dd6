package feed

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"md-recorder/internal/config"
)

// Handler 接收一行原始的非心跳信封字节。
type Handler func(line []byte)

// Client 维护到行情流的 TLS 长连接，按行读取信封。
// 协议为 CRLF 分隔的 JSON 行：连接后先发送 auth 与 sub 两条指令。
type Client struct {
	cfg    config.FeedConfig
	logger *zap.Logger

	// dial 可在测试中替换为内存连接。
	dial func(ctx context.Context) (net.Conn, error)
}

// NewClient 构造行情流客户端。
func NewClient(cfg config.FeedConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
	}
	c.dial = c.dialTLS
	return c
}

type authMessage struct {
	Op      string `json:"op"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

type subMessage struct {
	Op   string   `json:"op"`
	Keys []string `json:"keys"`
}

// Run 持续消费行情流并把每一行非心跳信封交给 handler，
// 直到 ctx 取消或连续重连超过上限。瞬时断连会自动重连并重新订阅。
func (c *Client) Run(ctx context.Context, keys []string, handler Handler) error {
	attempt := 0
	minDelay, maxDelay := c.backoffBounds()
	delay := minDelay

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		consumed, err := c.runOnce(ctx, keys, handler)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if consumed > 0 {
			// 本次连接有有效消费，重置退避。
			attempt = 1
			delay = minDelay
		}

		if attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("行情流重连失败，放弃",
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return fmt.Errorf("feed: 重连 %d 次后仍失败: %w", attempt, err)
		}

		c.logger.Warn("行情流断开，准备重连",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

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

// backoffBounds 返回重连退避的上下界，配置缺省或非正时回落到安全值。
func (c *Client) backoffBounds() (time.Duration, time.Duration) {
	lo := c.cfg.Retry.MinDelay
	if lo <= 0 {
		lo = 500 * time.Millisecond
	}
	hi := c.cfg.Retry.MaxDelay
	if hi <= 0 {
		hi = 10 * time.Second
	}
	return lo, hi
}

// runOnce 建立一次连接并消费至出错或取消，返回本次消费的行数。
func (c *Client) runOnce(ctx context.Context, keys []string, handler Handler) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("feed: 连接失败: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := c.handshake(conn, keys); err != nil {
		return 0, err
	}

	c.logger.Info("行情流已订阅",
		zap.String("endpoint", c.cfg.Endpoint),
		zap.Int("keys", len(keys)),
	)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), c.cfg.MaxLineBytes)

	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// 心跳与连接状态应答在到达路由器之前丢弃，不触发任何解码与落盘。
		if IsHeartbeat(line) || !IsUpdate(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		handler(cp)
		consumed++
	}

	if ctx.Err() != nil {
		return consumed, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return consumed, fmt.Errorf("feed: 读取行情流失败: %w", err)
	}
	return consumed, errors.New("feed: 行情流被对端关闭")
}

func (c *Client) handshake(conn net.Conn, keys []string) error {
	auth, err := json.Marshal(authMessage{Op: "auth", AppKey: c.cfg.AppKey, Session: c.cfg.SessionToken})
	if err != nil {
		return fmt.Errorf("feed: 序列化认证指令失败: %w", err)
	}
	sub, err := json.Marshal(subMessage{Op: "sub", Keys: keys})
	if err != nil {
		return fmt.Errorf("feed: 序列化订阅指令失败: %w", err)
	}
	if err := writeLine(conn, auth); err != nil {
		return fmt.Errorf("feed: 发送认证指令失败: %w", err)
	}
	if err := writeLine(conn, sub); err != nil {
		return fmt.Errorf("feed: 发送订阅指令失败: %w", err)
	}
	return nil
}

func (c *Client) dialTLS(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	host, _, err := net.SplitHostPort(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("feed: 非法的 endpoint %q: %w", c.cfg.Endpoint, err)
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: host}}
	return tlsDialer.DialContext(ctx, "tcp", c.cfg.Endpoint)
}

func writeLine(conn net.Conn, payload []byte) error {
	buf := make([]byte, 0, len(payload)+2)
	buf = append(buf, payload...)
	buf = append(buf, '\r', '\n')
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
