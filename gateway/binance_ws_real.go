package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// StreamURL 拼接单一流地址：<base>/ws/<stream>。
func StreamURL(base, stream string) string {
	if base == "" {
		base = BinanceFuturesWSEndpoint
	}
	return strings.TrimRight(base, "/") + "/ws/" + stream
}

// CombinedStreamURL 拼接 combined stream 地址：<base>/stream?streams=a/b。
func CombinedStreamURL(base string, streams []string) (string, error) {
	if len(streams) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	if base == "" {
		base = BinanceFuturesWSEndpoint
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/stream")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TickerStream 合约 ticker 流名称。
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// WSDialer 建立 websocket 连接；Dialer 为空时使用 gorilla 默认配置。
type WSDialer struct {
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
}

func NewWSDialer() *WSDialer {
	return &WSDialer{Dialer: websocket.DefaultDialer, HandshakeTimeout: 10 * time.Second}
}

// Dial 连接 rawURL，握手受 ctx 与 HandshakeTimeout 约束。
func (d *WSDialer) Dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	if d != nil && d.Dialer != nil {
		dialer = d.Dialer
	}
	if d != nil && d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}
