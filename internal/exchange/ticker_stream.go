package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-exec/gateway"
)

// TickerSink 接收行情推送。
type TickerSink interface {
	OnTicker(gateway.TickerUpdate)
}

type tickerTopic struct {
	refs    int
	cancel  context.CancelFunc
	running bool
}

// TickerStreams 按合约引用计数管理 <symbol>@ticker 连接：首个订阅者建立连接，最后一个离开时关闭。
type TickerStreams struct {
	wsEndpoint  string
	dialer      Dialer
	sink        TickerSink
	backoff     Backoff
	readTimeout time.Duration
	recorder    Recorder
	logger      *zap.Logger

	mu     sync.Mutex
	base   context.Context
	topics map[string]*tickerTopic
	wg     sync.WaitGroup
}

func NewTickerStreams(wsEndpoint string, dialer Dialer, sink TickerSink, logger *zap.Logger) *TickerStreams {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wsEndpoint == "" {
		wsEndpoint = gateway.BinanceFuturesWSEndpoint
	}
	return &TickerStreams{
		wsEndpoint:  wsEndpoint,
		dialer:      dialer,
		sink:        sink,
		backoff:     DefaultBackoff(),
		readTimeout: 2 * time.Minute,
		logger:      logger,
		topics:      make(map[string]*tickerTopic),
	}
}

// SetRecorder 设置指标回调。
func (t *TickerStreams) SetRecorder(r Recorder) { t.recorder = r }

// AcquireTicker 增加合约引用；Run 之前的订阅在启动时建立连接。
func (t *TickerStreams) AcquireTicker(symbol string) {
	symbol = strings.ToUpper(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[symbol]
	if !ok {
		tp = &tickerTopic{}
		t.topics[symbol] = tp
	}
	tp.refs++
	if t.base != nil && !tp.running {
		t.startLocked(symbol, tp)
	}
}

// ReleaseTicker 减少合约引用，归零时关闭连接。
func (t *TickerStreams) ReleaseTicker(symbol string) {
	symbol = strings.ToUpper(symbol)
	t.mu.Lock()
	tp, ok := t.topics[symbol]
	if !ok {
		t.mu.Unlock()
		return
	}
	tp.refs--
	if tp.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.topics, symbol)
	cancel := tp.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.logger.Info("ticker stream released", zap.String("symbol", symbol))
}

// Refs 返回合约当前引用数。
func (t *TickerStreams) Refs(symbol string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[strings.ToUpper(symbol)]; ok {
		return tp.refs
	}
	return 0
}

// Topics 返回当前订阅的合约。
func (t *TickerStreams) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.topics))
	for s := range t.topics {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run 启动所有已订阅合约的连接并阻塞到 ctx 结束。
func (t *TickerStreams) Run(ctx context.Context) error {
	t.mu.Lock()
	t.base = ctx
	for symbol, tp := range t.topics {
		if !tp.running {
			t.startLocked(symbol, tp)
		}
	}
	t.mu.Unlock()

	<-ctx.Done()

	t.mu.Lock()
	t.base = nil
	for _, tp := range t.topics {
		if tp.cancel != nil {
			tp.cancel()
		}
		tp.running = false
		tp.cancel = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	return ctx.Err()
}

func (t *TickerStreams) startLocked(symbol string, tp *tickerTopic) {
	ctx, cancel := context.WithCancel(t.base)
	tp.cancel = cancel
	tp.running = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runTopic(ctx, symbol)
	}()
}

func (t *TickerStreams) runTopic(ctx context.Context, symbol string) {
	stream := "ticker:" + symbol
	url := gateway.StreamURL(t.wsEndpoint, gateway.TickerStream(symbol))
	attempt := 0
	for ctx.Err() == nil {
		conn, err := t.dialer.Dial(ctx, url)
		if err != nil {
			attempt++
			wait := t.backoff.Next(attempt)
			t.logger.Warn("ticker stream dial failed",
				zap.String("symbol", symbol),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		attempt = 0
		if t.recorder != nil {
			t.recorder.SetStreamConnected(stream, true)
		}
		t.logger.Info("ticker stream connected", zap.String("symbol", symbol))
		err = t.readLoop(ctx, conn)
		if t.recorder != nil {
			t.recorder.SetStreamConnected(stream, false)
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("ticker stream disconnected", zap.String("symbol", symbol), zap.Error(err))
		if t.recorder != nil {
			t.recorder.IncStreamRebuild(stream, "disconnected")
		}
		if !sleepCtx(ctx, t.backoff.Next(1)) {
			return
		}
	}
}

func (t *TickerStreams) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		u, err := gateway.ParseTicker(msg)
		if err != nil {
			t.logger.Debug("parse ticker failed", zap.Error(err))
			continue
		}
		t.deliver(u)
	}
}

func (t *TickerStreams) deliver(u gateway.TickerUpdate) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("ticker sink panic", zap.String("symbol", u.Symbol), zap.Any("panic", r))
		}
	}()
	if t.sink != nil {
		t.sink.OnTicker(u)
	}
}
