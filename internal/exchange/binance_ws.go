package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-exec/gateway"
)

// StreamUser 账户推送流名称。
const StreamUser = "user"

var (
	errStale            = errors.New("user stream stale")
	errListenKeyExpired = errors.New("listenKey expired")
)

// rebuildError keepalive 侧要求立即重建。
type rebuildError struct{ reason string }

func (e *rebuildError) Error() string { return "rebuild requested: " + e.reason }

// ListenKeyAPI listenKey 生命周期接口。
type ListenKeyAPI interface {
	NewListenKey(ctx context.Context) (string, error)
	KeepAlive(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Dialer 建立 websocket 连接。
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (*websocket.Conn, error)
}

// AccountSink 账户状态缓存。
type AccountSink interface {
	HandleAccountUpdate(gateway.AccountUpdate)
	HandleOrderUpdate(gateway.OrderUpdate)
	SetStreamReady(ready bool)
	MarkSubscribeFailure()
	Degraded() bool
	Resync(ctx context.Context) error
}

// CooldownSource 限流冷却剩余时间。
type CooldownSource interface {
	Remaining() time.Duration
}

// Recorder 推送流指标。
type Recorder interface {
	SetStreamConnected(stream string, connected bool)
	IncStreamRebuild(stream, reason string)
	IncKeepaliveFailure()
}

// Config 用户数据流参数。
type Config struct {
	WSEndpoint          string
	KeepaliveInterval   time.Duration
	KeepaliveFailLimit  int
	StaleAfter          time.Duration
	HealthCheckInterval time.Duration
	SubscribeRetries    int
	SubscribeRetryDelay time.Duration
	ReadTimeout         time.Duration
	Backoff             Backoff
}

// DefaultConfig keepalive 30 分钟，连续 3 次失败重建，5 分钟无事件视为失活。
func DefaultConfig() Config {
	return Config{
		WSEndpoint:          gateway.BinanceFuturesWSEndpoint,
		KeepaliveInterval:   30 * time.Minute,
		KeepaliveFailLimit:  3,
		StaleAfter:          5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		SubscribeRetries:    5,
		SubscribeRetryDelay: 2 * time.Second,
		ReadTimeout:         6 * time.Minute,
		Backoff:             DefaultBackoff(),
	}
}

const minKeepaliveInterval = 60 * time.Second

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WSEndpoint == "" {
		c.WSEndpoint = def.WSEndpoint
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.KeepaliveInterval < minKeepaliveInterval {
		c.KeepaliveInterval = minKeepaliveInterval
	}
	if c.KeepaliveFailLimit <= 0 {
		c.KeepaliveFailLimit = def.KeepaliveFailLimit
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.SubscribeRetries <= 0 {
		c.SubscribeRetries = def.SubscribeRetries
	}
	if c.SubscribeRetryDelay <= 0 {
		c.SubscribeRetryDelay = def.SubscribeRetryDelay
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = def.Backoff
	}
	return c
}

// BinanceUserStream 管理 UserStream WebSocket：listenKey 续期、失活检测与重建。
// 每次连接成功后触发账户缓存回源对账并发出 resync 事件。
type BinanceUserStream struct {
	cfg      Config
	lk       ListenKeyAPI
	dialer   Dialer
	account  AccountSink
	dispatch *Dispatcher
	cooldown CooldownSource
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	state          State
	lastEvent      time.Time // 最近一条成功解析的用户数据事件
	connectedAt    time.Time // 本次连接建立时间，尚无事件时作为失活计时起点
	keepaliveFails int
	subscribeFails int
	connectedOnce  bool
	rebuilds       int
}

func NewBinanceUserStream(cfg Config, lk ListenKeyAPI, dialer Dialer, account AccountSink, dispatch *Dispatcher, logger *zap.Logger) *BinanceUserStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatch == nil {
		dispatch = NewDispatcher(logger)
	}
	return &BinanceUserStream{
		cfg:      cfg.withDefaults(),
		lk:       lk,
		dialer:   dialer,
		account:  account,
		dispatch: dispatch,
		logger:   logger,
		now:      time.Now,
	}
}

// SetCooldownSource 健康摘要使用的限流冷却来源。
func (b *BinanceUserStream) SetCooldownSource(c CooldownSource) { b.cooldown = c }

// SetRecorder 设置指标回调。
func (b *BinanceUserStream) SetRecorder(r Recorder) { b.recorder = r }

// Dispatcher 返回事件分发器。
func (b *BinanceUserStream) Dispatcher() *Dispatcher { return b.dispatch }

// State 当前连接状态。
func (b *BinanceUserStream) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BinanceUserStream) setState(to State) {
	b.mu.Lock()
	from := b.state
	b.state = to
	b.mu.Unlock()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		b.logger.Warn("unexpected stream transition", zap.String("from", from.String()), zap.String("to", to.String()))
	}
	b.logger.Debug("user stream state", zap.String("from", from.String()), zap.String("to", to.String()))
}

func (b *BinanceUserStream) emit(event, stage, reason string) {
	b.dispatch.PublishEvent(StreamEvent{Stream: StreamUser, Event: event, Stage: stage, Reason: reason, At: b.now()})
}

// Run 运行用户数据流直到 ctx 结束；断线或失活后按退避重建。
func (b *BinanceUserStream) Run(ctx context.Context) error {
	attempt := 0
	defer b.shutdown()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, key, err := b.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			wait := b.cfg.Backoff.Next(attempt)
			b.logger.Warn("user stream subscribe failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0
		b.onConnected(ctx)

		reason := b.session(ctx, conn, key)

		b.account.SetStreamReady(false)
		if b.recorder != nil {
			b.recorder.SetStreamConnected(StreamUser, false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("user stream rebuilding", zap.Error(reason))
		b.emit(EventDisconnected, "session", reason.Error())
		b.setState(StateRebuilding)
		b.mu.Lock()
		b.rebuilds++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.IncStreamRebuild(StreamUser, rebuildReason(reason))
		}
		b.emit(EventRebuild, "start", reason.Error())
		b.closeListenKey(ctx, key)
	}
}

// subscribe 创建 listenKey 并连接，失败按固定间隔重试。
func (b *BinanceUserStream) subscribe(ctx context.Context) (*websocket.Conn, string, error) {
	if b.State() != StateRebuilding {
		b.setState(StateConnecting)
	}
	var lastErr error
	for i := 1; i <= b.cfg.SubscribeRetries; i++ {
		key, err := b.lk.NewListenKey(ctx)
		if err == nil {
			var conn *websocket.Conn
			conn, err = b.dialer.Dial(ctx, gateway.StreamURL(b.cfg.WSEndpoint, key))
			if err == nil {
				return conn, key, nil
			}
			b.closeListenKey(ctx, key)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if i < b.cfg.SubscribeRetries && !sleepCtx(ctx, b.cfg.SubscribeRetryDelay) {
			return nil, "", ctx.Err()
		}
	}
	b.mu.Lock()
	b.subscribeFails++
	fails := b.subscribeFails
	b.mu.Unlock()
	b.setState(StateDisconnected)
	b.account.MarkSubscribeFailure()
	b.emit(EventDisconnected, "subscribe", lastErr.Error())
	return nil, "", fmt.Errorf("subscribe user stream (%d consecutive failures): %w", fails, lastErr)
}

func (b *BinanceUserStream) onConnected(ctx context.Context) {
	now := b.now()
	b.mu.Lock()
	b.connectedAt = now
	b.keepaliveFails = 0
	b.subscribeFails = 0
	rebuilt := b.connectedOnce
	b.connectedOnce = true
	b.mu.Unlock()
	b.setState(StateConnected)
	if b.recorder != nil {
		b.recorder.SetStreamConnected(StreamUser, true)
	}
	b.logger.Info("user stream connected", zap.Bool("rebuilt", rebuilt))
	b.emit(EventConnected, "session", "")

	// 断线期间可能丢失事件：先回源对账，再切回推送优先
	if err := b.account.Resync(ctx); err != nil {
		b.logger.Warn("account resync after connect failed", zap.Error(err))
	}
	b.account.SetStreamReady(true)
	// 首次连接同样发出 resync：进程停机期间的成交只能靠对账补上。
	stage := "initial"
	if rebuilt {
		stage = "reconnected"
	}
	b.emit(EventResync, stage, "")
}

// session 并行运行读循环、keepalive 和健康检查，任一退出即结束本次连接并返回原因。
func (b *BinanceUserStream) session(ctx context.Context, conn *websocket.Conn, key string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return b.readLoop(conn) })
	g.Go(func() error { return b.runKeepalive(gctx, key) })
	g.Go(func() error { return b.runHealthCheck(gctx) })
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("session ended")
	}
	return err
}

func (b *BinanceUserStream) touch() {
	now := b.now()
	b.mu.Lock()
	b.lastEvent = now
	b.mu.Unlock()
}

// lastActivity 失活判断的参考时间：最近一条用户事件，连接后尚无事件时取连接时间。
func (b *BinanceUserStream) lastActivity() time.Time {
	if b.lastEvent.After(b.connectedAt) {
		return b.lastEvent
	}
	return b.connectedAt
}

// readLoop 读取 WS 消息并分发事件；ping/pong 只刷新读超时，不算作用户事件。
func (b *BinanceUserStream) readLoop(conn *websocket.Conn) error {
	timeout := b.cfg.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if err := b.handleMessage(msg); err != nil {
			return err
		}
	}
}

// handleMessage 解析并分发 UserData 事件；listenKeyExpired 要求重建。
func (b *BinanceUserStream) handleMessage(raw []byte) error {
	ev, err := gateway.ParseUserData(raw)
	if err != nil {
		if !errors.Is(err, gateway.ErrNonUserData) {
			b.logger.Warn("parse user data failed", zap.Error(err))
		}
		return nil
	}
	b.touch()
	switch ev.EventType {
	case gateway.EventOrderTradeUpdate:
		if ev.Order != nil {
			b.account.HandleOrderUpdate(*ev.Order)
			b.dispatch.PublishOrder(*ev.Order)
		}
	case gateway.EventAccountUpdate:
		if ev.Account != nil {
			b.account.HandleAccountUpdate(*ev.Account)
			b.dispatch.PublishAccount(*ev.Account)
		}
	case gateway.EventListenKeyExpired:
		return errListenKeyExpired
	}
	return nil
}

// runKeepalive 定期续期 listenKey；连续失败达到上限或 key 已失效时要求重建。
func (b *BinanceUserStream) runKeepalive(ctx context.Context, key string) error {
	ticker := time.NewTicker(b.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := b.lk.KeepAlive(ctx, key)
		if err == nil {
			b.mu.Lock()
			b.keepaliveFails = 0
			b.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		b.mu.Lock()
		b.keepaliveFails++
		fails := b.keepaliveFails
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.IncKeepaliveFailure()
		}
		b.logger.Warn("listenKey keepalive failed", zap.Int("fails", fails), zap.Error(err))
		b.emit(EventKeepaliveFailed, "keepalive", err.Error())
		if gateway.ErrorCode(err) == gateway.CodeListenKeyNotExist {
			return &rebuildError{reason: "listen_key_not_exist"}
		}
		if fails >= b.cfg.KeepaliveFailLimit {
			return &rebuildError{reason: fmt.Sprintf("keepalive_failed_%d_times", fails)}
		}
	}
}

// runHealthCheck 周期比较距上次用户事件的时间，超过阈值视为失活。
func (b *BinanceUserStream) runHealthCheck(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if b.isStale() {
			b.setState(StateStale)
			return errStale
		}
	}
}

func (b *BinanceUserStream) isStale() bool {
	b.mu.Lock()
	last := b.lastActivity()
	b.mu.Unlock()
	return !last.IsZero() && b.now().Sub(last) > b.cfg.StaleAfter
}

func (b *BinanceUserStream) closeListenKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.lk.CloseListenKey(cctx, key); err != nil {
		b.logger.Debug("close listenKey failed", zap.Error(err))
	}
}

func (b *BinanceUserStream) shutdown() {
	b.account.SetStreamReady(false)
	if b.recorder != nil {
		b.recorder.SetStreamConnected(StreamUser, false)
	}
	b.mu.Lock()
	b.state = StateDisconnected
	b.mu.Unlock()
	b.logger.Info("user stream stopped")
}

func rebuildReason(err error) string {
	var rb *rebuildError
	switch {
	case errors.As(err, &rb):
		return rb.reason
	case errors.Is(err, errStale):
		return "stale"
	case errors.Is(err, errListenKeyExpired):
		return "listen_key_expired"
	default:
		return "disconnected"
	}
}
