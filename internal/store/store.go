package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-exec/gateway"
	"futures-exec/result"
)

// ErrPullThrottled 同一端点的拉取间隔未到。
var ErrPullThrottled = errors.New("account pull throttled")

// EventSink 接收状态变化事件。
type EventSink func(string, map[string]interface{})

// Source 账户 REST 接口。
type Source interface {
	Balances(ctx context.Context) ([]gateway.Balance, error)
	PositionRisk(ctx context.Context, symbol string) ([]gateway.PositionRisk, error)
	OpenOrders(ctx context.Context, symbol string) ([]gateway.OrderResponse, error)
}

// Governor 限流冷却检查与结果记录。
type Governor interface {
	ShouldSkip() bool
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config 拉取节流参数。
type Config struct {
	MinPullInterval      time.Duration // 正常模式同一端点最小拉取间隔
	DegradedPullInterval time.Duration // 降级模式最小拉取间隔
	DegradedHold         time.Duration // 订阅失败后降级模式持续时间
}

func DefaultConfig() Config {
	return Config{
		MinPullInterval:      2 * time.Second,
		DegradedPullInterval: 15 * time.Second,
		DegradedHold:         300 * time.Second,
	}
}

const (
	endpointBalance   = "balance"
	endpointPositions = "positions"
	endpointOrders    = "openOrders"
	allSymbols        = "*"

	pushMarkRetention = 10 * time.Minute
	pushMarkPruneSize = 1024
)

// Store 账户状态缓存。
// 推送流就绪时直接返回推送维护的快照；否则受限流治理与端点节流约束回源拉取，
// 拉取成功的结果作为"最后已知正确值"保存，之后被节流的调用不会返回人为的空结果。
type Store struct {
	src    Source
	gov    Governor
	now    func() time.Time
	logger *zap.Logger
	sink   EventSink

	mu            sync.RWMutex
	cfg           Config
	snap          *Snapshot
	streamReady   bool
	degradedUntil time.Time
	pushedAt      map[string]time.Time // 字段最近一次推送时间，拉取结果不得覆盖更晚的推送
	orderSeen     map[string]int64     // 已应用的订单推送 updateTime
	known         map[string]bool      // 已观察过完整集合的端点范围
	lastPull      map[string]time.Time
}

func New(src Source, gov Governor, cfg Config, logger *zap.Logger, sink EventSink) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		src:       src,
		gov:       gov,
		now:       time.Now,
		logger:    logger,
		sink:      sink,
		snap:      emptySnapshot(),
		pushedAt:  make(map[string]time.Time),
		orderSeen: make(map[string]int64),
		known:     make(map[string]bool),
		lastPull:  make(map[string]time.Time),
	}
	s.Reconfigure(cfg)
	return s
}

// Reconfigure 热更新节流参数。
func (s *Store) Reconfigure(cfg Config) {
	def := DefaultConfig()
	if cfg.MinPullInterval <= 0 {
		cfg.MinPullInterval = def.MinPullInterval
	}
	if cfg.DegradedPullInterval <= 0 {
		cfg.DegradedPullInterval = def.DegradedPullInterval
	}
	if cfg.DegradedHold <= 0 {
		cfg.DegradedHold = def.DegradedHold
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetStreamReady 账户推送流就绪状态。
func (s *Store) SetStreamReady(ready bool) {
	s.mu.Lock()
	s.streamReady = ready
	s.mu.Unlock()
}

// StreamReady 推送流是否就绪。
func (s *Store) StreamReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamReady
}

// MarkSubscribeFailure 推送订阅失败，进入降级模式并放宽拉取间隔。
func (s *Store) MarkSubscribeFailure() {
	s.mu.Lock()
	s.degradedUntil = s.now().Add(s.cfg.DegradedHold)
	until := s.degradedUntil
	s.mu.Unlock()
	s.logger.Warn("account cache degraded", zap.Time("until", until))
}

// Degraded 是否处于降级拉取模式。
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Before(s.degradedUntil)
}

// Snapshot 返回当前快照的副本。
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Balance 返回资产余额；已观察过完整余额集合时，缺失的资产视为 0。
func (s *Store) Balance(ctx context.Context, asset string) result.Result[Balance] {
	asset = strings.ToUpper(asset)
	view := func(sn *Snapshot) Balance {
		if b, ok := sn.Balances[asset]; ok {
			return b
		}
		return Balance{Asset: asset}
	}
	return readThrough(s, ctx, endpointBalance, allSymbols, []string{endpointBalance}, view, s.pullBalances)
}

// Positions 返回持仓；symbol 为空返回全部。单合约查询可由全量持仓的最后已知值回答。
func (s *Store) Positions(ctx context.Context, symbol string) result.Result[[]Position] {
	scope := scopeOf(symbol)
	keys := []string{endpointPositions + ":" + allSymbols}
	if scope != allSymbols {
		keys = append(keys, endpointPositions+":"+scope)
	}
	view := func(sn *Snapshot) []Position { return sn.positions(symbol) }
	pull := func(ctx context.Context) error { return s.pullPositions(ctx, symbol) }
	return readThrough(s, ctx, endpointPositions, scope, keys, view, pull)
}

// OpenOrders 返回活跃订单；symbol 为空返回全部。
func (s *Store) OpenOrders(ctx context.Context, symbol string) result.Result[[]OpenOrder] {
	scope := scopeOf(symbol)
	keys := []string{endpointOrders + ":" + allSymbols}
	if scope != allSymbols {
		keys = append(keys, endpointOrders+":"+scope)
	}
	view := func(sn *Snapshot) []OpenOrder { return sn.openOrders(symbol) }
	pull := func(ctx context.Context) error { return s.pullOrders(ctx, symbol) }
	return readThrough(s, ctx, endpointOrders, scope, keys, view, pull)
}

func scopeOf(symbol string) string {
	if symbol == "" {
		return allSymbols
	}
	return symbol
}

func readThrough[T any](s *Store, ctx context.Context, endpoint, scope string, knownKeys []string,
	view func(*Snapshot) T, pull func(ctx context.Context) error) result.Result[T] {
	s.mu.RLock()
	snap, ready, known := s.snap, s.streamReady, s.knownLocked(knownKeys)
	s.mu.RUnlock()
	if ready && known {
		return result.OK(view(snap))
	}

	if s.gov != nil && s.gov.ShouldSkip() {
		return fallback(s, knownKeys, view, gateway.ErrThrottled)
	}
	if !s.allowPull(endpoint + ":" + scope) {
		return fallback(s, knownKeys, view, ErrPullThrottled)
	}
	if err := s.guard(ctx, pull); err != nil {
		s.logger.Warn("account pull failed", zap.String("endpoint", endpoint), zap.String("scope", scope), zap.Error(err))
		return fallback(s, knownKeys, view, err)
	}
	s.mu.RLock()
	snap = s.snap
	s.mu.RUnlock()
	return result.OK(view(snap))
}

func fallback[T any](s *Store, knownKeys []string, view func(*Snapshot) T, reason error) result.Result[T] {
	s.mu.RLock()
	snap, known := s.snap, s.knownLocked(knownKeys)
	s.mu.RUnlock()
	if known {
		return result.DegradedOf(view(snap), reason)
	}
	return result.UnavailableOf[T](reason)
}

func (s *Store) knownLocked(keys []string) bool {
	for _, k := range keys {
		if s.known[k] {
			return true
		}
	}
	return false
}

func (s *Store) allowPull(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := s.cfg.MinPullInterval
	if now.Before(s.degradedUntil) {
		interval = s.cfg.DegradedPullInterval
	}
	if last, ok := s.lastPull[key]; ok && now.Sub(last) < interval {
		return false
	}
	s.lastPull[key] = now
	return true
}

func (s *Store) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.src == nil {
		return errors.New("account source not configured")
	}
	if s.gov == nil {
		return fn(ctx)
	}
	return s.gov.Guard(ctx, fn)
}

// pushedSinceLocked 字段在 start 之后被推送过。
func (s *Store) pushedSinceLocked(field string, start time.Time) bool {
	at, ok := s.pushedAt[field]
	return ok && !at.Before(start)
}

func (s *Store) pullBalances(ctx context.Context) error {
	start := s.now()
	rows, err := s.src.Balances(ctx)
	if err != nil {
		return err
	}
	at := s.now()
	s.mu.Lock()
	next := s.snap.clone()
	fresh := make(map[string]Balance, len(rows))
	for _, r := range rows {
		b := balanceFromREST(r, at)
		fresh[b.Asset] = b
	}
	for asset, b := range next.Balances {
		if s.pushedSinceLocked("b:"+asset, start) {
			fresh[asset] = b
		}
	}
	next.Balances = fresh
	next.UpdatedAt = at
	s.snap = next
	s.known[endpointBalance] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) pullPositions(ctx context.Context, symbol string) error {
	start := s.now()
	rows, err := s.src.PositionRisk(ctx, symbol)
	if err != nil {
		return err
	}
	at := s.now()
	s.mu.Lock()
	next := s.snap.clone()
	for k, p := range next.Positions {
		if (symbol == "" || p.Symbol == symbol) && !s.pushedSinceLocked("p:"+k, start) {
			delete(next.Positions, k)
		}
	}
	for _, r := range rows {
		p := positionFromREST(r, at)
		k := positionKey(p.Symbol, p.PositionSide)
		if s.pushedSinceLocked("p:"+k, start) || p.Amount == 0 {
			continue
		}
		next.Positions[k] = p
	}
	next.UpdatedAt = at
	s.snap = next
	s.known[endpointPositions+":"+scopeOf(symbol)] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) pullOrders(ctx context.Context, symbol string) error {
	start := s.now()
	rows, err := s.src.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	at := s.now()
	s.mu.Lock()
	next := s.snap.clone()
	for k, o := range next.OpenOrders {
		if (symbol == "" || o.Symbol == symbol) && !s.pushedSinceLocked("o:"+k, start) {
			delete(next.OpenOrders, k)
		}
	}
	for _, r := range rows {
		o := orderFromREST(r)
		k := o.Key()
		if k == "" || s.pushedSinceLocked("o:"+k, start) || IsTerminalStatus(o.Status) {
			continue
		}
		next.OpenOrders[k] = o
	}
	next.UpdatedAt = at
	s.snap = next
	s.known[endpointOrders+":"+scopeOf(symbol)] = true
	s.mu.Unlock()
	return nil
}

// Resync 全量拉取余额、持仓和活跃订单，用于启动和推送流重建后的对账。
func (s *Store) Resync(ctx context.Context) error {
	var errs error
	steps := []struct {
		key  string
		pull func(ctx context.Context) error
	}{
		{endpointBalance + ":" + allSymbols, s.pullBalances},
		{endpointPositions + ":" + allSymbols, func(ctx context.Context) error { return s.pullPositions(ctx, "") }},
		{endpointOrders + ":" + allSymbols, func(ctx context.Context) error { return s.pullOrders(ctx, "") }},
	}
	for _, st := range steps {
		if err := s.guard(ctx, st.pull); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.mu.Lock()
		s.lastPull[st.key] = s.now()
		s.mu.Unlock()
	}
	snap := s.Snapshot()
	s.logEvent("account_resync", map[string]interface{}{
		"balances":    len(snap.Balances),
		"positions":   len(snap.Positions),
		"open_orders": len(snap.OpenOrders),
		"ok":          errs == nil,
	})
	return errs
}

// HandleAccountUpdate 应用 ACCOUNT_UPDATE 推送：余额与持仓整体替换到新快照。
func (s *Store) HandleAccountUpdate(a gateway.AccountUpdate) {
	at := s.now()
	s.mu.Lock()
	next := s.snap.clone()
	for _, b := range a.Balances {
		asset := strings.ToUpper(b.Asset)
		next.Balances[asset] = Balance{Asset: asset, Total: b.WalletBalance, Free: b.CrossWalletBalance, UpdatedAt: at}
		s.pushedAt["b:"+asset] = at
	}
	for _, p := range a.Positions {
		k := positionKey(p.Symbol, p.PositionSide)
		s.pushedAt["p:"+k] = at
		if p.PositionAmt == 0 {
			delete(next.Positions, k)
			continue
		}
		prev := next.Positions[k]
		next.Positions[k] = Position{
			Symbol:        p.Symbol,
			PositionSide:  strings.ToUpper(firstNonEmpty(p.PositionSide, "BOTH")),
			Amount:        p.PositionAmt,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     prev.MarkPrice,
			UnrealizedPnL: p.PnL,
			Leverage:      prev.Leverage,
			MarginType:    prev.MarginType,
			UpdatedAt:     at,
		}
	}
	next.UpdatedAt = at
	s.snap = next
	s.pruneLocked(at)
	s.mu.Unlock()

	for _, p := range a.Positions {
		s.logEvent("position_update", map[string]interface{}{
			"symbol":      p.Symbol,
			"side":        p.PositionSide,
			"position":    p.PositionAmt,
			"entry_price": p.EntryPrice,
			"pnl":         p.PnL,
			"reason":      strings.ToUpper(a.Reason),
		})
	}
}

// HandleOrderUpdate 应用 ORDER_TRADE_UPDATE 推送；终态订单移除，过期的乱序更新被丢弃。
func (s *Store) HandleOrderUpdate(o gateway.OrderUpdate) {
	k := orderKey(o.OrderID, o.ClientOrderID)
	if k == "" {
		return
	}
	at := s.now()
	s.mu.Lock()
	if seen, ok := s.orderSeen[k]; ok && o.UpdateTime > 0 && seen > o.UpdateTime {
		s.mu.Unlock()
		return
	}
	next := s.snap.clone()
	terminal := IsTerminalStatus(o.Status)
	if terminal {
		delete(next.OpenOrders, k)
	} else {
		next.OpenOrders[k] = orderFromPush(o)
	}
	s.orderSeen[k] = o.UpdateTime
	s.pushedAt["o:"+k] = at
	next.UpdatedAt = at
	s.snap = next
	s.pruneLocked(at)
	openCount := len(next.OpenOrders)
	s.mu.Unlock()

	s.logEvent("order_update", map[string]interface{}{
		"symbol":      o.Symbol,
		"order_id":    o.OrderID,
		"client_id":   o.ClientOrderID,
		"status":      o.Status,
		"execution":   o.ExecutionType,
		"side":        o.Side,
		"type":        o.OrderType,
		"price":       o.Price,
		"orig_qty":    o.OrigQty,
		"accum_qty":   o.AccumulatedQty,
		"update_time": o.UpdateTime,
		"open_orders": openCount,
	})
}

func (s *Store) pruneLocked(now time.Time) {
	if len(s.pushedAt) < pushMarkPruneSize {
		return
	}
	for k, at := range s.pushedAt {
		if now.Sub(at) > pushMarkRetention {
			delete(s.pushedAt, k)
			if strings.HasPrefix(k, "o:") {
				delete(s.orderSeen, strings.TrimPrefix(k, "o:"))
			}
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
