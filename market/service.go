package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-exec/gateway"
	"futures-exec/result"
	"futures-exec/rules"
)

// ErrSimulated 价格来自模拟配置而非交易所。
var ErrSimulated = errors.New("simulated price")

// ErrPullInterval 距上次拉取不足最小间隔，返回的缓存价已超过最大时效。
var ErrPullInterval = errors.New("ticker pull within min interval")

// Source 行情 REST 接口。
type Source interface {
	Ticker24h(ctx context.Context, symbol string) (gateway.Ticker24h, error)
	BookTicker(ctx context.Context, symbol string) (gateway.BookTicker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]gateway.Kline, error)
	Depth(ctx context.Context, symbol string, limit int) (gateway.Depth, error)
}

// Governor 限流冷却检查与结果记录。
type Governor interface {
	ShouldSkip() bool
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

// TopicManager 引用计数的行情推送订阅，由流管理器实现。
type TopicManager interface {
	AcquireTicker(symbol string)
	ReleaseTicker(symbol string)
}

// TickerSource 行情来源。
type TickerSource string

const (
	SourcePull      TickerSource = "pull"
	SourcePush      TickerSource = "push"
	SourceSimulated TickerSource = "simulated"
)

// Ticker 合约最新价快照；CapturedAt 为本地接收时间。
type Ticker struct {
	Symbol     string
	Price      float64
	Bid        float64
	Ask        float64
	EventTime  int64
	CapturedAt time.Time
	Source     TickerSource
}

// Config 行情缓存参数。
type Config struct {
	TickerMaxAge    time.Duration
	RESTMinInterval time.Duration
	Simulation      bool
	SimulatedPrices map[string]float64
}

// DefaultConfig 新鲜度 10 秒，同一合约 REST 拉取最小间隔 0.8 秒。
func DefaultConfig() Config {
	return Config{TickerMaxAge: 10 * time.Second, RESTMinInterval: 800 * time.Millisecond}
}

type klineKey struct {
	symbol   string
	interval string
	limit    int
}

// Service 行情缓存：推送随时覆盖，读取时按新鲜度决定是否拉取，失败时返回降级缓存。
type Service struct {
	src    Source
	gov    Governor
	now    func() time.Time
	logger *zap.Logger
	pub    *Publisher

	mu        sync.RWMutex
	cfg       Config
	tickers   map[string]Ticker
	lastPull  map[string]time.Time
	klines    map[klineKey][]Kline
	books     map[string]OrderBook
	topics    TopicManager
	subTopics map[uint64]string
}

func NewService(src Source, gov Governor, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		src:       src,
		gov:       gov,
		now:       time.Now,
		logger:    logger,
		pub:       NewPublisher(logger),
		tickers:   make(map[string]Ticker),
		lastPull:  make(map[string]time.Time),
		klines:    make(map[klineKey][]Kline),
		books:     make(map[string]OrderBook),
		subTopics: make(map[uint64]string),
	}
	s.Reconfigure(cfg)
	return s
}

// Reconfigure 热更新新鲜度阈值等参数。
func (s *Service) Reconfigure(cfg Config) {
	def := DefaultConfig()
	if cfg.TickerMaxAge <= 0 {
		cfg.TickerMaxAge = def.TickerMaxAge
	}
	if cfg.RESTMinInterval <= 0 {
		cfg.RESTMinInterval = def.RESTMinInterval
	}
	prices := make(map[string]float64, len(cfg.SimulatedPrices))
	for k, v := range cfg.SimulatedPrices {
		prices[rules.Normalize(k)] = v
	}
	cfg.SimulatedPrices = prices
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetTopics 注入推送订阅管理器；流管理器同时依赖本服务作为行情接收方。
func (s *Service) SetTopics(t TopicManager) {
	s.mu.Lock()
	s.topics = t
	s.mu.Unlock()
}

// OnTicker 推送行情无条件覆盖缓存并通知订阅者；缺失的买一卖一沿用旧值。
func (s *Service) OnTicker(u gateway.TickerUpdate) {
	if u.LastPrice <= 0 {
		return
	}
	symbol := rules.Normalize(u.Symbol)
	s.mu.Lock()
	prev := s.tickers[symbol]
	t := Ticker{
		Symbol:     symbol,
		Price:      u.LastPrice,
		Bid:        u.Bid,
		Ask:        u.Ask,
		EventTime:  u.EventTime,
		CapturedAt: s.now(),
		Source:     SourcePush,
	}
	if t.Bid <= 0 {
		t.Bid = prev.Bid
	}
	if t.Ask <= 0 {
		t.Ask = prev.Ask
	}
	s.tickers[symbol] = t
	s.mu.Unlock()
	s.pub.Publish(t)
}

// Ticker 返回最新价。缓存新鲜直接返回；否则拉取，失败时返回降级缓存或不可用。
func (s *Service) Ticker(ctx context.Context, instrument string) result.Result[Ticker] {
	symbol := rules.Normalize(instrument)
	now := s.now()

	s.mu.RLock()
	cached, ok := s.tickers[symbol]
	last := s.lastPull[symbol]
	cfg := s.cfg
	s.mu.RUnlock()
	ok = ok && cached.Price > 0

	if ok && now.Sub(cached.CapturedAt) < cfg.TickerMaxAge {
		return result.OK(cached)
	}
	if ok && !last.IsZero() && now.Sub(last) < cfg.RESTMinInterval {
		return result.DegradedOf(cached, ErrPullInterval)
	}
	if s.gov != nil && s.gov.ShouldSkip() {
		return s.tickerFallback(symbol, cached, ok, gateway.ErrThrottled)
	}

	t, err := s.pullTicker(ctx, symbol, now)
	if err != nil {
		s.logger.Warn("ticker pull failed", zap.String("symbol", symbol), zap.Error(err))
		return s.tickerFallback(symbol, cached, ok, err)
	}
	return result.OK(t)
}

func (s *Service) pullTicker(ctx context.Context, symbol string, requestedAt time.Time) (Ticker, error) {
	var t24 gateway.Ticker24h
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		t24, err = s.src.Ticker24h(ctx, symbol)
		return err
	})
	if err != nil {
		return Ticker{}, err
	}
	if t24.LastPrice <= 0 {
		return Ticker{}, fmt.Errorf("ticker %s: non-positive last price", symbol)
	}
	t := Ticker{Symbol: symbol, Price: t24.LastPrice, EventTime: t24.CloseTime, Source: SourcePull}

	var book gateway.BookTicker
	bookErr := s.guard(ctx, func(ctx context.Context) error {
		var err error
		book, err = s.src.BookTicker(ctx, symbol)
		return err
	})
	if bookErr == nil {
		t.Bid, t.Ask = book.BidPrice, book.AskPrice
	} else {
		s.logger.Debug("book ticker pull failed", zap.String("symbol", symbol), zap.Error(bookErr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPull[symbol] = s.now()
	if cur, ok := s.tickers[symbol]; ok && cur.Source == SourcePush && !cur.CapturedAt.Before(requestedAt) {
		// 请求期间已有更新的推送
		return cur, nil
	}
	t.CapturedAt = s.now()
	if t.Bid <= 0 || t.Ask <= 0 {
		prev := s.tickers[symbol]
		if t.Bid <= 0 {
			t.Bid = prev.Bid
		}
		if t.Ask <= 0 {
			t.Ask = prev.Ask
		}
	}
	s.tickers[symbol] = t
	return t, nil
}

func (s *Service) tickerFallback(symbol string, cached Ticker, ok bool, reason error) result.Result[Ticker] {
	if ok {
		return result.DegradedOf(cached, reason)
	}
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if cfg.Simulation {
		if p := cfg.SimulatedPrices[symbol]; p > 0 {
			return result.DegradedOf(Ticker{
				Symbol:     symbol,
				Price:      p,
				CapturedAt: s.now(),
				Source:     SourceSimulated,
			}, ErrSimulated)
		}
	}
	return result.UnavailableOf[Ticker](fmt.Errorf("ticker %s: %w", symbol, reason))
}

// Klines 拉取 K 线；失败时返回同参数的上一次成功结果。
func (s *Service) Klines(ctx context.Context, instrument, interval string, limit int) result.Result[[]Kline] {
	symbol := rules.Normalize(instrument)
	key := klineKey{symbol: symbol, interval: interval, limit: limit}
	var rows []gateway.Kline
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.src.Klines(ctx, symbol, interval, limit)
		return err
	})
	if err == nil {
		ks := klinesFrom(rows)
		s.mu.Lock()
		s.klines[key] = ks
		s.mu.Unlock()
		return result.OK(ks)
	}
	s.logger.Warn("klines pull failed", zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
	s.mu.RLock()
	last, ok := s.klines[key]
	s.mu.RUnlock()
	if ok {
		return result.DegradedOf(last, err)
	}
	return result.UnavailableOf[[]Kline](fmt.Errorf("klines %s %s: %w", symbol, interval, err))
}

// OrderBook 拉取盘口快照；失败时返回上一次成功结果。
func (s *Service) OrderBook(ctx context.Context, instrument string, limit int) result.Result[OrderBook] {
	symbol := rules.Normalize(instrument)
	var d gateway.Depth
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.src.Depth(ctx, symbol, limit)
		return err
	})
	if err == nil {
		ob := newOrderBook(symbol, d, s.now())
		s.mu.Lock()
		s.books[symbol] = ob
		s.mu.Unlock()
		return result.OK(ob)
	}
	s.logger.Warn("depth pull failed", zap.String("symbol", symbol), zap.Error(err))
	s.mu.RLock()
	last, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok {
		return result.DegradedOf(last, err)
	}
	return result.UnavailableOf[OrderBook](fmt.Errorf("depth %s: %w", symbol, err))
}

func (s *Service) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.src == nil {
		return errors.New("market source not configured")
	}
	if s.gov == nil {
		return fn(ctx)
	}
	return s.gov.Guard(ctx, fn)
}

// SubscribeTicker 注册行情回调并增加推送订阅引用计数。
func (s *Service) SubscribeTicker(instrument string, h TickerHandler) uint64 {
	symbol := rules.Normalize(instrument)
	id := s.pub.Subscribe(symbol, h)
	s.mu.Lock()
	s.subTopics[id] = symbol
	topics := s.topics
	s.mu.Unlock()
	if topics != nil {
		topics.AcquireTicker(symbol)
	}
	return id
}

// UnsubscribeTicker 注销回调；最后一个订阅者离开时推送连接由流管理器关闭。
func (s *Service) UnsubscribeTicker(id uint64) bool {
	symbol, ok := s.pub.Unsubscribe(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	delete(s.subTopics, id)
	topics := s.topics
	s.mu.Unlock()
	if topics != nil {
		topics.ReleaseTicker(symbol)
	}
	return true
}

// Staleness 返回合约缓存价格的年龄；无缓存返回 -1。
func (s *Service) Staleness(instrument string) time.Duration {
	symbol := rules.Normalize(instrument)
	s.mu.RLock()
	t, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if !ok {
		return -1
	}
	return s.now().Sub(t.CapturedAt)
}

// Mid 返回缓存的中间价，买一卖一缺失时回退为最新价。
func (s *Service) Mid(instrument string) float64 {
	symbol := rules.Normalize(instrument)
	s.mu.RLock()
	t := s.tickers[symbol]
	s.mu.RUnlock()
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Price
}
