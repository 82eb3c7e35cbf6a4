package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-exec/gateway"
)

// Source 提供 exchangeInfo。
type Source interface {
	ExchangeInfo(ctx context.Context) (gateway.ExchangeInfo, error)
}

// Guard 在发起 REST 前检查限流冷却，并记录结果。
type Guard interface {
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

// DefaultTTL exchangeInfo 缓存有效期。
const DefaultTTL = 300 * time.Second

// Cache 按合约缓存 tickSize/stepSize；过期后整体刷新，刷新失败时沿用旧规则或静态精度表。
type Cache struct {
	src    Source
	guard  Guard
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	rules     map[string]Rule
	fetchedAt time.Time

	refreshMu sync.Mutex
}

func NewCache(src Source, guard Guard, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		src:    src,
		guard:  guard,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		rules:  make(map[string]Rule),
	}
}

// Rules 返回合约规则；exchangeInfo 不可用且无旧规则时返回静态精度表规则（Fallback=true）。
func (c *Cache) Rules(ctx context.Context, instrument string) Rule {
	symbol := Normalize(instrument)
	if r, ok := c.lookup(symbol, true); ok {
		return r
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("symbol rules refresh failed", zap.String("symbol", symbol), zap.Error(err))
	}
	if r, ok := c.lookup(symbol, false); ok {
		return r
	}
	return FallbackRule(symbol)
}

// AlignPrice 按合约 tickSize 向零截断。
func (c *Cache) AlignPrice(ctx context.Context, instrument string, price float64) float64 {
	return c.Rules(ctx, instrument).AlignPrice(price)
}

// AlignQuantity 按合约 stepSize 向零截断。
func (c *Cache) AlignQuantity(ctx context.Context, instrument string, qty float64) float64 {
	return c.Rules(ctx, instrument).AlignQuantity(qty)
}

// lookup fresh=true 时只接受 TTL 内的规则。
func (c *Cache) lookup(symbol string, fresh bool) (Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if fresh && c.now().Sub(c.fetchedAt) >= c.ttl {
		return Rule{}, false
	}
	r, ok := c.rules[symbol]
	return r, ok
}

// Refresh 拉取 exchangeInfo 并整体替换缓存；并发调用只发起一次请求。
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	if c.src == nil {
		return fmt.Errorf("no exchangeInfo source")
	}

	var info gateway.ExchangeInfo
	fetch := func(ctx context.Context) error {
		var err error
		info, err = c.src.ExchangeInfo(ctx)
		return err
	}
	var err error
	if c.guard != nil {
		err = c.guard.Guard(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return fmt.Errorf("exchangeInfo: %w", err)
	}

	parsed := make(map[string]Rule, len(info.Symbols))
	for _, s := range info.Symbols {
		parsed[s.Symbol] = ruleFromSymbol(s)
	}
	c.mu.Lock()
	c.rules = parsed
	c.fetchedAt = c.now()
	c.mu.Unlock()
	c.logger.Info("symbol rules refreshed", zap.Int("symbols", len(parsed)))
	return nil
}

// ruleFromSymbol tickSize 取 PRICE_FILTER；stepSize 取 LOT_SIZE，缺失时用 MARKET_LOT_SIZE。
func ruleFromSymbol(s gateway.SymbolInfo) Rule {
	r := Rule{Symbol: s.Symbol}
	if f, ok := s.Filter("PRICE_FILTER"); ok {
		r.TickSize = parseFloat(f.TickSize)
	}
	if f, ok := s.Filter("LOT_SIZE"); ok {
		r.StepSize = parseFloat(f.StepSize)
		r.MinQty = parseFloat(f.MinQty)
		r.MaxQty = parseFloat(f.MaxQty)
	}
	if r.StepSize <= 0 {
		if f, ok := s.Filter("MARKET_LOT_SIZE"); ok {
			r.StepSize = parseFloat(f.StepSize)
		}
	}
	if f, ok := s.Filter("MIN_NOTIONAL"); ok {
		r.MinNotional = parseFloat(f.Notional)
	}
	fb := FallbackRule(s.Symbol)
	if r.TickSize <= 0 {
		r.TickSize = fb.TickSize
	}
	if r.StepSize <= 0 {
		r.StepSize = fb.StepSize
	}
	return r
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
