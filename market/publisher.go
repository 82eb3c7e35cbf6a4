package market

import (
	"sync"

	"go.uber.org/zap"
)

// TickerHandler 接收行情推送；回调在推送协程中同步执行，不应阻塞。
type TickerHandler func(Ticker)

type subscription struct {
	symbol  string
	handler TickerHandler
}

// Publisher 按合约分发行情回调；单个回调 panic 不影响其它订阅者。
type Publisher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
	logger *zap.Logger
}

func NewPublisher(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{subs: make(map[uint64]subscription), logger: logger}
}

// Subscribe 注册回调并返回订阅 id。
func (p *Publisher) Subscribe(symbol string, h TickerHandler) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.subs[p.nextID] = subscription{symbol: symbol, handler: h}
	return p.nextID
}

// Unsubscribe 注销回调，返回该订阅所属合约。
func (p *Publisher) Unsubscribe(id uint64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[id]
	if !ok {
		return "", false
	}
	delete(p.subs, id)
	return sub.symbol, true
}

// Count 返回某合约当前的订阅数。
func (p *Publisher) Count(symbol string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.subs {
		if s.symbol == symbol {
			n++
		}
	}
	return n
}

// Publish 在锁外依次调用该合约的所有回调。
func (p *Publisher) Publish(t Ticker) {
	p.mu.RLock()
	handlers := make([]TickerHandler, 0, 4)
	for _, s := range p.subs {
		if s.symbol == t.Symbol {
			handlers = append(handlers, s.handler)
		}
	}
	p.mu.RUnlock()
	for _, h := range handlers {
		p.deliver(h, t)
	}
}

func (p *Publisher) deliver(h TickerHandler, t Ticker) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ticker handler panic",
				zap.String("symbol", t.Symbol),
				zap.Any("panic", r))
		}
	}()
	h(t)
}
