package exchange

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-exec/gateway"
)

// 推送流事件名。
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventKeepaliveFailed = "keepalive_failed"
	EventRebuild         = "rebuild"
	EventResync          = "resync"
)

// StreamEvent 推送流生命周期事件；resync 表示期间可能丢失事件，消费者应回源对账。
type StreamEvent struct {
	Stream string
	Event  string
	Stage  string
	Reason string
	At     time.Time
}

type OrderHandler func(gateway.OrderUpdate)
type AccountHandler func(gateway.AccountUpdate)
type StreamEventHandler func(StreamEvent)

// Dispatcher 把用户数据事件分发给多个消费者；消费者 panic 被恢复并记录，不影响推送协程。
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	orders   map[uint64]OrderHandler
	accounts map[uint64]AccountHandler
	events   map[uint64]StreamEventHandler
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		orders:   make(map[uint64]OrderHandler),
		accounts: make(map[uint64]AccountHandler),
		events:   make(map[uint64]StreamEventHandler),
		logger:   logger,
	}
}

func (d *Dispatcher) id() uint64 {
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) OnOrder(h OrderHandler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.orders[id] = h
	return id
}

func (d *Dispatcher) OnAccount(h AccountHandler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.accounts[id] = h
	return id
}

func (d *Dispatcher) OnEvent(h StreamEventHandler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.events[id] = h
	return id
}

// Remove 注销任意类型的消费者。
func (d *Dispatcher) Remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.orders, id)
	delete(d.accounts, id)
	delete(d.events, id)
}

func (d *Dispatcher) PublishOrder(o gateway.OrderUpdate) {
	d.mu.RLock()
	hs := make([]OrderHandler, 0, len(d.orders))
	for _, h := range d.orders {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		d.safe("order", func() { h(o) })
	}
}

func (d *Dispatcher) PublishAccount(a gateway.AccountUpdate) {
	d.mu.RLock()
	hs := make([]AccountHandler, 0, len(d.accounts))
	for _, h := range d.accounts {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		d.safe("account", func() { h(a) })
	}
}

func (d *Dispatcher) PublishEvent(ev StreamEvent) {
	d.mu.RLock()
	hs := make([]StreamEventHandler, 0, len(d.events))
	for _, h := range d.events {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		d.safe("stream_event", func() { h(ev) })
	}
}

func (d *Dispatcher) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stream consumer panic", zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	fn()
}
