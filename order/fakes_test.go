package order

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"futures-exec/gateway"
	"futures-exec/internal/store"
	"futures-exec/market"
	"futures-exec/result"
	"futures-exec/rules"
)

type fakeExchange struct {
	mu          sync.Mutex
	nextID      int64
	orders      []gateway.OrderRequest
	algoOrders  []gateway.OrderRequest
	status      map[string]string
	placeErr    map[string]error
	queryResp   gateway.OrderResponse
	queryErr    error
	queries     int
	cancels     []string
	algoCancels []int64
	cancelErr   error
	cancelAll   []string
	leverage    []int
	margin      []string
	marginErr   error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		status:    map[string]string{},
		placeErr:  map[string]error{},
		queryResp: gateway.OrderResponse{Status: "NEW"},
	}
}

func (f *fakeExchange) respond(req gateway.OrderRequest, algo bool) gateway.OrderResponse {
	f.nextID++
	st := f.status[req.Type]
	if st == "" {
		st = "NEW"
	}
	resp := gateway.OrderResponse{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        st,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		PositionSide:  req.PositionSide,
	}
	if algo {
		resp.AlgoID = f.nextID
	} else {
		resp.OrderID = f.nextID
	}
	if st == "FILLED" {
		resp.ExecutedQty = req.Quantity
	}
	return resp
}

func (f *fakeExchange) NewOrder(_ context.Context, req gateway.OrderRequest) (gateway.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if err := f.placeErr[req.Type]; err != nil {
		return gateway.OrderResponse{}, err
	}
	return f.respond(req, false), nil
}

func (f *fakeExchange) NewAlgoOrder(_ context.Context, req gateway.OrderRequest) (gateway.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.algoOrders = append(f.algoOrders, req)
	return f.respond(req, true), nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, symbol string, orderID int64, clientOrderID string) (gateway.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return gateway.OrderResponse{}, f.queryErr
	}
	resp := f.queryResp
	resp.Symbol = symbol
	if resp.OrderID == 0 {
		resp.OrderID = orderID
	}
	if resp.ClientOrderID == "" {
		resp.ClientOrderID = clientOrderID
	}
	return resp, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol string, orderID int64, clientOrderID string) (gateway.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := clientOrderID
	if orderID != 0 {
		ref = "#" + strconv.FormatInt(orderID, 10)
	}
	f.cancels = append(f.cancels, symbol+":"+ref)
	if f.cancelErr != nil {
		return gateway.OrderResponse{}, f.cancelErr
	}
	return gateway.OrderResponse{OrderID: orderID, ClientOrderID: clientOrderID, Symbol: symbol, Status: "CANCELED"}, nil
}

func (f *fakeExchange) CancelAllOpenOrders(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll = append(f.cancelAll, symbol)
	return nil
}

func (f *fakeExchange) CancelAlgoOrder(_ context.Context, _ string, algoID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.algoCancels = append(f.algoCancels, algoID)
	return nil
}

func (f *fakeExchange) ChangeLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverage)
	return nil
}

func (f *fakeExchange) ChangeMarginType(_ context.Context, _ string, marginType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.margin = append(f.margin, marginType)
	return f.marginErr
}

// placed 返回指定类型的下单请求（含失败的尝试）。
func (f *fakeExchange) placed(orderType string) []gateway.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.OrderRequest
	for _, r := range f.orders {
		if r.Type == orderType {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeExchange) totalOrders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders) + len(f.algoOrders)
}

type fakeRules struct{ tick, step float64 }

func (r fakeRules) Rules(_ context.Context, instrument string) rules.Rule {
	return rules.Rule{Symbol: NormalizeSymbol(instrument), TickSize: r.tick, StepSize: r.step}
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	subs   map[uint64]string
	nextID uint64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]float64{}, subs: map[uint64]string{}}
}

func (p *fakePrices) set(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *fakePrices) Ticker(_ context.Context, instrument string) result.Result[market.Ticker] {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[instrument]
	if !ok {
		return result.UnavailableOf[market.Ticker](nil)
	}
	return result.OK(market.Ticker{Symbol: instrument, Price: price, CapturedAt: time.Now()})
}

func (p *fakePrices) SubscribeTicker(instrument string, _ market.TickerHandler) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.subs[p.nextID] = instrument
	return p.nextID
}

func (p *fakePrices) UnsubscribeTicker(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	return ok
}

func (p *fakePrices) watched() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int{}
	for _, s := range p.subs {
		out[s]++
	}
	return out
}

type fakeAccount struct {
	mu        sync.Mutex
	positions []store.Position
	open      []store.OpenOrder
}

func (a *fakeAccount) Positions(_ context.Context, symbol string) result.Result[[]store.Position] {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []store.Position
	for _, p := range a.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return result.OK(out)
}

func (a *fakeAccount) OpenOrders(_ context.Context, symbol string) result.Result[[]store.OpenOrder] {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []store.OpenOrder
	for _, o := range a.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return result.OK(out)
}

type testEngine struct {
	*Engine
	ex      *fakeExchange
	prices  *fakePrices
	account *fakeAccount
}

func fastConfig() Config {
	return Config{FillWait: 40 * time.Millisecond, FillPoll: 5 * time.Millisecond, TriggerPoll: time.Second}
}

func newTestEngine(t *testing.T, stores Stores, cfg Config) *testEngine {
	t.Helper()
	ex := newFakeExchange()
	prices := newFakePrices()
	account := &fakeAccount{}
	e := New(ex, fakeRules{tick: 0.1, step: 0.001}, nil, prices, account, stores, cfg, zap.NewNop())
	return &testEngine{Engine: e, ex: ex, prices: prices, account: account}
}
