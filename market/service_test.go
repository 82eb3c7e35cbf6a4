package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/gateway"
	"futures-exec/result"
)

type fakeSource struct {
	mu       sync.Mutex
	price    float64
	err      error
	bookErr  error
	calls    int
	klineErr error
	depthErr error
	onTicker func()
}

func (f *fakeSource) Ticker24h(ctx context.Context, symbol string) (gateway.Ticker24h, error) {
	f.mu.Lock()
	f.calls++
	price, err, hook := f.price, f.err, f.onTicker
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return gateway.Ticker24h{}, err
	}
	return gateway.Ticker24h{Symbol: symbol, LastPrice: price, CloseTime: 1}, nil
}

func (f *fakeSource) BookTicker(ctx context.Context, symbol string) (gateway.BookTicker, error) {
	if f.bookErr != nil {
		return gateway.BookTicker{}, f.bookErr
	}
	return gateway.BookTicker{Symbol: symbol, BidPrice: f.price - 1, AskPrice: f.price + 1}, nil
}

func (f *fakeSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]gateway.Kline, error) {
	if f.klineErr != nil {
		return nil, f.klineErr
	}
	return []gateway.Kline{{OpenTime: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}, nil
}

func (f *fakeSource) Depth(ctx context.Context, symbol string, limit int) (gateway.Depth, error) {
	if f.depthErr != nil {
		return gateway.Depth{}, f.depthErr
	}
	return gateway.Depth{
		LastUpdateID: 9,
		Bids:         []gateway.PriceLevel{{Price: 100, Qty: 1}},
		Asks:         []gateway.PriceLevel{{Price: 101, Qty: 1}},
	}, nil
}

func (f *fakeSource) tickerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGovernor struct{ skip bool }

func (g *fakeGovernor) ShouldSkip() bool { return g.skip }
func (g *fakeGovernor) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.skip {
		return gateway.ErrThrottled
	}
	return fn(ctx)
}

type fakeTopics struct {
	acquired map[string]int
}

func (f *fakeTopics) AcquireTicker(symbol string) { f.acquired[symbol]++ }
func (f *fakeTopics) ReleaseTicker(symbol string) { f.acquired[symbol]-- }

func newTestService(src *fakeSource, gov *fakeGovernor, cfg Config) (*Service, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(src, gov, cfg, nil)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestTickerFreshCacheSkipsPull(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, now := newTestService(src, &fakeGovernor{}, DefaultConfig())

	r := svc.Ticker(context.Background(), "btc/usdt")
	require.True(t, r.IsOK())
	assert.Equal(t, "BTCUSDT", r.Value.Symbol)
	assert.Equal(t, 100.0, r.Value.Price)
	assert.Equal(t, 99.0, r.Value.Bid)
	assert.Equal(t, 1, src.tickerCalls())

	*now = now.Add(5 * time.Second)
	r = svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsOK())
	assert.Equal(t, 1, src.tickerCalls(), "fresh cache must not pull")

	*now = now.Add(6 * time.Second)
	src.price = 105
	r = svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsOK())
	assert.Equal(t, 105.0, r.Value.Price)
	assert.Equal(t, 2, src.tickerCalls())
}

func TestTickerFailureReturnsDegradedCache(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, now := newTestService(src, &fakeGovernor{}, DefaultConfig())
	require.True(t, svc.Ticker(context.Background(), "BTCUSDT").IsOK())

	*now = now.Add(time.Minute)
	src.err = errors.New("connection reset")
	r := svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsDegraded())
	assert.Equal(t, 100.0, r.Value.Price)
	assert.EqualError(t, r.Reason, "connection reset")
}

func TestTickerPastMaxAgeWithinPullIntervalIsDegraded(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, now := newTestService(src, &fakeGovernor{}, Config{TickerMaxAge: time.Second, RESTMinInterval: 5 * time.Second})
	require.True(t, svc.Ticker(context.Background(), "BTCUSDT").IsOK())

	*now = now.Add(2 * time.Second)
	r := svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsDegraded())
	assert.ErrorIs(t, r.Reason, ErrPullInterval)
	assert.Equal(t, 100.0, r.Value.Price)
	assert.Equal(t, 1, src.tickerCalls())
}

func TestTickerCooldownWithoutCacheIsUnavailable(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, _ := newTestService(src, &fakeGovernor{skip: true}, DefaultConfig())

	r := svc.Ticker(context.Background(), "ETHUSDT")
	require.Equal(t, result.Unavailable, r.Kind)
	assert.ErrorIs(t, r.Reason, result.ErrUnavailable)
	assert.ErrorIs(t, r.Reason, gateway.ErrThrottled)
	assert.Zero(t, src.tickerCalls())
	_, err := r.Get()
	assert.Error(t, err)
}

func TestTickerSimulatedPriceOnlyInSimulation(t *testing.T) {
	src := &fakeSource{err: errors.New("down")}
	cfg := DefaultConfig()
	cfg.SimulatedPrices = map[string]float64{"btcusdt": 42000}

	svc, _ := newTestService(src, &fakeGovernor{}, cfg)
	r := svc.Ticker(context.Background(), "BTCUSDT")
	assert.Equal(t, result.Unavailable, r.Kind, "must not fabricate prices outside simulation")

	cfg.Simulation = true
	svc.Reconfigure(cfg)
	r = svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsDegraded())
	assert.Equal(t, 42000.0, r.Value.Price)
	assert.Equal(t, SourceSimulated, r.Value.Source)
	assert.ErrorIs(t, r.Reason, ErrSimulated)
}

func TestOnTickerOverwritesAndPublishes(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, _ := newTestService(src, &fakeGovernor{}, DefaultConfig())
	topics := &fakeTopics{acquired: map[string]int{}}
	svc.SetTopics(topics)

	var got []Ticker
	id := svc.SubscribeTicker("BTCUSDT", func(tk Ticker) { got = append(got, tk) })
	assert.Equal(t, 1, topics.acquired["BTCUSDT"])

	svc.OnTicker(gateway.TickerUpdate{Symbol: "btcusdt", LastPrice: 101, Bid: 100.5, Ask: 101.5})
	svc.OnTicker(gateway.TickerUpdate{Symbol: "BTCUSDT", LastPrice: 102})
	require.Len(t, got, 2)
	assert.Equal(t, 100.5, got[1].Bid, "missing bid keeps previous value")

	r := svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsOK())
	assert.Equal(t, 102.0, r.Value.Price)
	assert.Equal(t, SourcePush, r.Value.Source)
	assert.Zero(t, src.tickerCalls())

	require.True(t, svc.UnsubscribeTicker(id))
	assert.Equal(t, 0, topics.acquired["BTCUSDT"])
	assert.False(t, svc.UnsubscribeTicker(id))
}

func TestPullDoesNotOverwriteNewerPush(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, _ := newTestService(src, &fakeGovernor{}, DefaultConfig())
	src.onTicker = func() {
		svc.OnTicker(gateway.TickerUpdate{Symbol: "BTCUSDT", LastPrice: 200})
	}
	r := svc.Ticker(context.Background(), "BTCUSDT")
	require.True(t, r.IsOK())
	assert.Equal(t, 200.0, r.Value.Price)
	assert.Equal(t, SourcePush, r.Value.Source)
}

func TestKlinesAndOrderBookLastGood(t *testing.T) {
	src := &fakeSource{price: 100}
	svc, _ := newTestService(src, &fakeGovernor{}, DefaultConfig())

	k := svc.Klines(context.Background(), "BTCUSDT", "1m", 1)
	require.True(t, k.IsOK())
	require.Len(t, k.Value, 1)
	assert.Equal(t, int64(1000), k.Value[0].OpenTime.UnixMilli())

	src.klineErr = errors.New("timeout")
	k = svc.Klines(context.Background(), "BTCUSDT", "1m", 1)
	assert.True(t, k.IsDegraded())
	k = svc.Klines(context.Background(), "BTCUSDT", "5m", 1)
	assert.Equal(t, result.Unavailable, k.Kind)

	ob := svc.OrderBook(context.Background(), "BTCUSDT", 5)
	require.True(t, ob.IsOK())
	assert.Equal(t, 100.5, ob.Value.Mid())
	src.depthErr = errors.New("timeout")
	ob = svc.OrderBook(context.Background(), "BTCUSDT", 5)
	require.True(t, ob.IsDegraded())
	assert.Equal(t, int64(9), ob.Value.LastUpdateID)
}

func TestServiceMidAndStaleness(t *testing.T) {
	svc, now := newTestService(&fakeSource{}, &fakeGovernor{}, DefaultConfig())
	assert.Equal(t, time.Duration(-1), svc.Staleness("BTCUSDT"))
	svc.OnTicker(gateway.TickerUpdate{Symbol: "BTCUSDT", LastPrice: 100.2, Bid: 100, Ask: 101})
	*now = now.Add(3 * time.Second)
	assert.Equal(t, 100.5, svc.Mid("BTCUSDT"))
	assert.Equal(t, 3*time.Second, svc.Staleness("BTCUSDT"))
}
