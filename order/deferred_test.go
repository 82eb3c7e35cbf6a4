package order

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/gateway"
	"futures-exec/internal/persist"
	"futures-exec/internal/store"
	"futures-exec/market"
)

func marketBuy(tag string) OrderSpec {
	return OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "market", Quantity: 0.01, Tag: tag}
}

func TestLocalTriggerFiresOnceUnderConcurrentTriggers(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	lt, err := te.CreateLocalTrigger(ctx, marketBuy("L1"), Trigger{ActivatePrice: 100})
	require.NoError(t, err)
	assert.Equal(t, ConditionGTE, lt.Condition)
	assert.Equal(t, map[string]int{"BTCUSDT": 1}, te.prices.watched())

	te.prices.set("BTCUSDT", 101)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = te.CheckTriggers(ctx)
		}()
		go func() {
			defer wg.Done()
			te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 101})
		}()
	}
	wg.Wait()
	te.Wait()

	require.Len(t, te.ex.placed("MARKET"), 1)
	assert.Empty(t, te.ListIntents())
	assert.Empty(t, te.prices.watched(), "no intents left to watch")
}

func TestLocalTriggerConditionNotMet(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	spec := marketBuy("L2")
	spec.Side = "sell"
	lt, err := te.CreateLocalTrigger(ctx, spec, Trigger{ActivatePrice: 90})
	require.NoError(t, err)
	assert.Equal(t, ConditionLTE, lt.Condition)

	te.prices.set("BTCUSDT", 95)
	require.NoError(t, te.CheckTriggers(ctx))
	assert.Zero(t, te.ex.totalOrders())

	te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 89.9})
	te.Wait()
	require.Len(t, te.ex.placed("MARKET"), 1)
	assert.Equal(t, "SELL", te.ex.placed("MARKET")[0].Side)
}

func TestPlaceOrderWithLocalTriggerIsDeferred(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	spec := marketBuy("L3")
	spec.LocalTrigger = &Trigger{ActivatePrice: 120, Condition: ">="}

	rec, err := te.PlaceOrder(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, rec.Status)
	assert.Zero(t, te.ex.totalOrders())

	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, KindLocal, intents[0].Kind)
	assert.Equal(t, rec.ClientOrderID, intents[0].ID)
	assert.Equal(t, 120.0, intents[0].ActivatePrice)
}

func TestArmedOrderUsesOpenPosition(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	te.account.positions = []store.Position{{Symbol: "BTCUSDT", PositionSide: "BOTH", Amount: 0.5}}

	a, err := te.CreateArmed(ctx, ArmedOrder{
		IntentMeta:    IntentMeta{Tag: "A1"},
		Symbol:        "btc/usdt",
		PositionSide:  "long",
		ActivatePrice: 100,
		StopPrice:     99,
		LimitPrice:    98.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELL", a.CloseSide)
	assert.Equal(t, ConditionGTE, a.Condition)
	assert.Equal(t, IntentPending, a.Status)

	te.prices.set("BTCUSDT", 100)
	require.NoError(t, te.CheckTriggers(ctx))

	stops := te.ex.placed("STOP")
	require.Len(t, stops, 1)
	assert.Equal(t, "SELL", stops[0].Side)
	assert.Equal(t, 0.5, stops[0].Quantity)
	assert.Equal(t, 99.0, stops[0].StopPrice)
	assert.Equal(t, 98.5, stops[0].Price)
	assert.Equal(t, "BOTH", stops[0].PositionSide)
	assert.Empty(t, te.ListIntents())
}

func TestArmedOrderInHedgeModeKeepsPositionSide(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	te.account.positions = []store.Position{
		{Symbol: "BTCUSDT", PositionSide: "SHORT", Amount: -0.2},
		{Symbol: "BTCUSDT", PositionSide: "LONG", Amount: 0.5},
	}

	_, err := te.CreateArmed(ctx, ArmedOrder{
		Symbol: "BTCUSDT", PositionSide: "LONG", ActivatePrice: 100, StopPrice: 99, LimitPrice: 98.5,
	})
	require.NoError(t, err)
	te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 100.5})
	te.Wait()

	stops := te.ex.placed("STOP")
	require.Len(t, stops, 1)
	assert.Equal(t, "SELL", stops[0].Side)
	assert.Equal(t, "LONG", stops[0].PositionSide)
	assert.Equal(t, 0.5, stops[0].Quantity)
	assert.Equal(t, 98.5, stops[0].Price)
	assert.Equal(t, 99.0, stops[0].StopPrice)
	assert.False(t, stops[0].ReduceOnly, "hedge mode rejects reduceOnly")
	assert.Empty(t, te.ex.placed("STOP_MARKET"))
}

// countingStore 统计落盘次数。
type countingStore[T any] struct {
	persist.Store[T]
	mu    sync.Mutex
	saves int
}

func (c *countingStore[T]) Save(ctx context.Context, records map[string]T) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Store.Save(ctx, records)
}

func (c *countingStore[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func TestArmedOrderWhileFlatDoesNotPersistPerTick(t *testing.T) {
	armed := &countingStore[ArmedOrder]{Store: persist.NewFileStore[ArmedOrder](filepath.Join(t.TempDir(), "armed.json"))}
	te := newTestEngine(t, Stores{Armed: armed}, fastConfig())
	ctx := context.Background()

	_, err := te.CreateArmed(ctx, ArmedOrder{
		Symbol: "BTCUSDT", PositionSide: "LONG", ActivatePrice: 100, StopPrice: 99, LimitPrice: 98.5,
	})
	require.NoError(t, err)
	require.Equal(t, 1, armed.count())

	for i := 0; i < 50; i++ {
		te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 101})
	}
	te.Wait()

	assert.Zero(t, te.ex.totalOrders())
	assert.Equal(t, 1, armed.count(), "flat position checks stay in memory")
	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, IntentPending, intents[0].Status)

	te.account.mu.Lock()
	te.account.positions = []store.Position{{Symbol: "BTCUSDT", PositionSide: "BOTH", Amount: 0.1}}
	te.account.mu.Unlock()
	te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 101})
	te.Wait()
	require.Len(t, te.ex.placed("STOP"), 1)
	assert.Empty(t, te.ListIntents())
}

func TestArmedOrderWithoutPositionStaysPending(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	te.account.positions = []store.Position{{Symbol: "BTCUSDT", PositionSide: "BOTH", Amount: -0.3}}

	_, err := te.CreateArmed(ctx, ArmedOrder{
		Symbol: "BTCUSDT", PositionSide: "LONG", ActivatePrice: 100, StopPrice: 99, LimitPrice: 98.5,
	})
	require.NoError(t, err)
	te.prices.set("BTCUSDT", 105)
	require.NoError(t, te.CheckTriggers(ctx))

	assert.Zero(t, te.ex.totalOrders())
	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, IntentPending, intents[0].Status)
	assert.Equal(t, "no open position", intents[0].Error)
}

func TestCreateArmedValidation(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	_, err := te.CreateArmed(ctx, ArmedOrder{Symbol: "BTCUSDT", PositionSide: "BOTH", ActivatePrice: 1, StopPrice: 1, LimitPrice: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = te.CreateArmed(ctx, ArmedOrder{Symbol: "BTCUSDT", PositionSide: "SHORT", ActivatePrice: 1, StopPrice: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = te.CreateArmed(ctx, ArmedOrder{Symbol: "BTCUSDT", PositionSide: "SHORT", ActivatePrice: 1, StopPrice: 1, LimitPrice: 1, Condition: "between"})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Empty(t, te.ListIntents())
}

func fileStores(dir string) Stores {
	return Stores{
		Protective: persist.NewFileStore[ProtectiveOrder](filepath.Join(dir, "protective.json")),
		Armed:      persist.NewFileStore[ArmedOrder](filepath.Join(dir, "armed.json")),
		Local:      persist.NewFileStore[LocalTrigger](filepath.Join(dir, "local.json")),
	}
}

func TestIntentsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	first := newTestEngine(t, fileStores(dir), fastConfig())
	first.now = fixed
	_, err := first.CreateArmed(ctx, ArmedOrder{
		IntentMeta:    IntentMeta{Tag: "A1"},
		Symbol:        "BTCUSDT",
		PositionSide:  "SHORT",
		ActivatePrice: 90,
		StopPrice:     91,
		LimitPrice:    91.5,
		Quantity:      0.2,
	})
	require.NoError(t, err)
	_, err = first.CreateLocalTrigger(ctx, marketBuy("B2"), Trigger{ActivatePrice: 120})
	require.NoError(t, err)
	limit := OrderSpec{Instrument: "ETHUSDT", Side: "sell", Type: "limit", Quantity: 1, Price: 2500, Tag: "C3"}
	_, err = first.CreateLocalTrigger(ctx, limit, Trigger{ActivatePrice: 2400, Condition: "lte"})
	require.NoError(t, err)
	before := first.ListIntents()
	require.Len(t, before, 3)

	second := newTestEngine(t, fileStores(dir), fastConfig())
	second.now = fixed
	require.NoError(t, second.Load(ctx))
	after := second.ListIntents()
	assert.Equal(t, before, after)
	for _, it := range after {
		assert.Equal(t, IntentPending, it.Status)
	}

	wantArmed, _ := first.armed.get(before[0].ID)
	gotArmed, ok := second.armed.get(before[0].ID)
	require.True(t, ok)
	assert.Equal(t, wantArmed, gotArmed)
	for _, it := range before[1:] {
		want, _ := first.local.get(it.ID)
		got, ok := second.local.get(it.ID)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, map[string]int{"BTCUSDT": 1, "ETHUSDT": 1}, second.prices.watched())
}

func TestTriggeredIntentFailsOnReload(t *testing.T) {
	dir := t.TempDir()
	stores := fileStores(dir)
	ctx := context.Background()
	require.NoError(t, stores.Local.Save(ctx, map[string]LocalTrigger{
		"X1_1": {IntentMeta: IntentMeta{ID: "X1_1", Status: IntentTriggered, Tag: "X1"}, Spec: marketBuy("X1"), ActivatePrice: 100, Condition: ConditionGTE},
	}))

	te := newTestEngine(t, stores, fastConfig())
	require.NoError(t, te.Load(ctx))
	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, IntentFailed, intents[0].Status)
	assert.Equal(t, errInterrupted.Error(), intents[0].Error)

	te.prices.set("BTCUSDT", 200)
	require.NoError(t, te.CheckTriggers(ctx))
	assert.Zero(t, te.ex.totalOrders(), "interrupted intents are never resubmitted automatically")

	saved, err := stores.Local.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, IntentFailed, saved["X1_1"].Status)
}

func TestCancelIntentPreventsTrigger(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	lt, err := te.CreateLocalTrigger(ctx, marketBuy("K1"), Trigger{ActivatePrice: 100})
	require.NoError(t, err)

	sum, err := te.CancelIntent(ctx, lt.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, sum.Status)
	assert.Empty(t, te.prices.watched())

	te.prices.set("BTCUSDT", 150)
	require.NoError(t, te.CheckTriggers(ctx))
	te.onTicker(market.Ticker{Symbol: "BTCUSDT", Price: 150})
	te.Wait()
	assert.Zero(t, te.ex.totalOrders())

	_, err = te.CancelIntent(ctx, lt.ID)
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestRearmFailedIntent(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	te.ex.placeErr["MARKET"] = &gateway.APIError{HTTPStatus: 400, Code: -2019, Msg: "Margin is insufficient."}

	lt, err := te.CreateLocalTrigger(ctx, marketBuy("R1"), Trigger{ActivatePrice: 100})
	require.NoError(t, err)
	_, err = te.RearmIntent(ctx, lt.ID)
	assert.ErrorIs(t, err, ErrIntentState, "pending intents cannot be rearmed")

	te.prices.set("BTCUSDT", 100)
	require.NoError(t, te.CheckTriggers(ctx))
	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, IntentFailed, intents[0].Status)
	assert.Empty(t, te.prices.watched(), "failed intents are not watched")

	// 失败后不会自动重试。
	require.NoError(t, te.CheckTriggers(ctx))
	assert.Len(t, te.ex.placed("MARKET"), 1)

	delete(te.ex.placeErr, "MARKET")
	sum, err := te.RearmIntent(ctx, lt.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, sum.Status)
	require.NoError(t, te.CheckTriggers(ctx))
	assert.Len(t, te.ex.placed("MARKET"), 2)
	assert.Empty(t, te.ListIntents())

	_, err = te.RearmIntent(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestReconcileMaterializesMissedFill(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	_, err := te.PlaceOrder(ctx, OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 95, TakeProfit: 110, Tag: "Q1",
	})
	require.NoError(t, err)
	require.Len(t, te.ListIntents(), 1)

	te.ex.queryResp = gateway.OrderResponse{Status: "FILLED", ExecutedQty: 0.01}
	stats, err := te.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.Materialized)
	require.Len(t, te.ex.placed("STOP_MARKET"), 1)
	tps := te.ex.placed("TAKE_PROFIT")
	require.Len(t, tps, 1)
	assert.Equal(t, 110.0, tps[0].StopPrice)
	assert.Empty(t, te.ListIntents())

	// 重复对账不会再次下单。
	stats, err = te.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)
	assert.Len(t, te.ex.placed("STOP_MARKET"), 1)
}

func TestReconcileProtectsPartiallyFilledCanceledParent(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	_, err := te.PlaceOrder(ctx, OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 95, TakeProfit: 110,
	})
	require.NoError(t, err)

	te.ex.queryResp = gateway.OrderResponse{Status: "CANCELED", ExecutedQty: 0.004}
	stats, err := te.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Materialized)
	require.Len(t, te.ex.placed("STOP_MARKET"), 1)
	tps := te.ex.placed("TAKE_PROFIT")
	require.Len(t, tps, 1)
	assert.InDelta(t, 0.004, tps[0].Quantity, 1e-12)
}

func TestReconcileDropsUnknownParent(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	_, err := te.PlaceOrder(ctx, OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 95,
	})
	require.NoError(t, err)

	te.ex.queryErr = &gateway.APIError{HTTPStatus: 400, Code: gateway.CodeOrderNotExist, Msg: "Order does not exist."}
	stats, err := te.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Empty(t, te.ListIntents())
	assert.Empty(t, te.ex.placed("STOP_MARKET"))
}

func TestCheckTriggersIgnoresUnavailablePrice(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()
	_, err := te.CreateLocalTrigger(ctx, marketBuy("U1"), Trigger{ActivatePrice: 100})
	require.NoError(t, err)
	require.NoError(t, te.CheckTriggers(ctx))
	assert.Zero(t, te.ex.totalOrders())
	require.Len(t, te.ListIntents(), 1)
}

func TestConditionMet(t *testing.T) {
	cases := []struct {
		cond            Condition
		price, activate float64
		want            bool
	}{
		{ConditionGTE, 100, 100, true},
		{ConditionGTE, 99.9, 100, false},
		{ConditionLTE, 100, 100, true},
		{ConditionLTE, 100.1, 100, false},
		{ConditionGTE, 0, 100, false},
		{ConditionLTE, 50, 0, false},
		{Condition("eq"), 100, 100, false},
	}
	for _, tc := range cases {
		if got := tc.cond.Met(tc.price, tc.activate); got != tc.want {
			t.Fatalf("%s.Met(%v, %v)=%v want %v", tc.cond, tc.price, tc.activate, got, tc.want)
		}
	}
}

func TestValidateIntentTransition(t *testing.T) {
	valid := [][2]IntentStatus{
		{IntentPending, IntentTriggered},
		{IntentTriggered, IntentSucceeded},
		{IntentTriggered, IntentFailed},
		{IntentFailed, IntentPending},
		{IntentPending, IntentCancelled},
	}
	for _, tr := range valid {
		assert.NoError(t, ValidateIntentTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	invalid := [][2]IntentStatus{
		{IntentPending, IntentSucceeded},
		{IntentFailed, IntentTriggered},
		{IntentTriggered, IntentPending},
		{IntentSucceeded, IntentPending},
		{IntentCancelled, IntentPending},
		{IntentPending, IntentPending},
	}
	for _, tr := range invalid {
		assert.ErrorIs(t, ValidateIntentTransition(tr[0], tr[1]), ErrIntentState, "%s -> %s", tr[0], tr[1])
	}
}

func TestBookEvictsOldest(t *testing.T) {
	b := NewBook(3)
	b.Set(OrderRecord{ClientOrderID: "one", Tag: "t1"})
	b.Set(OrderRecord{ClientOrderID: "two", Tag: "t2"})
	b.Set(OrderRecord{ClientOrderID: "three", Tag: "t3", AlgoID: 9})

	assert.Equal(t, 3, b.Len())
	assert.Empty(t, b.Tag("one", 0))
	assert.Equal(t, "t2", b.Tag("two", 0))
	assert.Equal(t, "t3", b.Tag("three", 0))
	id, ok := b.AlgoID("three")
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)

	b.Set(OrderRecord{ClientOrderID: "four", Tag: "t4"})
	b.Set(OrderRecord{ClientOrderID: "five", Tag: "t5"})
	_, ok = b.AlgoID("three")
	assert.False(t, ok, "algo id evicted with its client id")
}

func TestTagFromClientID(t *testing.T) {
	cases := map[string]string{
		"A1_1700000000000":    "A1",
		"A1_SL_1700000000000": "A1",
		"web":                 "",
		"_x":                  "",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, TagFromClientID(in), in)
	}
}
