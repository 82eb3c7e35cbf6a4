package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/gateway"
	"futures-exec/internal/store"
)

func TestPlaceOrderZeroAlignedQuantity(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	_, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTC/USDT", Side: "long", Type: "limit", Quantity: 0.00049, Price: 100,
	})
	if !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("expected ErrZeroQuantity, got %v", err)
	}
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("zero quantity must be a validation error: %v", err)
	}
	if n := te.ex.totalOrders(); n != 0 {
		t.Fatalf("no request may reach the exchange, got %d", n)
	}
}

func TestPlaceOrderAlignsAndCleansParams(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	rec, err := te.PlaceOrder(ctx, OrderSpec{
		Instrument: "btcusdt", Side: "buy", Type: "limit", Quantity: 0.0129, Price: 100.57, Tag: "A1",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.ClientOrderID, "A1_"), rec.ClientOrderID)
	assert.Equal(t, "A1", rec.Tag)

	limit := te.ex.placed("LIMIT")
	require.Len(t, limit, 1)
	assert.Equal(t, "BTCUSDT", limit[0].Symbol)
	assert.Equal(t, 0.012, limit[0].Quantity)
	assert.Equal(t, 100.5, limit[0].Price)
	assert.Equal(t, "GTC", limit[0].TimeInForce)
	assert.Equal(t, "BOTH", limit[0].PositionSide)

	_, err = te.PlaceOrder(ctx, OrderSpec{
		Instrument: "BTCUSDT", Side: "short", Type: "stop_market", Quantity: 0.01,
		StopPrice: 95, Price: 94, TimeInForce: "GTC", ReduceOnly: true,
	})
	require.NoError(t, err)
	stop := te.ex.placed("STOP_MARKET")
	require.Len(t, stop, 1)
	assert.Equal(t, "SELL", stop[0].Side)
	assert.Empty(t, stop[0].TimeInForce)
	assert.Zero(t, stop[0].Price)
	assert.False(t, stop[0].ReduceOnly, "reduceOnly is rejected for stop orders")

	_, err = te.PlaceOrder(ctx, OrderSpec{Instrument: "BTCUSDT", Side: "sell", Type: "market", Quantity: 0.01, Price: 99, ReduceOnly: true})
	require.NoError(t, err)
	market := te.ex.placed("MARKET")
	require.Len(t, market, 1)
	assert.Zero(t, market[0].Price)
	assert.Empty(t, market[0].TimeInForce)
	assert.True(t, market[0].ReduceOnly)
}

func TestPlaceOrderValidation(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	cases := []struct {
		name string
		spec OrderSpec
	}{
		{"unknown side", OrderSpec{Instrument: "BTCUSDT", Side: "up", Quantity: 1, Price: 1}},
		{"limit without price", OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 1}},
		{"stop limit without stop", OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "stop_limit", Quantity: 1, Price: 1}},
		{"trailing without callback", OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "trailing_stop", Quantity: 1}},
		{"missing quantity", OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "market"}},
		{"missing instrument", OrderSpec{Side: "buy", Type: "market", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := te.PlaceOrder(context.Background(), tc.spec)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
	assert.Zero(t, te.ex.totalOrders())
}

func TestProtectiveStopSubmittedOnceOnDuplicateFill(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	rec, err := te.PlaceOrder(ctx, OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 90, Tag: "A1",
	})
	require.NoError(t, err)
	assert.Empty(t, te.ex.placed("STOP_MARKET"), "stop must wait for the fill")

	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, KindProtective, intents[0].Kind)
	assert.Equal(t, rec.ClientOrderID, intents[0].ID)
	assert.Equal(t, IntentPending, intents[0].Status)

	fill := gateway.OrderUpdate{
		Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Status: "FILLED",
		OrderID: rec.OrderID, ClientOrderID: rec.ClientOrderID, OrigQty: 0.01, AccumulatedQty: 0.01,
	}
	te.OnOrderUpdate(fill)
	te.OnOrderUpdate(fill)
	te.Wait()

	stops := te.ex.placed("STOP_MARKET")
	require.Len(t, stops, 1)
	assert.True(t, stops[0].ClosePosition)
	assert.Equal(t, "SELL", stops[0].Side)
	assert.Equal(t, 90.0, stops[0].StopPrice)
	assert.Zero(t, stops[0].Quantity)
	assert.True(t, strings.HasPrefix(stops[0].ClientOrderID, "A1_SL_"), stops[0].ClientOrderID)
	assert.Empty(t, te.ListIntents(), "succeeded intents are removed")
}

func TestProtectiveLegsPlacedWhenPrimaryFillsImmediately(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	te.ex.status["MARKET"] = "FILLED"

	rec, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "ETHUSDT", Side: "sell", Type: "market", Quantity: 0.5, StopLoss: 2100, TakeProfit: 1900, Tag: "B7",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, rec.Status)

	stops := te.ex.placed("STOP_MARKET")
	require.Len(t, stops, 1)
	assert.Equal(t, "BUY", stops[0].Side)
	tps := te.ex.placed("TAKE_PROFIT")
	require.Len(t, tps, 1)
	assert.Equal(t, 1900.0, tps[0].Price)
	assert.Equal(t, 1900.0, tps[0].StopPrice)
	assert.Equal(t, 0.5, tps[0].Quantity)
	assert.Equal(t, "GTC", tps[0].TimeInForce)
	assert.True(t, strings.HasPrefix(tps[0].ClientOrderID, "B7_TP_"))
	assert.Empty(t, te.ListIntents())
}

func TestProtectiveWouldTriggerSurfaced(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	te.ex.status["MARKET"] = "FILLED"
	te.ex.placeErr["STOP_MARKET"] = &gateway.APIError{HTTPStatus: 400, Code: gateway.CodeWouldTrigger, Msg: "Order would immediately trigger."}

	var events []IntentEvent
	var mu sync.Mutex
	te.OnIntent(func(ev IntentEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	rec, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "market", Quantity: 0.01, StopLoss: 99999, Tag: "F1",
	})
	require.Error(t, err)
	assert.NotZero(t, rec.OrderID, "primary order is still valid")
	var perr *ProtectiveError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, rec.ClientOrderID, perr.ParentClientID)
	assert.ErrorIs(t, err, ErrWouldTrigger)

	intents := te.ListIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, IntentFailed, intents[0].Status)
	assert.NotEmpty(t, intents[0].Error)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.ErrorIs(t, events[len(events)-1].Err, ErrWouldTrigger)
}

func TestProtectiveDroppedWhenParentCanceled(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	rec, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 90,
	})
	require.NoError(t, err)
	te.OnOrderUpdate(gateway.OrderUpdate{Symbol: "BTCUSDT", Status: "CANCELED", ClientOrderID: rec.ClientOrderID, OrderID: rec.OrderID})
	te.Wait()
	assert.Empty(t, te.ListIntents())
	assert.Empty(t, te.ex.placed("STOP_MARKET"))
}

func TestProtectiveCoversPartialFillOfCanceledParent(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	rec, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 90, TakeProfit: 120,
	})
	require.NoError(t, err)
	te.OnOrderUpdate(gateway.OrderUpdate{
		Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT", Status: "CANCELED",
		ClientOrderID: rec.ClientOrderID, OrderID: rec.OrderID, OrigQty: 0.01, AccumulatedQty: 0.003,
	})
	te.Wait()

	require.Len(t, te.ex.placed("STOP_MARKET"), 1)
	tps := te.ex.placed("TAKE_PROFIT")
	require.Len(t, tps, 1)
	assert.InDelta(t, 0.003, tps[0].Quantity, 1e-12)
	assert.Empty(t, te.ListIntents())
}

func TestProtectiveIntentRemovedWhenPrimaryRejected(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	te.ex.placeErr["LIMIT"] = &gateway.APIError{HTTPStatus: 400, Code: -2019, Msg: "Margin is insufficient."}
	_, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, StopLoss: 90,
	})
	require.Error(t, err)
	assert.Equal(t, -2019, gateway.ErrorCode(err))
	assert.Empty(t, te.ListIntents())
}

func TestConditionalFallsBackToAlgoEndpoint(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	te.ex.placeErr["STOP_MARKET"] = &gateway.APIError{HTTPStatus: 400, Code: gateway.CodeUnsupportedEndpoint}

	rec, err := te.PlaceOrder(context.Background(), OrderSpec{
		Instrument: "BTCUSDT", Side: "sell", Type: "stop_market", StopPrice: 90, ClosePosition: true, Tag: "C3",
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.AlgoID)
	require.Len(t, te.ex.algoOrders, 1)

	id, ok := te.Book().AlgoID(rec.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, rec.AlgoID, id)

	ok, err = te.CancelOrder(context.Background(), "BTCUSDT", rec.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{rec.AlgoID}, te.ex.algoCancels)
}

func TestCancelOrderRouting(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	ok, err := te.CancelOrder(ctx, "btc/usdt", "12345")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = te.CancelOrder(ctx, "BTCUSDT", "A1_1700000000000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"BTCUSDT:#12345", "BTCUSDT:A1_1700000000000"}, te.ex.cancels)

	te.ex.cancelErr = &gateway.APIError{HTTPStatus: 400, Code: gateway.CodeUnknownOrder, Msg: "Unknown order sent."}
	ok, err = te.CancelOrder(ctx, "BTCUSDT", "999")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCancelAllBySide(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	te.account.open = []store.OpenOrder{
		{OrderID: 1, Symbol: "BTCUSDT", Side: "BUY"},
		{OrderID: 2, Symbol: "BTCUSDT", Side: "SELL"},
		{ClientOrderID: "X_1", Symbol: "BTCUSDT", Side: "BUY"},
	}
	ok, err := te.CancelAll(context.Background(), "BTCUSDT", "long")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"BTCUSDT:#1", "BTCUSDT:X_1"}, te.ex.cancels)

	ok, err = te.CancelAll(context.Background(), "BTCUSDT", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"BTCUSDT"}, te.ex.cancelAll)
}

func TestLeverageAndMarginType(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	ctx := context.Background()

	require.NoError(t, te.SetLeverage(ctx, "BTCUSDT", 10))
	require.NoError(t, te.SetLeverage(ctx, "BTCUSDT", 10))
	require.NoError(t, te.SetLeverage(ctx, "BTCUSDT", 5))
	assert.Equal(t, []int{10, 5}, te.ex.leverage)
	assert.ErrorIs(t, te.SetLeverage(ctx, "BTCUSDT", 0), ErrInvalidOrder)

	te.ex.marginErr = &gateway.APIError{HTTPStatus: 400, Code: gateway.CodeNoNeedChangeMargin, Msg: "No need to change margin type."}
	require.NoError(t, te.SetMarginType(ctx, "BTCUSDT", "cross"))
	assert.Equal(t, []string{"CROSSED"}, te.ex.margin)

	te.ex.marginErr = &gateway.APIError{HTTPStatus: 400, Code: -4048}
	assert.Error(t, te.SetMarginType(ctx, "ETHUSDT", "ISOLATED"))
	assert.ErrorIs(t, te.SetMarginType(ctx, "ETHUSDT", "PORTFOLIO"), ErrInvalidOrder)
}

func TestDryRunNeverCallsExchange(t *testing.T) {
	cfg := fastConfig()
	cfg.DryRun = true
	te := newTestEngine(t, Stores{}, cfg)
	ctx := context.Background()

	rec, err := te.PlaceOrder(ctx, OrderSpec{Instrument: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 0.01, Price: 100, Tag: "D1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.ClientOrderID, "dry_"))
	assert.Equal(t, StatusNew, rec.Status)
	assert.True(t, rec.DryRun)

	ok, err := te.CancelOrder(ctx, "BTCUSDT", rec.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, te.ex.totalOrders())
	assert.Empty(t, te.ex.cancels)
}

func TestOrderUpdateCarriesRecoveredTag(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	var got []OrderRecord
	te.OnOrder(func(r OrderRecord) { got = append(got, r) })
	te.OnOrder(func(OrderRecord) { panic("consumer bug") })

	te.Book().Set(OrderRecord{ClientOrderID: "rewritten-by-exchange", OrderID: 77, Tag: "grid"})
	te.OnOrderUpdate(gateway.OrderUpdate{Symbol: "BTCUSDT", Status: "NEW", OrderID: 77, ClientOrderID: "rewritten-by-exchange"})
	te.OnOrderUpdate(gateway.OrderUpdate{Symbol: "BTCUSDT", Status: "NEW", OrderID: 78, ClientOrderID: "X9_1700000000000"})
	te.OnOrderUpdate(gateway.OrderUpdate{Symbol: "BTCUSDT", Status: "NEW", OrderID: 79, ClientOrderID: "web_abc"})

	require.Len(t, got, 3)
	assert.Equal(t, "grid", got[0].Tag)
	assert.Equal(t, "X9", got[1].Tag)
	assert.Equal(t, "web", got[2].Tag)
}

func TestClientIDsAreUniqueAndBounded(t *testing.T) {
	te := newTestEngine(t, Stores{}, fastConfig())
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := te.newClientID("a_very_long_strategy_tag_name_here", "SL")
		if seen[id] {
			t.Fatalf("duplicate client id %s", id)
		}
		seen[id] = true
		if len(id) > maxClientIDLen {
			t.Fatalf("client id too long: %s (%d)", id, len(id))
		}
		if TagFromClientID(id) == "" || strings.Count(id, "_") != 2 {
			t.Fatalf("unexpected client id layout %s", id)
		}
	}
}

func TestNormalizeAliases(t *testing.T) {
	types := map[string]string{
		"limit": "LIMIT", "market": "MARKET", "stop_limit": "STOP", "stop_loss_limit": "STOP",
		"stop": "STOP_MARKET", "stop_market": "STOP_MARKET", "trailing_stop": "TRAILING_STOP_MARKET",
		"take_profit": "TAKE_PROFIT", "take_profit_limit": "TAKE_PROFIT_LIMIT", "iceberg": "ICEBERG",
	}
	for in, want := range types {
		if got := NormalizeType(in); got != want {
			t.Fatalf("NormalizeType(%q)=%q want %q", in, got, want)
		}
	}
	if NormalizeSide("long") != "BUY" || NormalizeSide("SELL") != "SELL" || NormalizeSide("flat") != "" {
		t.Fatalf("side mapping broken")
	}
	if NormalizeSymbol("btc/usdt") != "BTCUSDT" {
		t.Fatalf("symbol normalisation broken")
	}
}
