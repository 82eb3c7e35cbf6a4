package market

import (
	"testing"
	"time"

	"futures-exec/gateway"
)

func TestOrderBookSortAndMid(t *testing.T) {
	ob := newOrderBook("BTCUSDT", gateway.Depth{
		LastUpdateID: 7,
		Bids:         []gateway.PriceLevel{{Price: 99.5, Qty: 2}, {Price: 100, Qty: 1}, {Price: 98, Qty: 0}},
		Asks:         []gateway.PriceLevel{{Price: 102, Qty: 3}, {Price: 101, Qty: 1.5}},
	}, time.Now())
	bid, ask := ob.Best()
	if bid != 100 || ask != 101 {
		t.Fatalf("unexpected best bid/ask: %f/%f", bid, ask)
	}
	if mid := ob.Mid(); mid != 100.5 {
		t.Fatalf("unexpected mid %f", mid)
	}
	if len(ob.Bids) != 2 {
		t.Fatalf("zero qty level should be dropped, got %d bids", len(ob.Bids))
	}
}

func TestEstimateFillPrice(t *testing.T) {
	ob := newOrderBook("BTCUSDT", gateway.Depth{
		Bids: []gateway.PriceLevel{{Price: 100, Qty: 1}, {Price: 99.5, Qty: 3}},
		Asks: []gateway.PriceLevel{{Price: 101, Qty: 2}, {Price: 102.5, Qty: 5}},
	}, time.Now())
	price, cum := ob.EstimateFillPrice(SideAsk, 3)
	if price != 102.5 {
		t.Fatalf("expected ask depth price 102.5 got %.2f", price)
	}
	if cum != 7 { // 2 + 5
		t.Fatalf("unexpected cumulative %.2f", cum)
	}
	price, cum = ob.EstimateFillPrice(SideBid, 2)
	if price != 99.5 {
		t.Fatalf("expected bid depth price 99.5 got %.2f", price)
	}
	if cum != 4 { // 1 + 3
		t.Fatalf("unexpected bid cumulative %.2f", cum)
	}
}

func TestOrderBookEmptyMid(t *testing.T) {
	var ob OrderBook
	if ob.Mid() != 0 {
		t.Fatalf("empty book mid should be 0")
	}
}
