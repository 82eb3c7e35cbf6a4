package market

import (
	"sort"
	"time"

	"futures-exec/gateway"
)

// OrderBook 订单簿快照：Bids 价格降序，Asks 价格升序，数量为 0 的档位被丢弃。
type OrderBook struct {
	Symbol       string
	LastUpdateID int64
	Bids         []gateway.PriceLevel
	Asks         []gateway.PriceLevel
	CapturedAt   time.Time
}

func newOrderBook(symbol string, d gateway.Depth, at time.Time) OrderBook {
	ob := OrderBook{
		Symbol:       symbol,
		LastUpdateID: d.LastUpdateID,
		Bids:         liveLevels(d.Bids),
		Asks:         liveLevels(d.Asks),
		CapturedAt:   at,
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob
}

func liveLevels(levels []gateway.PriceLevel) []gateway.PriceLevel {
	out := make([]gateway.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Qty > 0 && l.Price > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Best 返回最好买/卖价；若不存在则为 0。
func (ob OrderBook) Best() (bestBid float64, bestAsk float64) {
	if len(ob.Bids) > 0 {
		bestBid = ob.Bids[0].Price
	}
	if len(ob.Asks) > 0 {
		bestAsk = ob.Asks[0].Price
	}
	return bestBid, bestAsk
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (ob OrderBook) Mid() float64 {
	bid, ask := ob.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Side 盘口方向。
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// EstimateFillPrice 估算吃掉 qty 所需触及的最差价格及累计数量；深度不足时返回最后一档。
func (ob OrderBook) EstimateFillPrice(side Side, qty float64) (price float64, cumulative float64) {
	levels := ob.Asks
	if side == SideBid {
		levels = ob.Bids
	}
	for _, l := range levels {
		price = l.Price
		cumulative += l.Qty
		if cumulative >= qty {
			break
		}
	}
	return price, cumulative
}
