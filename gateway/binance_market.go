package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// SymbolFilter exchangeInfo 中的单个过滤器，只保留用得到的字段。
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	Notional   string `json:"notional"`
}

// SymbolInfo exchangeInfo 中的单个合约。
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	QuoteAsset        string         `json:"quoteAsset"`
	ContractType      string         `json:"contractType"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// Filter 按类型查找过滤器。
func (s SymbolInfo) Filter(filterType string) (SymbolFilter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == filterType {
			return f, true
		}
	}
	return SymbolFilter{}, false
}

type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// ExchangeInfo GET /fapi/v1/exchangeInfo。
func (c *BinanceRESTClient) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var info ExchangeInfo
	err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info)
	return info, err
}

// Ticker24h 24 小时行情中的价格字段；PriceChangePercent 为百分数（5 表示 5%）。
type Ticker24h struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
	CloseTime          int64
}

type ticker24hResp struct {
	Symbol             string    `json:"symbol"`
	LastPrice          flexFloat `json:"lastPrice"`
	PriceChangePercent flexFloat `json:"priceChangePercent"`
	CloseTime          int64     `json:"closeTime"`
}

func (r ticker24hResp) ticker() Ticker24h {
	return Ticker24h{
		Symbol:             r.Symbol,
		LastPrice:          float64(r.LastPrice),
		PriceChangePercent: float64(r.PriceChangePercent),
		CloseTime:          r.CloseTime,
	}
}

// Ticker24h GET /fapi/v1/ticker/24hr。
func (c *BinanceRESTClient) Ticker24h(ctx context.Context, symbol string) (Ticker24h, error) {
	var r ticker24hResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol}, false, &r); err != nil {
		return Ticker24h{}, err
	}
	return r.ticker(), nil
}

// Tickers24h 不带 symbol 的 /fapi/v1/ticker/24hr，返回全部合约（权重 40）。
func (c *BinanceRESTClient) Tickers24h(ctx context.Context) ([]Ticker24h, error) {
	var rows []ticker24hResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]Ticker24h, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ticker())
	}
	return out, nil
}

// BookTicker 最优买卖价。
type BookTicker struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
}

type bookTickerResp struct {
	Symbol   string    `json:"symbol"`
	BidPrice flexFloat `json:"bidPrice"`
	AskPrice flexFloat `json:"askPrice"`
}

// BookTicker GET /fapi/v1/ticker/bookTicker。
func (c *BinanceRESTClient) BookTicker(ctx context.Context, symbol string) (BookTicker, error) {
	var r bookTickerResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol}, false, &r); err != nil {
		return BookTicker{}, err
	}
	return BookTicker{Symbol: r.Symbol, BidPrice: float64(r.BidPrice), AskPrice: float64(r.AskPrice)}, nil
}

// Kline 单根 K 线 [t, o, h, l, c, v]。
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Klines GET /fapi/v1/klines。
func (c *BinanceRESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{"symbol": symbol, "interval": interval}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var rows [][]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &rows); err != nil {
		return nil, err
	}
	out := make([]Kline, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row %d: want >= 6 columns, got %d", i, len(row))
		}
		var k Kline
		var o, h, l, cl, v flexFloat
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			return nil, fmt.Errorf("kline row %d open time: %w", i, err)
		}
		for j, dst := range []*flexFloat{&o, &h, &l, &cl, &v} {
			if err := json.Unmarshal(row[j+1], dst); err != nil {
				return nil, fmt.Errorf("kline row %d col %d: %w", i, j+1, err)
			}
		}
		k.Open, k.High, k.Low, k.Close, k.Volume = float64(o), float64(h), float64(l), float64(cl), float64(v)
		out = append(out, k)
	}
	return out, nil
}

// PriceLevel 盘口档位。
type PriceLevel struct {
	Price float64
	Qty   float64
}

// Depth 订单簿快照。
type Depth struct {
	LastUpdateID int64
	EventTime    int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

type depthResp struct {
	LastUpdateID int64          `json:"lastUpdateId"`
	E            int64          `json:"E"`
	Bids         [][2]flexFloat `json:"bids"`
	Asks         [][2]flexFloat `json:"asks"`
}

// Depth GET /fapi/v1/depth。
func (c *BinanceRESTClient) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var r depthResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/depth", params, false, &r); err != nil {
		return Depth{}, err
	}
	d := Depth{LastUpdateID: r.LastUpdateID, EventTime: r.E}
	d.Bids = toLevels(r.Bids)
	d.Asks = toLevels(r.Asks)
	return d, nil
}

func toLevels(rows [][2]flexFloat) []PriceLevel {
	out := make([]PriceLevel, 0, len(rows))
	for _, r := range rows {
		out = append(out, PriceLevel{Price: float64(r[0]), Qty: float64(r[1])})
	}
	return out
}
