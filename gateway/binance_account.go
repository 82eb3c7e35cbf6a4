package gateway

import (
	"context"
	"net/http"
)

// Balance 单一资产余额。
type Balance struct {
	Asset            string
	Balance          float64
	AvailableBalance float64
	UpdateTime       int64
}

type balanceResp struct {
	Asset            string    `json:"asset"`
	Balance          flexFloat `json:"balance"`
	AvailableBalance flexFloat `json:"availableBalance"`
	UpdateTime       int64     `json:"updateTime"`
}

// Balances GET /fapi/v2/balance。
func (c *BinanceRESTClient) Balances(ctx context.Context) ([]Balance, error) {
	var rows []balanceResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(rows))
	for _, r := range rows {
		out = append(out, Balance{
			Asset:            r.Asset,
			Balance:          float64(r.Balance),
			AvailableBalance: float64(r.AvailableBalance),
			UpdateTime:       r.UpdateTime,
		})
	}
	return out, nil
}

// PositionRisk 持仓信息。
type PositionRisk struct {
	Symbol           string
	PositionSide     string
	PositionAmt      float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	Leverage         float64
	MarginType       string
	UpdateTime       int64
}

type positionRiskResp struct {
	Symbol           string    `json:"symbol"`
	PositionSide     string    `json:"positionSide"`
	PositionAmt      flexFloat `json:"positionAmt"`
	EntryPrice       flexFloat `json:"entryPrice"`
	MarkPrice        flexFloat `json:"markPrice"`
	UnrealizedProfit flexFloat `json:"unRealizedProfit"`
	Leverage         flexFloat `json:"leverage"`
	MarginType       string    `json:"marginType"`
	UpdateTime       int64     `json:"updateTime"`
}

// PositionRisk GET /fapi/v2/positionRisk；symbol 为空时返回全部合约。
func (c *BinanceRESTClient) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var rows []positionRiskResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &rows); err != nil {
		return nil, err
	}
	out := make([]PositionRisk, 0, len(rows))
	for _, r := range rows {
		out = append(out, PositionRisk{
			Symbol:           r.Symbol,
			PositionSide:     r.PositionSide,
			PositionAmt:      float64(r.PositionAmt),
			EntryPrice:       float64(r.EntryPrice),
			MarkPrice:        float64(r.MarkPrice),
			UnrealizedProfit: float64(r.UnrealizedProfit),
			Leverage:         float64(r.Leverage),
			MarginType:       r.MarginType,
			UpdateTime:       r.UpdateTime,
		})
	}
	return out, nil
}

// OpenOrders GET /fapi/v1/openOrders；symbol 为空时返回全部。
func (c *BinanceRESTClient) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var rows []orderResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toResponse())
	}
	return out, nil
}
