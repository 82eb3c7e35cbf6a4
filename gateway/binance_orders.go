package gateway

import (
	"context"
	"net/http"
	"strconv"
)

// OrderRequest 已完成精度对齐与字段清洗的下单参数；零值字段不发送。
type OrderRequest struct {
	Symbol          string
	Side            string
	Type            string
	Quantity        float64
	Price           float64
	StopPrice       float64
	TimeInForce     string
	PositionSide    string
	ReduceOnly      bool
	ClosePosition   bool
	CallbackRate    float64
	ActivationPrice float64
	WorkingType     string
	ClientOrderID   string
}

func (r OrderRequest) params() map[string]string {
	p := map[string]string{
		"symbol": r.Symbol,
		"side":   r.Side,
		"type":   r.Type,
	}
	setNum(p, "quantity", r.Quantity)
	setNum(p, "price", r.Price)
	setNum(p, "stopPrice", r.StopPrice)
	setNum(p, "callbackRate", r.CallbackRate)
	setNum(p, "activationPrice", r.ActivationPrice)
	setStr(p, "timeInForce", r.TimeInForce)
	setStr(p, "positionSide", r.PositionSide)
	setStr(p, "workingType", r.WorkingType)
	setStr(p, "newClientOrderId", r.ClientOrderID)
	if r.ReduceOnly {
		p["reduceOnly"] = "true"
	}
	if r.ClosePosition {
		p["closePosition"] = "true"
	}
	return p
}

// algoParams 把同一请求转换为 /fapi/v1/algoOrder 的 CONDITIONAL 参数。
func (r OrderRequest) algoParams() map[string]string {
	p := map[string]string{
		"algoType": "CONDITIONAL",
		"symbol":   r.Symbol,
		"side":     r.Side,
		"type":     r.Type,
	}
	setNum(p, "quantity", r.Quantity)
	setNum(p, "price", r.Price)
	setNum(p, "triggerPrice", r.StopPrice)
	setNum(p, "callbackRate", r.CallbackRate)
	setNum(p, "activatePrice", r.ActivationPrice)
	setStr(p, "timeInForce", r.TimeInForce)
	setStr(p, "positionSide", r.PositionSide)
	setStr(p, "workingType", r.WorkingType)
	setStr(p, "clientAlgoId", r.ClientOrderID)
	if r.ReduceOnly {
		p["reduceOnly"] = "true"
	}
	if r.ClosePosition {
		p["closePosition"] = "true"
	}
	return p
}

func setNum(p map[string]string, k string, v float64) {
	if v != 0 {
		p[k] = FormatDecimal(v)
	}
}

func setStr(p map[string]string, k, v string) {
	if v != "" {
		p[k] = v
	}
}

// OrderResponse 交易所订单回包（普通单与 algo 条件单共用）。
type OrderResponse struct {
	OrderID       int64
	AlgoID        int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Price         float64
	AvgPrice      float64
	OrigQty       float64
	ExecutedQty   float64
	StopPrice     float64
	PositionSide  string
	ReduceOnly    bool
	ClosePosition bool
	UpdateTime    int64
}

type orderResp struct {
	OrderID       flexInt   `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Price         flexFloat `json:"price"`
	AvgPrice      flexFloat `json:"avgPrice"`
	OrigQty       flexFloat `json:"origQty"`
	ExecutedQty   flexFloat `json:"executedQty"`
	StopPrice     flexFloat `json:"stopPrice"`
	PositionSide  string    `json:"positionSide"`
	ReduceOnly    bool      `json:"reduceOnly"`
	ClosePosition bool      `json:"closePosition"`
	UpdateTime    int64     `json:"updateTime"`
}

func (r orderResp) toResponse() OrderResponse {
	return OrderResponse{
		OrderID:       int64(r.OrderID),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type,
		Status:        r.Status,
		Price:         float64(r.Price),
		AvgPrice:      float64(r.AvgPrice),
		OrigQty:       float64(r.OrigQty),
		ExecutedQty:   float64(r.ExecutedQty),
		StopPrice:     float64(r.StopPrice),
		PositionSide:  r.PositionSide,
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		UpdateTime:    r.UpdateTime,
	}
}

type algoOrderResp struct {
	AlgoID        flexInt   `json:"algoId"`
	ClientAlgoID  string    `json:"clientAlgoId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderType     string    `json:"orderType"`
	AlgoStatus    string    `json:"algoStatus"`
	Price         flexFloat `json:"price"`
	Quantity      flexFloat `json:"quantity"`
	TriggerPrice  flexFloat `json:"triggerPrice"`
	PositionSide  string    `json:"positionSide"`
	ReduceOnly    bool      `json:"reduceOnly"`
	ClosePosition bool      `json:"closePosition"`
	UpdateTime    int64     `json:"updateTime"`
}

// NewOrder POST /fapi/v1/order。
func (c *BinanceRESTClient) NewOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var r orderResp
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", req.params(), true, &r); err != nil {
		return OrderResponse{}, err
	}
	return r.toResponse(), nil
}

// NewAlgoOrder POST /fapi/v1/algoOrder，条件单走 algo 服务时使用。
func (c *BinanceRESTClient) NewAlgoOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var r algoOrderResp
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", req.algoParams(), true, &r); err != nil {
		return OrderResponse{}, err
	}
	return OrderResponse{
		AlgoID:        int64(r.AlgoID),
		ClientOrderID: r.ClientAlgoID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.OrderType,
		Status:        r.AlgoStatus,
		Price:         float64(r.Price),
		OrigQty:       float64(r.Quantity),
		StopPrice:     float64(r.TriggerPrice),
		PositionSide:  r.PositionSide,
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		UpdateTime:    r.UpdateTime,
	}, nil
}

func orderRef(symbol string, orderID int64, clientOrderID string) map[string]string {
	p := map[string]string{"symbol": symbol}
	if orderID > 0 {
		p["orderId"] = strconv.FormatInt(orderID, 10)
	} else if clientOrderID != "" {
		p["origClientOrderId"] = clientOrderID
	}
	return p
}

// QueryOrder GET /fapi/v1/order，orderID 优先，否则按 origClientOrderId。
func (c *BinanceRESTClient) QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (OrderResponse, error) {
	var r orderResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", orderRef(symbol, orderID, clientOrderID), true, &r); err != nil {
		return OrderResponse{}, err
	}
	return r.toResponse(), nil
}

// CancelOrder DELETE /fapi/v1/order。
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (OrderResponse, error) {
	var r orderResp
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", orderRef(symbol, orderID, clientOrderID), true, &r); err != nil {
		return OrderResponse{}, err
	}
	return r.toResponse(), nil
}

// CancelAllOpenOrders DELETE /fapi/v1/allOpenOrders。
func (c *BinanceRESTClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol}, true, nil)
}

// CancelAlgoOrder DELETE /fapi/v1/algoOrder。
func (c *BinanceRESTClient) CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error {
	params := map[string]string{"algoId": strconv.FormatInt(algoID, 10)}
	if symbol != "" {
		params["symbol"] = symbol
	}
	return c.do(ctx, http.MethodDelete, "/fapi/v1/algoOrder", params, true, nil)
}

// ChangeLeverage POST /fapi/v1/leverage。
func (c *BinanceRESTClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// ChangeMarginType POST /fapi/v1/marginType（ISOLATED/CROSSED）。
func (c *BinanceRESTClient) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	params := map[string]string{"symbol": symbol, "marginType": marginType}
	return c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
}
