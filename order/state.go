package order

import (
	"strings"

	"futures-exec/gateway"
)

// Status 交易所订单状态。
type Status string

const (
	StatusNew      Status = "NEW"
	StatusPartial  Status = "PARTIALLY_FILLED"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusExpired  Status = "EXPIRED"
	StatusRejected Status = "REJECTED"
	// StatusDeferred 本地触发单尚未提交到交易所，ClientOrderID 为意图 id。
	StatusDeferred Status = "DEFERRED"
)

// IsFinal 终态订单不会再有成交。
func (s Status) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderRecord 下单/撤单/推送回报统一视图；Tag 为调用方标签。
type OrderRecord struct {
	OrderID       int64   `json:"orderId,omitempty"`
	AlgoID        int64   `json:"algoId,omitempty"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        Status  `json:"status"`
	Price         float64 `json:"price,omitempty"`
	AvgPrice      float64 `json:"avgPrice,omitempty"`
	OrigQty       float64 `json:"origQty,omitempty"`
	ExecutedQty   float64 `json:"executedQty,omitempty"`
	StopPrice     float64 `json:"stopPrice,omitempty"`
	PositionSide  string  `json:"positionSide,omitempty"`
	ReduceOnly    bool    `json:"reduceOnly,omitempty"`
	ClosePosition bool    `json:"closePosition,omitempty"`
	Tag           string  `json:"tag,omitempty"`
	UpdateTime    int64   `json:"updateTime,omitempty"`
	DryRun        bool    `json:"dryRun,omitempty"`
}

// parentOutcome 主单状态决定保护单去向：FILLED 或部分成交后结束时按成交量挂出，
// 无成交即结束时移除，其余继续等待。
func parentOutcome(r OrderRecord) (filledQty float64, materialize, drop bool) {
	switch {
	case r.Status == StatusFilled:
		return r.ExecutedQty, true, false
	case r.Status.IsFinal() && r.ExecutedQty > 0:
		return r.ExecutedQty, true, false
	case r.Status.IsFinal():
		return 0, false, true
	}
	return 0, false, false
}

func recordFromResponse(resp gateway.OrderResponse, tag string) OrderRecord {
	return OrderRecord{
		OrderID:       resp.OrderID,
		AlgoID:        resp.AlgoID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          strings.ToUpper(resp.Side),
		Type:          resp.Type,
		Status:        Status(strings.ToUpper(resp.Status)),
		Price:         resp.Price,
		AvgPrice:      resp.AvgPrice,
		OrigQty:       resp.OrigQty,
		ExecutedQty:   resp.ExecutedQty,
		StopPrice:     resp.StopPrice,
		PositionSide:  resp.PositionSide,
		ReduceOnly:    resp.ReduceOnly,
		ClosePosition: resp.ClosePosition,
		Tag:           tag,
		UpdateTime:    resp.UpdateTime,
	}
}

func recordFromUpdate(u gateway.OrderUpdate, tag string) OrderRecord {
	return OrderRecord{
		OrderID:       u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          strings.ToUpper(u.Side),
		Type:          u.OrderType,
		Status:        Status(strings.ToUpper(u.Status)),
		Price:         u.Price,
		AvgPrice:      u.AvgPrice,
		OrigQty:       u.OrigQty,
		ExecutedQty:   u.AccumulatedQty,
		StopPrice:     u.StopPrice,
		PositionSide:  u.PositionSide,
		ReduceOnly:    u.ReduceOnly,
		Tag:           tag,
		UpdateTime:    u.UpdateTime,
	}
}

// Condition 价格触发条件。
type Condition string

const (
	ConditionGTE Condition = "gte"
	ConditionLTE Condition = "lte"
)

// Met 判断最新价是否满足触发条件。
func (c Condition) Met(price, activate float64) bool {
	if price <= 0 || activate <= 0 {
		return false
	}
	switch c {
	case ConditionGTE:
		return price >= activate
	case ConditionLTE:
		return price <= activate
	}
	return false
}

func parseCondition(s string) (Condition, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gte", ">=":
		return ConditionGTE, true
	case "lte", "<=":
		return ConditionLTE, true
	case "":
		return "", true
	}
	return "", false
}

// Trigger 本地价格触发参数。
type Trigger struct {
	ActivatePrice float64   `json:"activatePrice"`
	Condition     Condition `json:"condition,omitempty"`
}

// OrderSpec 策略侧下单描述；Side/Type 接受 long/short、limit/stop_market 等别名。
type OrderSpec struct {
	Instrument      string  `json:"instrument"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Quantity        float64 `json:"quantity,omitempty"`
	Price           float64 `json:"price,omitempty"`
	StopPrice       float64 `json:"stopPrice,omitempty"`
	TimeInForce     string  `json:"timeInForce,omitempty"`
	PositionSide    string  `json:"positionSide,omitempty"`
	ReduceOnly      bool    `json:"reduceOnly,omitempty"`
	ClosePosition   bool    `json:"closePosition,omitempty"`
	CallbackRate    float64 `json:"callbackRate,omitempty"`
	ActivationPrice float64 `json:"activationPrice,omitempty"`
	WorkingType     string  `json:"workingType,omitempty"`
	Tag             string  `json:"tag,omitempty"`

	// StopLoss/TakeProfit 大于 0 时在主单成交后挂出保护单。
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`

	// LocalTrigger 非空时不立即提交，价格满足条件后再下单。
	LocalTrigger *Trigger `json:"localTrigger,omitempty"`
}

// NormalizeSymbol 去掉分隔符并转大写：btc/usdt -> BTCUSDT。
func NormalizeSymbol(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(s)
}

// NormalizeSide long/buy -> BUY，short/sell -> SELL，其它返回空串。
func NormalizeSide(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return "BUY"
	case "short", "sell":
		return "SELL"
	}
	return ""
}

// NormalizeType 策略侧订单类型映射为交易所类型，未知类型原样转大写。
func NormalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "limit":
		return "LIMIT"
	case "market":
		return "MARKET"
	case "stop_limit", "stop_loss_limit":
		return "STOP"
	case "stop", "stop_market":
		return "STOP_MARKET"
	case "trailing_stop", "trailing_stop_market":
		return "TRAILING_STOP_MARKET"
	case "take_profit":
		return "TAKE_PROFIT"
	case "take_profit_limit":
		return "TAKE_PROFIT_LIMIT"
	case "take_profit_market":
		return "TAKE_PROFIT_MARKET"
	}
	return strings.ToUpper(t)
}

func oppositeSide(side string) string {
	if side == "BUY" {
		return "SELL"
	}
	return "BUY"
}

// isConditional 条件单类型；交易所返回 -4120 时改走 algo 接口。
func isConditional(orderType string) bool {
	switch orderType {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET", "TRAILING_STOP_MARKET":
		return true
	}
	return false
}
