package store

import (
	"strconv"
	"strings"
	"time"

	"futures-exec/gateway"
)

// Balance 单一资产余额：Total 为钱包余额，Free 为可用余额。
type Balance struct {
	Asset     string
	Total     float64
	Free      float64
	UpdatedAt time.Time
}

// Position 单向/双向持仓的一侧。
type Position struct {
	Symbol        string
	PositionSide  string
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
	MarginType    string
	UpdatedAt     time.Time
}

// OpenOrder 活跃订单。
type OpenOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	PositionSide  string
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	ReduceOnly    bool
	UpdateTime    int64
}

// Key 活跃订单索引键：优先 orderId，其次 clientOrderId。
func (o OpenOrder) Key() string {
	return orderKey(o.OrderID, o.ClientOrderID)
}

func orderKey(orderID int64, clientOrderID string) string {
	if orderID != 0 {
		return strconv.FormatInt(orderID, 10)
	}
	return clientOrderID
}

func positionKey(symbol, positionSide string) string {
	if positionSide == "" {
		positionSide = "BOTH"
	}
	return symbol + "|" + strings.ToUpper(positionSide)
}

// IsTerminalStatus 终态订单从活跃索引中移除。
func IsTerminalStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "FILLED", "CANCELED", "CANCELLED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		return true
	}
	return false
}

// Snapshot 账户状态快照；发布后不再修改，写入方复制后整体替换。
type Snapshot struct {
	Balances   map[string]Balance
	Positions  map[string]Position
	OpenOrders map[string]OpenOrder
	UpdatedAt  time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Balances:   make(map[string]Balance),
		Positions:  make(map[string]Position),
		OpenOrders: make(map[string]OpenOrder),
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Balances:   make(map[string]Balance, len(s.Balances)),
		Positions:  make(map[string]Position, len(s.Positions)),
		OpenOrders: make(map[string]OpenOrder, len(s.OpenOrders)),
		UpdatedAt:  s.UpdatedAt,
	}
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	for k, v := range s.OpenOrders {
		c.OpenOrders[k] = v
	}
	return c
}

func (s *Snapshot) positions(symbol string) []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

func (s *Snapshot) openOrders(symbol string) []OpenOrder {
	out := make([]OpenOrder, 0, len(s.OpenOrders))
	for _, o := range s.OpenOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func balanceFromREST(b gateway.Balance, at time.Time) Balance {
	return Balance{Asset: strings.ToUpper(b.Asset), Total: b.Balance, Free: b.AvailableBalance, UpdatedAt: at}
}

func positionFromREST(p gateway.PositionRisk, at time.Time) Position {
	return Position{
		Symbol:        p.Symbol,
		PositionSide:  strings.ToUpper(p.PositionSide),
		Amount:        p.PositionAmt,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     p.MarkPrice,
		UnrealizedPnL: p.UnrealizedProfit,
		Leverage:      p.Leverage,
		MarginType:    p.MarginType,
		UpdatedAt:     at,
	}
}

func orderFromREST(o gateway.OrderResponse) OpenOrder {
	return OpenOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          strings.ToUpper(o.Side),
		Type:          o.Type,
		Status:        o.Status,
		PositionSide:  o.PositionSide,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    o.UpdateTime,
	}
}

func orderFromPush(o gateway.OrderUpdate) OpenOrder {
	return OpenOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          strings.ToUpper(o.Side),
		Type:          o.OrderType,
		Status:        o.Status,
		PositionSide:  o.PositionSide,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.AccumulatedQty,
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    o.UpdateTime,
	}
}
