package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// unwrap 兼容 /ws/<name> 裸消息与 /stream combined 包装。
func unwrap(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.Contains(trimmed, []byte(`"stream"`)) {
		return trimmed
	}
	var msg CombinedMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil || len(msg.Data) == 0 {
		return trimmed
	}
	return msg.Data
}

// 用户数据流事件类型。
const (
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// BalanceUpdate ACCOUNT_UPDATE.a.B[]。
type BalanceUpdate struct {
	Asset              string
	WalletBalance      float64
	CrossWalletBalance float64
}

// AccountPosition ACCOUNT_UPDATE.a.P[]。
type AccountPosition struct {
	Symbol       string
	PositionSide string
	PositionAmt  float64
	EntryPrice   float64
	PnL          float64
}

// AccountUpdate 余额/仓位推送。
type AccountUpdate struct {
	Reason    string
	EventTime int64
	Balances  []BalanceUpdate
	Positions []AccountPosition
}

// OrderUpdate ORDER_TRADE_UPDATE.o。
type OrderUpdate struct {
	Symbol         string
	Side           string
	OrderType      string
	Status         string
	ExecutionType  string
	OrderID        int64
	ClientOrderID  string
	Price          float64
	AvgPrice       float64
	OrigQty        float64
	AccumulatedQty float64
	LastFilledQty  float64
	StopPrice      float64
	PositionSide   string
	ReduceOnly     bool
	RealizedPnL    float64
	EventTime      int64
	UpdateTime     int64
}

// UserDataEvent 解析后的用户数据事件；Account/Order 按类型二选一。
type UserDataEvent struct {
	EventType string
	EventTime int64
	Account   *AccountUpdate
	Order     *OrderUpdate
}

// rawFields 按精确 key 取值；Binance 推送中存在仅大小写不同的 key（t/T、l/L、p/P），
// 结构体标签的大小写不敏感匹配会互相覆盖。
type rawFields map[string]json.RawMessage

func (m rawFields) str(k string) string {
	var s string
	if v, ok := m[k]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

func (m rawFields) num(k string) float64 {
	var f flexFloat
	if v, ok := m[k]; ok {
		_ = f.UnmarshalJSON(v)
	}
	return float64(f)
}

func (m rawFields) i64(k string) int64 {
	var n flexInt
	if v, ok := m[k]; ok {
		_ = n.UnmarshalJSON(v)
	}
	return int64(n)
}

func (m rawFields) flag(k string) bool {
	var b bool
	if v, ok := m[k]; ok {
		_ = json.Unmarshal(v, &b)
	}
	return b
}

func (m rawFields) obj(k string) (rawFields, error) {
	out := rawFields{}
	v, ok := m[k]
	if !ok {
		return out, nil
	}
	err := json.Unmarshal(v, &out)
	return out, err
}

func (m rawFields) list(k string) ([]rawFields, error) {
	var out []rawFields
	v, ok := m[k]
	if !ok || string(v) == "null" {
		return out, nil
	}
	err := json.Unmarshal(v, &out)
	return out, err
}

// ParseUserData 解析用户数据流消息；未知事件只返回 EventType，非用户数据返回 ErrNonUserData。
func ParseUserData(raw []byte) (UserDataEvent, error) {
	var env rawFields
	if err := json.Unmarshal(unwrap(raw), &env); err != nil {
		return UserDataEvent{}, fmt.Errorf("decode user data: %w", err)
	}
	eventType := env.str("e")
	if eventType == "" {
		return UserDataEvent{}, ErrNonUserData
	}
	ev := UserDataEvent{EventType: eventType, EventTime: env.i64("E")}
	switch eventType {
	case EventAccountUpdate:
		a, err := env.obj("a")
		if err != nil {
			return ev, fmt.Errorf("decode account update: %w", err)
		}
		au := &AccountUpdate{Reason: a.str("m"), EventTime: ev.EventTime}
		balances, err := a.list("B")
		if err != nil {
			return ev, fmt.Errorf("decode account balances: %w", err)
		}
		for _, b := range balances {
			au.Balances = append(au.Balances, BalanceUpdate{
				Asset:              b.str("a"),
				WalletBalance:      b.num("wb"),
				CrossWalletBalance: b.num("cw"),
			})
		}
		positions, err := a.list("P")
		if err != nil {
			return ev, fmt.Errorf("decode account positions: %w", err)
		}
		for _, p := range positions {
			au.Positions = append(au.Positions, AccountPosition{
				Symbol:       p.str("s"),
				PositionSide: p.str("ps"),
				PositionAmt:  p.num("pa"),
				EntryPrice:   p.num("ep"),
				PnL:          p.num("up"),
			})
		}
		ev.Account = au
	case EventOrderTradeUpdate:
		o, err := env.obj("o")
		if err != nil {
			return ev, fmt.Errorf("decode order update: %w", err)
		}
		updateTime := o.i64("T")
		if updateTime == 0 {
			updateTime = env.i64("T")
		}
		ev.Order = &OrderUpdate{
			Symbol:         o.str("s"),
			Side:           o.str("S"),
			OrderType:      o.str("o"),
			Status:         o.str("X"),
			ExecutionType:  o.str("x"),
			OrderID:        o.i64("i"),
			ClientOrderID:  o.str("c"),
			Price:          o.num("p"),
			AvgPrice:       o.num("ap"),
			OrigQty:        o.num("q"),
			AccumulatedQty: o.num("z"),
			LastFilledQty:  o.num("l"),
			StopPrice:      o.num("sp"),
			PositionSide:   o.str("ps"),
			ReduceOnly:     o.flag("R"),
			RealizedPnL:    o.num("rp"),
			EventTime:      ev.EventTime,
			UpdateTime:     updateTime,
		}
	}
	return ev, nil
}

// TickerUpdate <symbol>@ticker / @bookTicker 推送归一化后的价格。
type TickerUpdate struct {
	Symbol    string
	LastPrice float64
	Bid       float64
	Ask       float64
	EventTime int64
}

// ParseTicker 归一化行情推送：c 优先，其次 p 作为最新价；b/a 为买一卖一。
func ParseTicker(raw []byte) (TickerUpdate, error) {
	var m rawFields
	if err := json.Unmarshal(unwrap(raw), &m); err != nil {
		return TickerUpdate{}, fmt.Errorf("decode ticker: %w", err)
	}
	symbol := m.str("s")
	if symbol == "" {
		return TickerUpdate{}, fmt.Errorf("ticker message without symbol")
	}
	last := m.num("c")
	if last <= 0 {
		last = m.num("p")
	}
	return TickerUpdate{
		Symbol:    strings.ToUpper(symbol),
		LastPrice: last,
		Bid:       m.num("b"),
		Ask:       m.num("a"),
		EventTime: m.i64("E"),
	}, nil
}
