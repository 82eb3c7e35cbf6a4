package order

import (
	"fmt"
	"time"
)

// IntentStatus 延迟意图生命周期。
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentTriggered IntentStatus = "TRIGGERED"
	IntentSucceeded IntentStatus = "SUCCEEDED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// Kind 延迟意图类型。
type Kind string

const (
	KindProtective Kind = "protective"
	KindArmed      Kind = "armed"
	KindLocal      Kind = "local"
)

type intentTransition struct {
	From IntentStatus
	To   IntentStatus
}

// 合法转换。FAILED 不会自动回到 PENDING，需调用方显式 Rearm。
var intentTransitions = map[intentTransition]bool{
	{IntentPending, IntentTriggered}:   true,
	{IntentPending, IntentCancelled}:   true,
	{IntentTriggered, IntentSucceeded}: true,
	{IntentTriggered, IntentFailed}:    true,
	{IntentTriggered, IntentCancelled}: true,
	{IntentFailed, IntentPending}:      true,
	{IntentFailed, IntentCancelled}:    true,
}

// ValidateIntentTransition 校验状态转换；相同状态不算转换。
func ValidateIntentTransition(from, to IntentStatus) error {
	if from == to || !intentTransitions[intentTransition{from, to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIntentState, from, to)
	}
	return nil
}

// IsFinal 终态意图会被移出集合。
func (s IntentStatus) IsFinal() bool {
	return s == IntentSucceeded || s == IntentCancelled
}

// IntentMeta 三类意图共享的生命周期字段。
type IntentMeta struct {
	ID          string       `json:"id"`
	Status      IntentStatus `json:"status"`
	Tag         string       `json:"tag,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	TriggeredAt time.Time    `json:"triggeredAt,omitempty"`
}

func (m *IntentMeta) meta() *IntentMeta { return m }

// ProtectiveOrder 主单成交后才挂出的止损/止盈，ID 为主单 clientOrderId。
type ProtectiveOrder struct {
	IntentMeta
	Symbol       string  `json:"symbol"`
	ParentSide   string  `json:"parentSide"`
	PositionSide string  `json:"positionSide,omitempty"`
	Quantity     float64 `json:"quantity"`
	StopLoss     float64 `json:"stopLoss,omitempty"`
	TakeProfit   float64 `json:"takeProfit,omitempty"`
	// 已提交的腿，重新布防时跳过。
	StopLossClientID   string `json:"stopLossClientId,omitempty"`
	TakeProfitClientID string `json:"takeProfitClientId,omitempty"`
}

// ArmedOrder 延迟提交的止损限价单：价格满足条件后挂出 STOP 平仓单。
// Quantity 为 0 时按触发时的持仓数量平仓。
type ArmedOrder struct {
	IntentMeta
	Symbol        string    `json:"symbol"`
	PositionSide  string    `json:"positionSide"`
	CloseSide     string    `json:"closeSide"`
	ActivatePrice float64   `json:"activatePrice"`
	Condition     Condition `json:"condition"`
	StopPrice     float64   `json:"stopPrice"`
	LimitPrice    float64   `json:"limitPrice"`
	Quantity      float64   `json:"quantity,omitempty"`
	OrderClientID string    `json:"orderClientId,omitempty"`
}

// LocalTrigger 任意订单加本地价格触发条件。
type LocalTrigger struct {
	IntentMeta
	Spec          OrderSpec `json:"spec"`
	ActivatePrice float64   `json:"activatePrice"`
	Condition     Condition `json:"condition"`
	OrderClientID string    `json:"orderClientId,omitempty"`
}

// Intent 三类意图的统一摘要，用于枚举与撤销。
type Intent struct {
	Kind          Kind         `json:"kind"`
	ID            string       `json:"id"`
	Symbol        string       `json:"symbol"`
	Tag           string       `json:"tag,omitempty"`
	Status        IntentStatus `json:"status"`
	ActivatePrice float64      `json:"activatePrice,omitempty"`
	Condition     Condition    `json:"condition,omitempty"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (p ProtectiveOrder) summary() Intent {
	return Intent{Kind: KindProtective, ID: p.ID, Symbol: p.Symbol, Tag: p.Tag, Status: p.Status,
		Error: p.Error, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

func (a ArmedOrder) summary() Intent {
	return Intent{Kind: KindArmed, ID: a.ID, Symbol: a.Symbol, Tag: a.Tag, Status: a.Status,
		ActivatePrice: a.ActivatePrice, Condition: a.Condition, Error: a.Error,
		CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
}

func (l LocalTrigger) summary() Intent {
	return Intent{Kind: KindLocal, ID: l.ID, Symbol: l.Spec.Instrument, Tag: l.Tag, Status: l.Status,
		ActivatePrice: l.ActivatePrice, Condition: l.Condition, Error: l.Error,
		CreatedAt: l.CreatedAt, UpdatedAt: l.UpdatedAt}
}
