package order

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOrder 参数校验失败，不会重试。
	ErrInvalidOrder = errors.New("invalid order")
	// ErrZeroQuantity 数量按 stepSize 截断后为 0；同时匹配 ErrInvalidOrder。
	ErrZeroQuantity = fmt.Errorf("%w: aligned quantity is zero", ErrInvalidOrder)
	// ErrWouldTrigger 交易所 -2021：止损价已被穿越，调用方应直接平仓而不是重试。
	ErrWouldTrigger = errors.New("order would immediately trigger")
	ErrUnknownOrder = errors.New("unknown order")
	// ErrUnknownIntent 延迟意图不存在（已完成或已撤销）。
	ErrUnknownIntent = errors.New("unknown intent")
	// ErrIntentState 当前状态不允许该操作。
	ErrIntentState = errors.New("illegal intent state")
)

// ProtectiveError 主单已提交，但成交后立即挂出的保护单失败。
// 与之一起返回的 OrderRecord 是有效的主单记录。
type ProtectiveError struct {
	ParentClientID string
	Err            error
}

func (e *ProtectiveError) Error() string {
	return fmt.Sprintf("protective orders for %s: %v", e.ParentClientID, e.Err)
}

func (e *ProtectiveError) Unwrap() error { return e.Err }
