// Package result 提供显式的数据新鲜度变体：Ok | Degraded | Unavailable。
// 调用方必须区分"权威值"、"降级缓存值"和"不可用"，不能把降级数据当作权威值，也不能把不可用当作空值。
package result

import (
	"errors"
	"fmt"
)

// ErrUnavailable 既无实时数据也无缓存可返回。
var ErrUnavailable = errors.New("data unavailable")

// Kind 结果类别。
type Kind int

const (
	Ok Kind = iota
	Degraded
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result 携带值与来源状态；Degraded 时 Reason 说明降级原因。
type Result[T any] struct {
	Kind   Kind
	Value  T
	Reason error
}

func OK[T any](v T) Result[T] {
	return Result[T]{Kind: Ok, Value: v}
}

func DegradedOf[T any](v T, reason error) Result[T] {
	return Result[T]{Kind: Degraded, Value: v, Reason: reason}
}

// UnavailableOf 返回不可用结果，Reason 总是可被 errors.Is(err, ErrUnavailable) 识别。
func UnavailableOf[T any](reason error) Result[T] {
	var zero T
	switch {
	case reason == nil:
		reason = ErrUnavailable
	case !errors.Is(reason, ErrUnavailable):
		reason = fmt.Errorf("%w: %w", ErrUnavailable, reason)
	}
	return Result[T]{Kind: Unavailable, Value: zero, Reason: reason}
}

// Get 把变体折叠成 (值, error)：Ok/Degraded 返回值，Unavailable 返回错误。
func (r Result[T]) Get() (T, error) {
	if r.Kind == Unavailable {
		return r.Value, r.Reason
	}
	return r.Value, nil
}

func (r Result[T]) IsOK() bool       { return r.Kind == Ok }
func (r Result[T]) IsDegraded() bool { return r.Kind == Degraded }
func (r Result[T]) IsAvailable() bool {
	return r.Kind != Unavailable
}
