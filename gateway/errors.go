package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Binance 合约接口的已知错误码。
const (
	CodeTooManyRequests     = -1003
	CodeParamNotRequired    = -1106
	CodeUnknownOrder        = -2011
	CodeOrderNotExist       = -2013
	CodeWouldTrigger        = -2021
	CodeUnsupportedEndpoint = -4120
	CodeNoNeedChangeMargin  = -4046
)

var (
	// ErrThrottled 表示限流冷却期内请求被本地跳过，未发往交易所。
	ErrThrottled = errors.New("request skipped: rate limit cooldown")
	// ErrNonUserData 表示推送消息不是用户数据事件。
	ErrNonUserData = errors.New("not a user data event")
)

// APIError 交易所返回的错误回包。
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance %s: code=%d msg=%s (http %d)", e.Endpoint, e.Code, e.Msg, e.HTTPStatus)
	}
	return fmt.Sprintf("binance %s: http %d %s", e.Endpoint, e.HTTPStatus, e.Msg)
}

// ErrorCode 返回 err 链中的交易所错误码，没有则为 0。
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsTooManyRequests 判断是否为 -1003 限流（或 HTTP 429）。
func IsTooManyRequests(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeTooManyRequests || apiErr.HTTPStatus == http.StatusTooManyRequests
}

// IsWouldTrigger 判断是否为 -2021（止损单会立即触发）。
func IsWouldTrigger(err error) bool {
	return ErrorCode(err) == CodeWouldTrigger
}

// IsUnknownOrder 判断是否为 -2011/-2013（订单不存在或已结束）。
func IsUnknownOrder(err error) bool {
	code := ErrorCode(err)
	return code == CodeUnknownOrder || code == CodeOrderNotExist
}
