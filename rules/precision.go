package rules

import (
	"strings"

	"github.com/shopspring/decimal"
)

// 静态精度表：exchangeInfo 不可用（例如限流冷却）时使用。
var (
	fallbackPriceDecimals = map[string]int32{
		"BTCUSDT": 2, "BTCUSDC": 2,
		"ETHUSDT": 2, "ETHUSDC": 2,
		"BNBUSDT": 3, "BNBUSDC": 3,
		"SOLUSDT": 2, "SOLUSDC": 2,
		"ADAUSDT": 4, "ADAUSDC": 4,
		"XRPUSDT": 4, "XRPUSDC": 4,
	}
	fallbackQtyDecimals = map[string]int32{
		"BTCUSDT": 3, "BTCUSDC": 3,
		"ETHUSDT": 3, "ETHUSDC": 3,
		"BNBUSDT": 2, "BNBUSDC": 2,
		"SOLUSDT": 2, "SOLUSDC": 2,
		"ADAUSDT": 0, "ADAUSDC": 0,
		"XRPUSDT": 0, "XRPUSDC": 0,
	}
)

const defaultFallbackDecimals int32 = 2

// FallbackRule 根据静态精度表构造规则；未登记的合约使用 2 位小数。
func FallbackRule(symbol string) Rule {
	symbol = Normalize(symbol)
	pd, ok := fallbackPriceDecimals[symbol]
	if !ok {
		pd = defaultFallbackDecimals
	}
	qd, ok := fallbackQtyDecimals[symbol]
	if !ok {
		qd = defaultFallbackDecimals
	}
	return Rule{
		Symbol:   symbol,
		TickSize: decimal.New(1, -pd).InexactFloat64(),
		StepSize: decimal.New(1, -qd).InexactFloat64(),
		Fallback: true,
	}
}

// Normalize 归一化合约代码：BTC/USDT、btc/usdt:USDT -> BTCUSDT。
func Normalize(instrument string) string {
	s := strings.TrimSpace(instrument)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(s)
}
