package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rule 描述交易对的步长与名义限制。
type Rule struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
	// Fallback 为 true 表示来自静态精度表而非 exchangeInfo。
	Fallback bool
}

// AlignPrice 向零截断到 tickSize 的整数倍。
func (r Rule) AlignPrice(price float64) float64 {
	return AlignDown(price, r.TickSize)
}

// AlignQuantity 向零截断到 stepSize 的整数倍。
func (r Rule) AlignQuantity(qty float64) float64 {
	return AlignDown(qty, r.StepSize)
}

// Validate 检查订单价格/数量是否符合精度与数量限制；price 为 0 时（市价单）跳过价格相关检查。
func (r Rule) Validate(price, qty float64) error {
	if price > 0 && r.TickSize > 0 && !isMultiple(price, r.TickSize) {
		return fmt.Errorf("price %s not aligned to tickSize %s", fmtNum(price), fmtNum(r.TickSize))
	}
	if r.StepSize > 0 && !isMultiple(qty, r.StepSize) {
		return fmt.Errorf("qty %s not aligned to stepSize %s", fmtNum(qty), fmtNum(r.StepSize))
	}
	if r.MinQty > 0 && qty < r.MinQty {
		return fmt.Errorf("qty %s < minQty %s", fmtNum(qty), fmtNum(r.MinQty))
	}
	if r.MaxQty > 0 && qty > r.MaxQty {
		return fmt.Errorf("qty %s > maxQty %s", fmtNum(qty), fmtNum(r.MaxQty))
	}
	if price > 0 && r.MinNotional > 0 && price*qty < r.MinNotional {
		return fmt.Errorf("notional %s < minNotional %s", fmtNum(price*qty), fmtNum(r.MinNotional))
	}
	return nil
}

// AlignDown 以十进制运算把 value 向零截断到 step 的整数倍（ROUND_DOWN），step<=0 时原样返回。
// 结果是 step 的整数倍且绝对值不超过输入；对结果再次调用返回相同值。
func AlignDown(value, step float64) float64 {
	if step <= 0 || value == 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	n := v.Div(s).Truncate(0)
	return n.Mul(s).InexactFloat64()
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	return v.Mod(s).IsZero()
}

func fmtNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}
