package market

import (
	"time"

	"futures-exec/gateway"
)

// Kline OHLCV 数据。
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

func klinesFrom(rows []gateway.Kline) []Kline {
	out := make([]Kline, 0, len(rows))
	for _, r := range rows {
		out = append(out, Kline{
			OpenTime: time.UnixMilli(r.OpenTime),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
		})
	}
	return out
}
