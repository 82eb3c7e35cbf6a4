package scanner

import (
	"math"

	"futures-exec/market"
)

// 锤子线形态。
const (
	PatternHammer         = "HAMMER"
	PatternInvertedHammer = "INVERTED_HAMMER"
)

// HammerShape 单根 K 线的几何比例。
type HammerShape struct {
	Pattern   string  `json:"pattern"`
	Score     float64 `json:"score"` // longWick / range
	Body      float64 `json:"body"`
	Range     float64 `json:"range"`
	UpperWick float64 `json:"upperWick"`
	LowerWick float64 `json:"lowerWick"`
	LongWick  float64 `json:"longWick"`
	ShortWick float64 `json:"shortWick"`
}

// DetectHammer 只看几何比例，不筛趋势：实体加短影线小于 1/4 振幅，且长影线大于 3/4 振幅。
// 下影线较长为 HAMMER，上影线较长为 INVERTED_HAMMER。
func DetectHammer(k market.Kline) (HammerShape, bool) {
	rng := k.High - k.Low
	if rng <= 0 {
		return HammerShape{}, false
	}
	body := math.Abs(k.Close - k.Open)
	upper := math.Max(0, k.High-math.Max(k.Open, k.Close))
	lower := math.Max(0, math.Min(k.Open, k.Close)-k.Low)
	long, short := math.Max(upper, lower), math.Min(upper, lower)

	if body+short >= rng/4 || long <= 3*rng/4 {
		return HammerShape{}, false
	}
	pattern := PatternHammer
	if upper > lower {
		pattern = PatternInvertedHammer
	}
	return HammerShape{
		Pattern:   pattern,
		Score:     long / rng,
		Body:      body,
		Range:     rng,
		UpperWick: upper,
		LowerWick: lower,
		LongWick:  long,
		ShortWick: short,
	}, true
}

// Hammer 锤子线扫描命中。
type Hammer struct {
	Symbol   string `json:"symbol"`
	Mode     string `json:"mode"`
	BarIndex int    `json:"barIndex"` // -1 为最新一根
	HammerShape
	VolumeRatio      float64 `json:"volumeRatio"`
	SameDirCount     int     `json:"sameDirCount"`
	ExtremeType      string  `json:"extremeType"`
	ExtremePrice     float64 `json:"extremePrice"`
	ExtremeDist      float64 `json:"extremeDist"`
	ExtremeDistRatio float64 `json:"extremeDistRatio"`
	Priority         int     `json:"priority"`
}

const patternWindow = 6

// evalHammer 形态只允许出现在最近 MustBeInLastN 根之一，且形态 K 的成交量大于其余均量乘以 VolumeMultiplier。
func evalHammer(symbol string, kl []market.Kline, p HammerParams) (Hammer, bool) {
	if len(kl) == 0 {
		return Hammer{}, false
	}
	idx := -1
	var shape HammerShape
	for back := 1; back <= p.MustBeInLastN && back <= len(kl); back++ {
		if s, ok := DetectHammer(kl[len(kl)-back]); ok {
			idx, shape = len(kl)-back, s
			break
		}
	}
	if idx < 0 {
		return Hammer{}, false
	}

	var others float64
	for i, k := range kl {
		if i != idx {
			others += k.Volume
		}
	}
	if len(kl) < 2 || others <= 0 {
		return Hammer{}, false
	}
	ratio := kl[idx].Volume / (others / float64(len(kl)-1))
	if ratio <= p.VolumeMultiplier {
		return Hammer{}, false
	}

	window := kl
	if len(window) > patternWindow {
		window = window[len(window)-patternWindow:]
	}
	wickUp := shape.Pattern == PatternInvertedHammer
	same := 0
	minLow, maxHigh := math.Inf(1), 0.0
	for _, k := range window {
		if (wickUp && k.Close > k.Open) || (!wickUp && k.Close < k.Open) {
			same++
		}
		minLow = math.Min(minLow, k.Low)
		maxHigh = math.Max(maxHigh, k.High)
	}

	h := Hammer{
		Symbol:       symbol,
		Mode:         ModeLong,
		BarIndex:     idx - len(kl),
		HammerShape:  shape,
		VolumeRatio:  ratio,
		SameDirCount: same,
	}
	pin := kl[idx]
	if wickUp {
		h.ExtremeType, h.ExtremePrice = "min_low", minLow
		if pin.Low > 0 && minLow > 0 {
			h.ExtremeDist = math.Max(0, pin.Low-minLow)
		}
	} else {
		h.ExtremeType, h.ExtremePrice = "max_high", maxHigh
		if pin.High > 0 && maxHigh > 0 {
			h.ExtremeDist = math.Max(0, maxHigh-pin.High)
		}
	}
	if shape.Range > 0 {
		h.ExtremeDistRatio = h.ExtremeDist / shape.Range
	}
	if ratio > 1.5 && same >= 4 && h.ExtremeDist > shape.Range {
		h.Priority = 1
	}
	return h, true
}

// Overlap 最新两根 K 线实体重叠且放量。
type Overlap struct {
	Symbol       string  `json:"symbol"`
	OverlapRatio float64 `json:"overlapRatio"`
	VolumeRatio  float64 `json:"volumeRatio"`
	Last2AvgVol  float64 `json:"last2AvgVol"`
	PrevAvgVol   float64 `json:"prevAvgVol"`
}

// evalOverlap 长实体与短实体的重叠长度除以长实体不低于 OverlapRatio，
// 且最新两根均量不低于其余均量乘以 VolumeBoost。
func evalOverlap(symbol string, kl []market.Kline, p OverlapParams) (Overlap, bool) {
	if len(kl) < 3 {
		return Overlap{}, false
	}
	a, b := kl[len(kl)-2], kl[len(kl)-1]
	aLo, aHi := math.Min(a.Open, a.Close), math.Max(a.Open, a.Close)
	bLo, bHi := math.Min(b.Open, b.Close), math.Max(b.Open, b.Close)
	aBody, bBody := aHi-aLo, bHi-bLo
	if aBody <= 0 || bBody <= 0 {
		return Overlap{}, false
	}
	longBody := math.Max(aBody, bBody)
	ov := math.Max(0, math.Min(aHi, bHi)-math.Max(aLo, bLo))
	ovRatio := ov / longBody
	if ovRatio < p.OverlapRatio {
		return Overlap{}, false
	}

	prev := kl[:len(kl)-2]
	var prevSum float64
	for _, k := range prev {
		prevSum += k.Volume
	}
	prevAvg := prevSum / float64(len(prev))
	if prevAvg <= 0 {
		return Overlap{}, false
	}
	last2 := (a.Volume + b.Volume) / 2
	volRatio := last2 / prevAvg
	if volRatio < p.VolumeBoost {
		return Overlap{}, false
	}
	return Overlap{
		Symbol:       symbol,
		OverlapRatio: ovRatio,
		VolumeRatio:  volRatio,
		Last2AvgVol:  last2,
		PrevAvgVol:   prevAvg,
	}, true
}

type window struct{ lo, hi, last float64 }

func windowOf(kl []market.Kline) (window, bool) {
	if len(kl) == 0 {
		return window{}, false
	}
	w := window{lo: math.Inf(1), last: kl[len(kl)-1].Close}
	for _, k := range kl {
		w.lo = math.Min(w.lo, k.Low)
		w.hi = math.Max(w.hi, k.High)
	}
	return w, true
}

// position last 在区间中的相对位置，区间退化时取 0.5。
func (w window) position(last float64) float64 {
	if w.hi <= w.lo {
		return 0.5
	}
	return (last - w.lo) / (w.hi - w.lo)
}

func (w window) pullback(last float64) float64 {
	if w.hi <= 0 {
		return 0
	}
	return (w.hi - last) / w.hi
}

func (w window) rebound(last float64) float64 {
	if w.lo <= 0 {
		return 0
	}
	return (last - w.lo) / w.lo
}
