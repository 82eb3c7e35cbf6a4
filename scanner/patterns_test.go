package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/market"
)

func bar(o, h, l, c, vol float64) market.Kline {
	return market.Kline{Open: o, High: h, Low: l, Close: c, Volume: vol}
}

func TestDetectHammer(t *testing.T) {
	cases := map[string]struct {
		k       market.Kline
		ok      bool
		pattern string
	}{
		"long lower wick":  {bar(10, 10.6, 6, 10.5, 1), true, PatternHammer},
		"long upper wick":  {bar(10, 14, 9.4, 9.5, 1), true, PatternInvertedHammer},
		"full body":        {bar(10, 12.5, 9.5, 12, 1), false, ""},
		"flat bar":         {bar(10, 10, 10, 10, 1), false, ""},
		"short wick large": {bar(10, 11.5, 6, 10.2, 1), false, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			shape, ok := DetectHammer(tc.k)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.pattern, shape.Pattern)
				assert.Greater(t, shape.Score, 0.75)
				assert.InDelta(t, tc.k.High-tc.k.Low, shape.Range, 1e-9)
			}
		})
	}
}

func plainBars(n int) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		out[i] = bar(10, 10.4, 9.8, 10.2, 10)
	}
	return out
}

func TestEvalHammer(t *testing.T) {
	p := DefaultHammerParams()

	kl := append(plainBars(5), bar(10, 10.6, 6, 10.5, 30))
	h, ok := evalHammer("BTCUSDT", kl, p)
	require.True(t, ok)
	assert.Equal(t, PatternHammer, h.Pattern)
	assert.Equal(t, -1, h.BarIndex)
	assert.Equal(t, ModeLong, h.Mode)
	assert.InDelta(t, 3.0, h.VolumeRatio, 1e-9)
	assert.Equal(t, "max_high", h.ExtremeType)
	assert.InDelta(t, 10.6, h.ExtremePrice, 1e-9)
	assert.Zero(t, h.Priority)

	second := append(plainBars(4), bar(10, 10.6, 6, 10.5, 30), bar(10, 10.4, 9.8, 10.2, 10))
	h, ok = evalHammer("BTCUSDT", second, p)
	require.True(t, ok)
	assert.Equal(t, -2, h.BarIndex)

	third := append(plainBars(3), bar(10, 10.6, 6, 10.5, 30), bar(10, 10.4, 9.8, 10.2, 10), bar(10, 10.4, 9.8, 10.2, 10))
	_, ok = evalHammer("BTCUSDT", third, p)
	assert.False(t, ok, "pin older than MustBeInLastN")

	quiet := append(plainBars(5), bar(10, 10.6, 6, 10.5, 10))
	_, ok = evalHammer("BTCUSDT", quiet, p)
	assert.False(t, ok, "volume not above average")
}

func TestEvalHammerPriority(t *testing.T) {
	// 连续阳线后的倒锤子线，离区间最低点的距离超过自身振幅
	kl := []market.Kline{
		bar(10, 12, 9.9, 11.9, 10),
		bar(11.9, 14, 11.8, 13.9, 10),
		bar(13.9, 16, 13.8, 15.9, 10),
		bar(15.9, 18, 15.8, 17.9, 10),
		bar(17.9, 20, 17.8, 19.9, 10),
		bar(20, 21.6, 19.9, 19.95, 40),
	}
	h, ok := evalHammer("ETHUSDT", kl, DefaultHammerParams())
	require.True(t, ok)
	assert.Equal(t, PatternInvertedHammer, h.Pattern)
	assert.Equal(t, 5, h.SameDirCount)
	assert.Equal(t, "min_low", h.ExtremeType)
	assert.InDelta(t, 10.0, h.ExtremeDist, 1e-9)
	assert.Equal(t, 1, h.Priority)
}

func TestEvalOverlap(t *testing.T) {
	p := DefaultOverlapParams()
	base := []market.Kline{
		bar(10, 10.5, 9.5, 10.2, 10),
		bar(10, 10.5, 9.5, 10.2, 10),
		bar(10, 10.5, 9.5, 10.2, 10),
		bar(10, 10.5, 9.5, 10.2, 10),
	}

	kl := append(append([]market.Kline(nil), base...), bar(10, 11.2, 9.9, 11, 20), bar(10.1, 11.1, 10, 11, 20))
	o, ok := evalOverlap("BTCUSDT", kl, p)
	require.True(t, ok)
	assert.InDelta(t, 0.9, o.OverlapRatio, 1e-9)
	assert.InDelta(t, 2.0, o.VolumeRatio, 1e-9)

	shifted := append(append([]market.Kline(nil), base...), bar(10, 11.2, 9.9, 11, 20), bar(10.6, 11.7, 10.5, 11.6, 20))
	_, ok = evalOverlap("BTCUSDT", shifted, p)
	assert.False(t, ok, "bodies overlap less than ratio")

	thin := append(append([]market.Kline(nil), base...), bar(10, 11.2, 9.9, 11, 11), bar(10.1, 11.1, 10, 11, 11))
	_, ok = evalOverlap("BTCUSDT", thin, p)
	assert.False(t, ok, "volume boost not reached")
}

func TestWindowPosition(t *testing.T) {
	w, ok := windowOf([]market.Kline{bar(10, 20, 10, 15, 1), bar(15, 18, 12, 17.5, 1)})
	require.True(t, ok)
	assert.InDelta(t, 0.75, w.position(w.last), 1e-9)
	assert.InDelta(t, 0.125, w.pullback(w.last), 1e-9)
	assert.InDelta(t, 0.75, w.rebound(w.last), 1e-9)

	_, ok = windowOf(nil)
	assert.False(t, ok)
	assert.Equal(t, 0.5, window{lo: 5, hi: 5}.position(5))
}
