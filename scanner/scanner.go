// Package scanner 全市场扫描：可交易合约列表、24h 涨跌幅反转候选、锤子线与双 K 实体重叠形态。
// 结果按参数缓存；限流冷却期内不发 REST，返回降级缓存或不可用。
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-exec/gateway"
	"futures-exec/market"
	"futures-exec/result"
)

// 扫描方向。
const (
	ModeLong  = "long"
	ModeShort = "short"
)

// Source 全市场 REST 数据。
type Source interface {
	ExchangeInfo(ctx context.Context) (gateway.ExchangeInfo, error)
	Tickers24h(ctx context.Context) ([]gateway.Ticker24h, error)
}

// KlineSource 一般为 market.Service。
type KlineSource interface {
	Klines(ctx context.Context, instrument, interval string, limit int) result.Result[[]market.Kline]
}

// Governor 限流冷却检查。
type Governor interface {
	ShouldSkip() bool
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

type Config struct {
	CacheTTL    time.Duration
	Concurrency int // 并发拉取 K 线的合约数
	Simulation  bool
}

func DefaultConfig() Config {
	return Config{CacheTTL: time.Minute, Concurrency: 8}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}

// simulatedContracts dryRun 下的固定合约列表。
var simulatedContracts = []string{"BTCUSDT", "ETHUSDT"}

type entry struct {
	at    time.Time
	value any
}

// Scanner 只读扫描服务，可并发调用。
type Scanner struct {
	src    Source
	klines KlineSource
	gov    Governor
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	cfg   Config
	cache map[string]entry
}

func New(src Source, klines KlineSource, gov Governor, cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		src:    src,
		klines: klines,
		gov:    gov,
		now:    time.Now,
		logger: logger,
		cfg:    cfg.withDefaults(),
		cache:  make(map[string]entry),
	}
}

// Reconfigure 热更新缓存时长与并发度，已缓存结果保留。
func (s *Scanner) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scanner) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// cached 按 key 读缓存；过期后在非冷却期内重新计算，失败或冷却时返回旧结果（Degraded）。
func cached[T any](s *Scanner, key string, compute func() (T, error)) result.Result[T] {
	now := s.now()
	s.mu.Lock()
	e, ok := s.cache[key]
	ttl := s.cfg.CacheTTL
	s.mu.Unlock()
	if ok && now.Sub(e.at) <= ttl {
		return result.OK(e.value.(T))
	}
	fallback := func(err error) result.Result[T] {
		if ok {
			return result.DegradedOf(e.value.(T), err)
		}
		return result.UnavailableOf[T](err)
	}
	if s.gov != nil && s.gov.ShouldSkip() {
		return fallback(gateway.ErrThrottled)
	}
	v, err := compute()
	if err != nil {
		s.logger.Warn("scan failed", zap.String("key", key), zap.Error(err))
		return fallback(err)
	}
	s.mu.Lock()
	s.cache[key] = entry{at: now, value: v}
	s.mu.Unlock()
	return result.OK(v)
}

func (s *Scanner) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.gov == nil {
		return fn(ctx)
	}
	return s.gov.Guard(ctx, fn)
}

// ContractFilter 空字段使用默认值 USDT / PERPETUAL / TRADING。
type ContractFilter struct {
	QuoteAsset   string `json:"quoteAsset"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
}

func (f ContractFilter) withDefaults() ContractFilter {
	norm := func(v, def string) string {
		if v = strings.ToUpper(strings.TrimSpace(v)); v == "" {
			return def
		}
		return v
	}
	return ContractFilter{
		QuoteAsset:   norm(f.QuoteAsset, "USDT"),
		ContractType: norm(f.ContractType, "PERPETUAL"),
		Status:       norm(f.Status, "TRADING"),
	}
}

// TradeableContracts 按报价资产、合约类型与状态筛选，去重并排序。
func (s *Scanner) TradeableContracts(ctx context.Context, f ContractFilter) result.Result[[]string] {
	f = f.withDefaults()
	if s.config().Simulation {
		return result.OK(append([]string(nil), simulatedContracts...))
	}
	return cached(s, fmt.Sprintf("contracts:%+v", f), func() ([]string, error) {
		var info gateway.ExchangeInfo
		if err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			info, err = s.src.ExchangeInfo(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		var out []string
		for _, si := range info.Symbols {
			if strings.ToUpper(si.Status) != f.Status ||
				strings.ToUpper(si.QuoteAsset) != f.QuoteAsset ||
				strings.ToUpper(si.ContractType) != f.ContractType ||
				si.Symbol == "" || seen[si.Symbol] {
				continue
			}
			seen[si.Symbol] = true
			out = append(out, si.Symbol)
		}
		sort.Strings(out)
		return out, nil
	})
}

// fetchKlines 并发拉取每个合约的 K 线，只接受实时结果；单个合约失败不影响其它合约。
func (s *Scanner) fetchKlines(ctx context.Context, symbols []string, interval string, limit int) (map[string][]market.Kline, int, error) {
	var mu sync.Mutex
	out := make(map[string][]market.Kline, len(symbols))
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config().Concurrency)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			r := s.klines.Klines(gctx, sym, interval, limit)
			mu.Lock()
			defer mu.Unlock()
			if !r.IsOK() {
				failed++
				return nil
			}
			out[sym] = r.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failed, err
	}
	return out, failed, ctx.Err()
}

// ReversalParams 涨多做空、跌多做多的候选筛选参数。
type ReversalParams struct {
	TopN            int     `json:"topN"`
	MinAbsPct       float64 `json:"minAbsPct"`
	FallbackTop1    bool    `json:"fallbackTop1"`
	PosShort        float64 `json:"posShort"` // 做空需各周期位置不低于该值
	PosLong         float64 `json:"posLong"`  // 做多需各周期位置不高于该值
	MaxRetraceRatio float64 `json:"maxRetraceRatio"`
	ShortInterval   string  `json:"shortInterval"`
	ShortBars       int     `json:"shortBars"`
	LongInterval    string  `json:"longInterval"`
	LongBars        int     `json:"longBars"`
	PreselectLimit  int     `json:"preselectLimit"`
	QuoteAsset      string  `json:"quoteAsset"`
}

func DefaultReversalParams() ReversalParams {
	return ReversalParams{
		TopN:            3,
		MinAbsPct:       50,
		FallbackTop1:    true,
		PosShort:        0.75,
		PosLong:         0.25,
		MaxRetraceRatio: 0.30,
		ShortInterval:   "1h",
		ShortBars:       72,
		LongInterval:    "1d",
		LongBars:        10,
		PreselectLimit:  30,
		QuoteAsset:      "USDT",
	}
}

// Reversal 反转候选。位置与回撤按 72h、其中最后 24 根和 10 天三个窗口计算。
type Reversal struct {
	Symbol     string  `json:"symbol"`
	Pct        float64 `json:"pct"`
	AbsPct     float64 `json:"absPct"`
	Mode       string  `json:"mode"`
	Fallback   bool    `json:"fallback,omitempty"`
	Checked    bool    `json:"checked"` // false 表示缺少 K 线、未做位置过滤的兜底项
	Pos72h     float64 `json:"pos72h"`
	Pos24h     float64 `json:"pos24h"`
	Pos10d     float64 `json:"pos10d"`
	Pullback72 float64 `json:"pullback72h"`
	Pullback24 float64 `json:"pullback24h"`
	Pullback10 float64 `json:"pullback10d"`
	Rebound72  float64 `json:"rebound72h"`
	Rebound24  float64 `json:"rebound24h"`
	Rebound10  float64 `json:"rebound10d"`
	LastClose  float64 `json:"lastClose"`
	Low72h     float64 `json:"low72h"`
	High72h    float64 `json:"high72h"`
	Low10d     float64 `json:"low10d"`
	High10d    float64 `json:"high10d"`
}

// TopReversals 先按 24h 涨跌幅绝对值预选，再用多周期位置与回撤过滤，按绝对涨跌幅降序取 TopN。
// 没有达到 MinAbsPct 的合约且 FallbackTop1 时取涨跌幅最大的一个；缺 K 线的兜底项原样返回。
func (s *Scanner) TopReversals(ctx context.Context, p ReversalParams) result.Result[[]Reversal] {
	return cached(s, fmt.Sprintf("reversals:%+v", p), func() ([]Reversal, error) {
		return s.topReversals(ctx, p)
	})
}

func (s *Scanner) topReversals(ctx context.Context, p ReversalParams) ([]Reversal, error) {
	var tickers []gateway.Ticker24h
	if !s.config().Simulation {
		if err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			tickers, err = s.src.Tickers24h(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	quote := strings.ToUpper(p.QuoteAsset)
	var prelim, all []Reversal
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, quote) {
			continue
		}
		c := Reversal{Symbol: t.Symbol, Pct: t.PriceChangePercent, AbsPct: math.Abs(t.PriceChangePercent), Mode: ModeShort}
		if c.Pct < 0 {
			c.Mode = ModeLong
		}
		all = append(all, c)
		if c.AbsPct >= p.MinAbsPct {
			prelim = append(prelim, c)
		}
	}
	byAbs := func(rs []Reversal) {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].AbsPct > rs[j].AbsPct })
	}
	if len(prelim) == 0 && p.FallbackTop1 && len(all) > 0 {
		byAbs(all)
		top := all[0]
		top.Fallback = true
		prelim = []Reversal{top}
	}
	byAbs(prelim)
	if n := max(1, p.PreselectLimit); len(prelim) > n {
		prelim = prelim[:n]
	}

	symbols := make([]string, len(prelim))
	for i, c := range prelim {
		symbols[i] = c.Symbol
	}
	short, _, err := s.fetchKlines(ctx, symbols, p.ShortInterval, p.ShortBars)
	if err != nil {
		return nil, err
	}
	long, _, err := s.fetchKlines(ctx, symbols, p.LongInterval, p.LongBars)
	if err != nil {
		return nil, err
	}

	var out []Reversal
	for _, c := range prelim {
		kl72, kl10 := short[c.Symbol], long[c.Symbol]
		w72, ok72 := windowOf(kl72)
		w10, ok10 := windowOf(kl10)
		if !ok72 || !ok10 {
			if c.Fallback {
				out = append(out, c)
			}
			continue
		}
		recent := kl72
		if len(recent) > 24 {
			recent = recent[len(recent)-24:]
		}
		w24, _ := windowOf(recent)
		last := w72.last
		c.Checked = true
		c.Pos72h, c.Pos24h, c.Pos10d = w72.position(last), w24.position(last), w10.position(last)
		c.Pullback72, c.Pullback24, c.Pullback10 = w72.pullback(last), w24.pullback(last), w10.pullback(last)
		c.Rebound72, c.Rebound24, c.Rebound10 = w72.rebound(last), w24.rebound(last), w10.rebound(last)
		c.LastClose = last
		c.Low72h, c.High72h, c.Low10d, c.High10d = w72.lo, w72.hi, w10.lo, w10.hi

		if c.Mode == ModeShort {
			if c.Pos72h < p.PosShort || c.Pos24h < p.PosShort || c.Pos10d < p.PosShort {
				continue
			}
			if c.Pullback72 > p.MaxRetraceRatio || c.Pullback24 > p.MaxRetraceRatio || c.Pullback10 > p.MaxRetraceRatio {
				continue
			}
		} else {
			if c.Pos72h > p.PosLong || c.Pos24h > p.PosLong || c.Pos10d > p.PosLong {
				continue
			}
			if c.Rebound72 > p.MaxRetraceRatio || c.Rebound24 > p.MaxRetraceRatio || c.Rebound10 > p.MaxRetraceRatio {
				continue
			}
		}
		out = append(out, c)
	}
	byAbs(out)
	if n := max(1, p.TopN); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// HammerParams 锤子线扫描参数。
type HammerParams struct {
	Interval         string  `json:"interval"`
	LookbackBars     int     `json:"lookbackBars"`
	MustBeInLastN    int     `json:"mustBeInLastN"`
	VolumeMultiplier float64 `json:"volumeMultiplier"`
}

func DefaultHammerParams() HammerParams {
	return HammerParams{Interval: "1h", LookbackBars: 6, MustBeInLastN: 2, VolumeMultiplier: 1.0}
}

// OverlapParams 双 K 实体重叠扫描参数。
type OverlapParams struct {
	Interval     string  `json:"interval"`
	LookbackBars int     `json:"lookbackBars"`
	OverlapRatio float64 `json:"overlapRatio"`
	VolumeBoost  float64 `json:"volumeBoost"`
}

func DefaultOverlapParams() OverlapParams {
	return OverlapParams{Interval: "1h", LookbackBars: 6, OverlapRatio: 0.80, VolumeBoost: 1.30}
}

// Patterns 一次扫描的两类形态结果。
type Patterns struct {
	Hammers  []Hammer  `json:"hammers"`
	Overlaps []Overlap `json:"overlaps"`
}

// Hammers 扫描全部可交易 USDT 永续合约的锤子线/倒锤子线。
func (s *Scanner) Hammers(ctx context.Context, p HammerParams) result.Result[[]Hammer] {
	return cached(s, fmt.Sprintf("hammers:%+v", p), func() ([]Hammer, error) {
		pats, err := s.scanPatterns(ctx, p.Interval, p.LookbackBars, &p, nil)
		return pats.Hammers, err
	})
}

// BodyOverlaps 扫描最新两根实体重叠且放量的合约。
func (s *Scanner) BodyOverlaps(ctx context.Context, p OverlapParams) result.Result[[]Overlap] {
	return cached(s, fmt.Sprintf("overlaps:%+v", p), func() ([]Overlap, error) {
		pats, err := s.scanPatterns(ctx, p.Interval, p.LookbackBars, nil, &p)
		return pats.Overlaps, err
	})
}

// ScanPatterns 每个合约只拉一次 K 线，同时计算两类形态；实体重叠固定看最近 6 根。
func (s *Scanner) ScanPatterns(ctx context.Context, interval string, hp HammerParams, op OverlapParams) result.Result[Patterns] {
	hp.Interval, op.Interval = interval, interval
	op.LookbackBars = patternWindow
	return cached(s, fmt.Sprintf("patterns:%+v:%+v", hp, op), func() (Patterns, error) {
		return s.scanPatterns(ctx, interval, max(hp.LookbackBars, patternWindow), &hp, &op)
	})
}

func (s *Scanner) scanPatterns(ctx context.Context, interval string, limit int, hp *HammerParams, op *OverlapParams) (Patterns, error) {
	symbols, err := s.TradeableContracts(ctx, ContractFilter{}).Get()
	if err != nil {
		return Patterns{}, err
	}
	bars, failed, err := s.fetchKlines(ctx, symbols, interval, limit)
	if err != nil {
		return Patterns{}, err
	}
	if len(symbols) > 0 && failed == len(symbols) {
		return Patterns{}, errors.New("klines unavailable for every contract")
	}

	var out Patterns
	short := 0
	for _, sym := range symbols {
		kl, ok := bars[sym]
		if !ok {
			continue
		}
		if len(kl) < limit {
			short++
			continue
		}
		if hp != nil {
			if h, ok := evalHammer(sym, kl, *hp); ok {
				out.Hammers = append(out.Hammers, h)
			}
		}
		if op != nil {
			w := kl
			if len(w) > op.LookbackBars {
				w = w[len(w)-op.LookbackBars:]
			}
			if o, ok := evalOverlap(sym, w, *op); ok {
				out.Overlaps = append(out.Overlaps, o)
			}
		}
	}
	sortHammers(out.Hammers)
	sort.SliceStable(out.Overlaps, func(i, j int) bool {
		a, b := out.Overlaps[i], out.Overlaps[j]
		if a.VolumeRatio != b.VolumeRatio {
			return a.VolumeRatio > b.VolumeRatio
		}
		return a.OverlapRatio > b.OverlapRatio
	})
	s.logger.Info("pattern scan finished",
		zap.String("interval", interval),
		zap.Int("symbols", len(symbols)),
		zap.Int("failed", failed),
		zap.Int("insufficient_klines", short),
		zap.Int("hammers", len(out.Hammers)),
		zap.Int("overlaps", len(out.Overlaps)))
	return out, nil
}

// sortHammers 优先标记、放量、同向 K 数量、极值距离、形态强度依次降序。
func sortHammers(hs []Hammer) {
	sort.SliceStable(hs, func(i, j int) bool {
		a, b := hs[i], hs[j]
		switch {
		case a.Priority != b.Priority:
			return a.Priority > b.Priority
		case a.VolumeRatio != b.VolumeRatio:
			return a.VolumeRatio > b.VolumeRatio
		case a.SameDirCount != b.SameDirCount:
			return a.SameDirCount > b.SameDirCount
		case a.ExtremeDistRatio != b.ExtremeDistRatio:
			return a.ExtremeDistRatio > b.ExtremeDistRatio
		}
		return a.Score > b.Score
	})
}
