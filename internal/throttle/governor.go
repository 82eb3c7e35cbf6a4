package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-exec/gateway"
)

// Config 限流治理参数。
type Config struct {
	Threshold int           // 连续 -1003 次数阈值
	Cooldown  time.Duration // 冷却时长
}

// DefaultConfig 返回默认配置：连续 3 次限流后冷却 60 秒。
func DefaultConfig() Config {
	return Config{Threshold: 3, Cooldown: 60 * time.Second}
}

// Recorder 接收限流事件，通常由 monitor 实现。
type Recorder interface {
	RecordThrottle()
	SetCooldown(active bool)
}

// State 限流状态快照。
type State struct {
	ConsecutiveThrottles int
	CooldownUntil        time.Time
}

// Governor 统计连续限流响应，达到阈值后进入冷却，冷却期内不发起任何 REST 请求。
// 每个引擎实例持有自己的 Governor，不共享进程级状态。
type Governor struct {
	mu            sync.RWMutex
	threshold     int
	cooldown      time.Duration
	consecutive   int
	cooldownUntil time.Time

	now      func() time.Time
	recorder Recorder
	logger   *zap.Logger
}

// New 创建 Governor；零值配置项使用默认值。
func New(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{now: time.Now, logger: logger}
	g.apply(cfg)
	return g
}

func (g *Governor) apply(cfg Config) {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	g.threshold = cfg.Threshold
	g.cooldown = cfg.Cooldown
}

// SetRecorder 设置指标回调。
func (g *Governor) SetRecorder(r Recorder) {
	g.mu.Lock()
	g.recorder = r
	g.mu.Unlock()
}

// Reconfigure 热更新阈值与冷却时长，不影响当前冷却窗口。
func (g *Governor) Reconfigure(cfg Config) {
	g.mu.Lock()
	g.apply(cfg)
	g.mu.Unlock()
}

// ShouldSkip 冷却期内返回 true；越过冷却边界时清零计数。
func (g *Governor) ShouldSkip() bool {
	now := g.now()
	g.mu.RLock()
	until := g.cooldownUntil
	g.mu.RUnlock()
	if until.IsZero() {
		return false
	}
	if now.Before(until) {
		return true
	}

	g.mu.Lock()
	expired := !g.cooldownUntil.IsZero() && !now.Before(g.cooldownUntil)
	if expired {
		g.cooldownUntil = time.Time{}
		g.consecutive = 0
	}
	rec := g.recorder
	g.mu.Unlock()
	if expired {
		g.logger.Info("rate limit cooldown finished")
		if rec != nil {
			rec.SetCooldown(false)
		}
	}
	return false
}

// OnOutcome 记录一次 REST 结果：只有 -1003 累加计数，其它结果（含成功）清零。
// 本地跳过（ErrThrottled）不算交易所结果，不改变状态。
func (g *Governor) OnOutcome(err error) {
	if errors.Is(err, gateway.ErrThrottled) {
		return
	}
	if !gateway.IsTooManyRequests(err) {
		g.mu.Lock()
		g.consecutive = 0
		g.mu.Unlock()
		return
	}

	now := g.now()
	g.mu.Lock()
	g.consecutive++
	count := g.consecutive
	entered := false
	if count >= g.threshold && !now.Before(g.cooldownUntil) {
		g.cooldownUntil = now.Add(g.cooldown)
		entered = true
	}
	until := g.cooldownUntil
	rec := g.recorder
	g.mu.Unlock()

	if rec != nil {
		rec.RecordThrottle()
	}
	if entered {
		g.logger.Warn("rate limit cooldown entered",
			zap.Int("consecutive", count),
			zap.Time("until", until))
		if rec != nil {
			rec.SetCooldown(true)
		}
	}
}

// Guard 冷却期内直接返回 ErrThrottled，否则执行 fn 并记录结果。
func (g *Governor) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.ShouldSkip() {
		return gateway.ErrThrottled
	}
	err := fn(ctx)
	g.OnOutcome(err)
	return err
}

// State 返回当前计数与冷却截止时间。
func (g *Governor) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return State{ConsecutiveThrottles: g.consecutive, CooldownUntil: g.cooldownUntil}
}

// Remaining 返回冷却剩余时间，不在冷却中为 0。
func (g *Governor) Remaining() time.Duration {
	g.mu.RLock()
	until := g.cooldownUntil
	g.mu.RUnlock()
	if until.IsZero() {
		return 0
	}
	if d := until.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}
