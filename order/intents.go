package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-exec/internal/persist"
)

// errInterrupted 进程在提交途中退出，无法确认是否已下单。
var errInterrupted = errors.New("interrupted during submission")

type intentRecord[T any] interface {
	*T
	meta() *IntentMeta
	summary() Intent
}

// collection 一类延迟意图：一把互斥锁保护内存集合，每次变更后整体落盘。
// 不在持锁期间发起网络或磁盘 IO。
type collection[T any, P intentRecord[T]] struct {
	kind   Kind
	store  persist.Store[T]
	now    func() time.Time
	logger *zap.Logger
	onSave func(kind Kind, pending int, err error)

	mu    sync.Mutex
	items map[string]*T

	saveMu sync.Mutex
}

func newCollection[T any, P intentRecord[T]](kind Kind, store persist.Store[T], logger *zap.Logger) *collection[T, P] {
	return &collection[T, P]{
		kind:   kind,
		store:  store,
		now:    time.Now,
		logger: logger,
		items:  make(map[string]*T),
	}
}

// load 启动时整体读入；TRIGGERED 记录说明上次提交结果未知，标记为 FAILED 等待人工确认。
func (c *collection[T, P]) load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	recs, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load %s intents: %w", c.kind, err)
	}
	interrupted := 0
	c.mu.Lock()
	c.items = make(map[string]*T, len(recs))
	for id, rec := range recs {
		r := rec
		m := P(&r).meta()
		if m.ID == "" {
			m.ID = id
		}
		if m.Status == IntentTriggered {
			m.Status = IntentFailed
			m.Error = errInterrupted.Error()
			m.UpdatedAt = c.now()
			interrupted++
		}
		c.items[m.ID] = &r
	}
	n := len(c.items)
	c.mu.Unlock()
	if interrupted > 0 {
		c.logger.Warn("intents interrupted during submission",
			zap.String("kind", string(c.kind)), zap.Int("count", interrupted))
		c.persist(ctx)
	}
	return n, nil
}

// add 新建 PENDING 意图；同 id 已存在且未终结时拒绝。
func (c *collection[T, P]) add(ctx context.Context, rec T) (T, error) {
	p := P(&rec)
	m := p.meta()
	now := c.now()
	m.Status = IntentPending
	m.Error = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	c.mu.Lock()
	if _, ok := c.items[m.ID]; ok {
		c.mu.Unlock()
		var zero T
		return zero, fmt.Errorf("%w: %s intent %s already exists", ErrIntentState, c.kind, m.ID)
	}
	stored := rec
	c.items[m.ID] = &stored
	c.mu.Unlock()

	c.persist(ctx)
	return rec, nil
}

// claim PENDING -> TRIGGERED 的原子转换；并发触发只有一个调用方成功。
func (c *collection[T, P]) claim(ctx context.Context, id string) (T, bool) {
	var zero T
	c.mu.Lock()
	r, ok := c.items[id]
	if !ok || P(r).meta().Status != IntentPending {
		c.mu.Unlock()
		return zero, false
	}
	m := P(r).meta()
	now := c.now()
	m.Status = IntentTriggered
	m.TriggeredAt = now
	m.UpdatedAt = now
	out := *r
	c.mu.Unlock()

	c.persist(ctx)
	return out, true
}

// finish 结束 TRIGGERED 意图：成功移除，失败保留错误。mutate 在锁内更新附加字段。
// 返回 false 表示意图已在途中被撤销。
func (c *collection[T, P]) finish(ctx context.Context, id string, cause error, mutate func(P)) bool {
	c.mu.Lock()
	r, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	m := P(r).meta()
	if mutate != nil {
		mutate(P(r))
	}
	m.UpdatedAt = c.now()
	if cause != nil {
		m.Status = IntentFailed
		m.Error = cause.Error()
	} else {
		m.Status = IntentSucceeded
		m.Error = ""
		delete(c.items, id)
	}
	c.mu.Unlock()

	c.persist(ctx)
	return true
}

// note 只在内存中记录 PENDING 意图未能触发的原因，不落盘。
func (c *collection[T, P]) note(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.items[id]; ok && P(r).meta().Status == IntentPending {
		P(r).meta().Error = reason
	}
}

// update 锁内修改记录，用于把已提交的腿写回。
func (c *collection[T, P]) update(ctx context.Context, id string, mutate func(P)) bool {
	c.mu.Lock()
	r, ok := c.items[id]
	if ok {
		mutate(P(r))
		P(r).meta().UpdatedAt = c.now()
	}
	c.mu.Unlock()
	if ok {
		c.persist(ctx)
	}
	return ok
}

// cancel 任何状态都可直接撤销；在途提交不会被中断，但结束时发现意图已不存在。
func (c *collection[T, P]) cancel(ctx context.Context, id string) (Intent, bool) {
	c.mu.Lock()
	r, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Intent{}, false
	}
	delete(c.items, id)
	m := P(r).meta()
	m.Status = IntentCancelled
	m.UpdatedAt = c.now()
	sum := P(r).summary()
	c.mu.Unlock()

	c.persist(ctx)
	return sum, true
}

// rearm FAILED -> PENDING。
func (c *collection[T, P]) rearm(ctx context.Context, id string) (T, error) {
	var zero T
	c.mu.Lock()
	r, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return zero, ErrUnknownIntent
	}
	m := P(r).meta()
	if m.Status != IntentFailed {
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: %s intent %s is %s", ErrIntentState, c.kind, id, m.Status)
	}
	m.Status = IntentPending
	m.Error = ""
	m.UpdatedAt = c.now()
	out := *r
	c.mu.Unlock()

	c.persist(ctx)
	return out, nil
}

func (c *collection[T, P]) get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return *r, true
}

// pending 返回 PENDING 记录副本，按创建时间排序。
func (c *collection[T, P]) pending() []T {
	return c.filter(func(m *IntentMeta) bool { return m.Status == IntentPending })
}

func (c *collection[T, P]) all() []T {
	return c.filter(func(*IntentMeta) bool { return true })
}

func (c *collection[T, P]) filter(keep func(*IntentMeta) bool) []T {
	c.mu.Lock()
	out := make([]T, 0, len(c.items))
	for _, r := range c.items {
		if keep(P(r).meta()) {
			out = append(out, *r)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := P(&out[i]).meta(), P(&out[j]).meta()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

func (c *collection[T, P]) countPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.items {
		if P(r).meta().Status == IntentPending {
			n++
		}
	}
	return n
}

// persist 锁内拷贝、锁外写盘；saveMu 保证最后一次写入的是最新快照。
// 写盘失败只记录日志，内存状态不回滚，下次变更再次整体写入。
func (c *collection[T, P]) persist(ctx context.Context) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	snap := make(map[string]T, len(c.items))
	pending := 0
	for id, r := range c.items {
		snap[id] = *r
		if P(r).meta().Status == IntentPending {
			pending++
		}
	}
	c.mu.Unlock()

	var err error
	if c.store != nil {
		err = c.store.Save(context.WithoutCancel(ctx), snap)
		if err != nil {
			c.logger.Error("persist intents failed",
				zap.String("kind", string(c.kind)), zap.Int("records", len(snap)), zap.Error(err))
		}
	}
	if c.onSave != nil {
		c.onSave(c.kind, pending, err)
	}
}
