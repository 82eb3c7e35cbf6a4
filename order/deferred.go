package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-exec/gateway"
	"futures-exec/market"
	"futures-exec/rules"
)

// Load 启动时读入全部延迟意图并恢复行情订阅，需在对外服务前调用。
func (e *Engine) Load(ctx context.Context) error {
	var errs error
	np, err := e.protective.load(ctx)
	errs = multierr.Append(errs, err)
	na, err := e.armed.load(ctx)
	errs = multierr.Append(errs, err)
	nl, err := e.local.load(ctx)
	errs = multierr.Append(errs, err)
	e.refreshWatches()
	e.logger.Info("intents loaded",
		zap.Int("protective", np), zap.Int("armed", na), zap.Int("local", nl))
	if e.recorder != nil {
		e.recorder.SetIntentsPending(string(KindProtective), e.protective.countPending())
		e.recorder.SetIntentsPending(string(KindArmed), e.armed.countPending())
		e.recorder.SetIntentsPending(string(KindLocal), e.local.countPending())
	}
	return errs
}

// registerProtective 主单提交前登记保护单意图，避免成交推送先于登记到达。
func (e *Engine) registerProtective(ctx context.Context, spec OrderSpec, req gateway.OrderRequest) error {
	rule := rules.FallbackRule(spec.Instrument)
	if e.rules != nil {
		rule = e.rules.Rules(ctx, spec.Instrument)
	}
	p := ProtectiveOrder{
		IntentMeta:   IntentMeta{ID: req.ClientOrderID, Tag: spec.Tag},
		Symbol:       req.Symbol,
		ParentSide:   req.Side,
		PositionSide: req.PositionSide,
		Quantity:     req.Quantity,
		StopLoss:     rule.AlignPrice(spec.StopLoss),
		TakeProfit:   rule.AlignPrice(spec.TakeProfit),
	}
	if (spec.StopLoss > 0 && p.StopLoss <= 0) || (spec.TakeProfit > 0 && p.TakeProfit <= 0) {
		return fmt.Errorf("%w: protective price aligns to zero with tickSize %g", ErrInvalidOrder, rule.TickSize)
	}
	if _, err := e.protective.add(ctx, p); err != nil {
		return err
	}
	e.logger.Info("protective order pending",
		zap.String("parent_client_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Float64("stop_loss", p.StopLoss),
		zap.Float64("take_profit", p.TakeProfit))
	return nil
}

// protectAfterPlace 主单已结束则立即处理保护单；否则在 FillWait 内短暂轮询，超时留给成交推送。
func (e *Engine) protectAfterPlace(ctx context.Context, rec OrderRecord) error {
	if !rec.Status.IsFinal() {
		latest, settled := e.waitFilled(ctx, rec)
		if !settled {
			return nil
		}
		rec = latest
	}
	return e.settleProtective(ctx, rec)
}

// settleProtective 按主单结果挂出或移除保护单，推送、轮询与对账共用同一规则。
func (e *Engine) settleProtective(ctx context.Context, parent OrderRecord) error {
	filled, materialize, drop := parentOutcome(parent)
	switch {
	case materialize:
		return e.materializeProtective(ctx, parent.ClientOrderID, filled)
	case drop:
		e.dropProtective(ctx, parent.ClientOrderID, "parent "+string(parent.Status))
	}
	return nil
}

// waitFilled 有上限的成交轮询，返回 true 表示观察到主单终态；这是前台调用中唯一的主动等待。
func (e *Engine) waitFilled(ctx context.Context, rec OrderRecord) (OrderRecord, bool) {
	if rec.OrderID == 0 {
		return rec, false
	}
	cfg := e.config()
	deadline := time.NewTimer(cfg.FillWait)
	defer deadline.Stop()
	tick := time.NewTicker(cfg.FillPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return rec, false
		case <-deadline.C:
			return rec, false
		case <-tick.C:
		}
		// 推送已经处理了成交。
		if p, ok := e.protective.get(rec.ClientOrderID); !ok || p.Status != IntentPending {
			return rec, false
		}
		var resp gateway.OrderResponse
		err := e.guard(ctx, func(ctx context.Context) error {
			var err error
			resp, err = e.ex.QueryOrder(ctx, rec.Symbol, rec.OrderID, "")
			return err
		})
		if err != nil {
			e.logger.Debug("fill poll failed", zap.String("client_id", rec.ClientOrderID), zap.Error(err))
			if errors.Is(err, gateway.ErrThrottled) {
				return rec, false
			}
			continue
		}
		latest := recordFromResponse(resp, rec.Tag)
		if latest.Status.IsFinal() {
			return latest, true
		}
		rec = latest
	}
}

// materializeProtective 主单成交后挂出止损（STOP_MARKET closePosition）与止盈（TAKE_PROFIT）。
// 先抢占 PENDING -> TRIGGERED，重复的成交推送与轮询只会有一个提交。
// filledQty 大于 0 且小于登记数量时，止盈按实际成交量挂出。
func (e *Engine) materializeProtective(ctx context.Context, id string, filledQty float64) error {
	p, ok := e.protective.claim(ctx, id)
	if !ok {
		return nil
	}
	if filledQty > 0 && filledQty < p.Quantity {
		p.Quantity = filledQty
	}
	e.logger.Info("protective order triggered", zap.String("parent_client_id", id), zap.String("symbol", p.Symbol))
	closeSide := oppositeSide(p.ParentSide)

	var errs error
	slID, tpID := p.StopLossClientID, p.TakeProfitClientID
	if p.StopLoss > 0 && slID == "" {
		rec, err := e.placeLeg(ctx, OrderSpec{
			Instrument:    p.Symbol,
			Side:          closeSide,
			Type:          "STOP_MARKET",
			StopPrice:     p.StopLoss,
			ClosePosition: true,
			PositionSide:  p.PositionSide,
			Tag:           p.Tag,
		}, "SL")
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop loss: %w", err))
		} else {
			slID = rec.ClientOrderID
		}
	}
	if p.TakeProfit > 0 && tpID == "" && p.Quantity > 0 {
		rec, err := e.placeLeg(ctx, OrderSpec{
			Instrument:   p.Symbol,
			Side:         closeSide,
			Type:         "TAKE_PROFIT",
			Quantity:     p.Quantity,
			Price:        p.TakeProfit,
			StopPrice:    p.TakeProfit,
			ReduceOnly:   true,
			PositionSide: p.PositionSide,
			Tag:          p.Tag,
		}, "TP")
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("take profit: %w", err))
		} else {
			tpID = rec.ClientOrderID
		}
	}
	e.protective.finish(ctx, id, errs, func(r *ProtectiveOrder) {
		r.Quantity = p.Quantity
		r.StopLossClientID = slID
		r.TakeProfitClientID = tpID
	})
	p.StopLossClientID, p.TakeProfitClientID = slID, tpID
	e.outcome(KindProtective, p.summary(), errs)
	return errs
}

func (e *Engine) placeLeg(ctx context.Context, spec OrderSpec, leg string) (OrderRecord, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return OrderRecord{}, err
	}
	return e.place(ctx, spec, leg)
}

// dropProtective 主单未成交即结束，待挂保护单不再需要。
func (e *Engine) dropProtective(ctx context.Context, parentClientID, reason string) {
	p, ok := e.protective.get(parentClientID)
	if !ok || p.Status != IntentPending {
		return
	}
	if sum, ok := e.protective.cancel(ctx, parentClientID); ok {
		e.logger.Info("protective order dropped", zap.String("parent_client_id", parentClientID), zap.String("reason", reason))
		e.publishIntent(IntentEvent{Intent: sum})
	}
}

// CreateArmed 登记延迟止损限价单。PositionSide 为 LONG/SHORT，CloseSide 缺省取反向，
// Condition 缺省 LONG 为 gte、SHORT 为 lte。
func (e *Engine) CreateArmed(ctx context.Context, a ArmedOrder) (ArmedOrder, error) {
	a.Symbol = NormalizeSymbol(a.Symbol)
	a.PositionSide = strings.ToUpper(strings.TrimSpace(a.PositionSide))
	if a.Symbol == "" || (a.PositionSide != "LONG" && a.PositionSide != "SHORT") {
		return ArmedOrder{}, fmt.Errorf("%w: armed order requires symbol and LONG/SHORT position side", ErrInvalidOrder)
	}
	if a.CloseSide == "" {
		if a.PositionSide == "LONG" {
			a.CloseSide = "SELL"
		} else {
			a.CloseSide = "BUY"
		}
	}
	if a.CloseSide = NormalizeSide(a.CloseSide); a.CloseSide == "" {
		return ArmedOrder{}, fmt.Errorf("%w: unknown close side", ErrInvalidOrder)
	}
	if a.ActivatePrice <= 0 || a.StopPrice <= 0 || a.LimitPrice <= 0 || a.Quantity < 0 {
		return ArmedOrder{}, fmt.Errorf("%w: armed order requires activate, stop and limit prices", ErrInvalidOrder)
	}
	cond, ok := parseCondition(string(a.Condition))
	if !ok {
		return ArmedOrder{}, fmt.Errorf("%w: unknown condition %q", ErrInvalidOrder, a.Condition)
	}
	if cond == "" {
		cond = ConditionGTE
		if a.PositionSide == "SHORT" {
			cond = ConditionLTE
		}
	}
	a.Condition = cond
	if a.Tag == "" {
		a.Tag = e.config().DefaultTag
	}
	a.IntentMeta = IntentMeta{ID: e.newIntentID(a.Tag), Tag: a.Tag}
	a.OrderClientID = ""

	out, err := e.armed.add(ctx, a)
	if err != nil {
		return ArmedOrder{}, err
	}
	e.refreshWatches()
	e.logger.Info("armed order created",
		zap.String("id", out.ID), zap.String("symbol", out.Symbol),
		zap.Float64("activate_price", out.ActivatePrice), zap.String("condition", string(out.Condition)))
	e.publishIntent(IntentEvent{Intent: out.summary()})
	return out, nil
}

// CreateLocalTrigger 登记本地触发单；Condition 缺省 BUY 为 gte、SELL 为 lte。
func (e *Engine) CreateLocalTrigger(ctx context.Context, spec OrderSpec, trig Trigger) (LocalTrigger, error) {
	spec.LocalTrigger = nil
	spec, err := e.normalize(spec)
	if err != nil {
		return LocalTrigger{}, err
	}
	if trig.ActivatePrice <= 0 {
		return LocalTrigger{}, fmt.Errorf("%w: local trigger requires activatePrice", ErrInvalidOrder)
	}
	cond, ok := parseCondition(string(trig.Condition))
	if !ok {
		return LocalTrigger{}, fmt.Errorf("%w: unknown condition %q", ErrInvalidOrder, trig.Condition)
	}
	if cond == "" {
		cond = ConditionGTE
		if spec.Side == "SELL" {
			cond = ConditionLTE
		}
	}
	lt := LocalTrigger{
		IntentMeta:    IntentMeta{ID: e.newIntentID(spec.Tag), Tag: spec.Tag},
		Spec:          spec,
		ActivatePrice: trig.ActivatePrice,
		Condition:     cond,
	}
	out, err := e.local.add(ctx, lt)
	if err != nil {
		return LocalTrigger{}, err
	}
	e.refreshWatches()
	e.logger.Info("local trigger created",
		zap.String("id", out.ID), zap.String("symbol", spec.Instrument),
		zap.Float64("activate_price", out.ActivatePrice), zap.String("condition", string(out.Condition)))
	e.publishIntent(IntentEvent{Intent: out.summary()})
	return out, nil
}

// newIntentID <tag>_<ms>；同一毫秒内重复时追加 uuid 片段。
func (e *Engine) newIntentID(tag string) string {
	base := safeTag(tag, 0) + "_" + fmt.Sprint(e.now().UnixMilli())
	e.idMu.Lock()
	defer e.idMu.Unlock()
	id := base
	if base == e.lastIntentBase || e.intentExists(base) {
		id = base + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	e.lastIntentBase = base
	return id
}

func (e *Engine) intentExists(id string) bool {
	if _, ok := e.protective.get(id); ok {
		return true
	}
	if _, ok := e.armed.get(id); ok {
		return true
	}
	_, ok := e.local.get(id)
	return ok
}

// fireArmed 先确认可平仓位再抢占；无仓位时意图保持 PENDING，不落盘。
func (e *Engine) fireArmed(ctx context.Context, id string) {
	a, ok := e.armed.get(id)
	if !ok || a.Status != IntentPending {
		return
	}
	pos, err := e.positionFor(ctx, a.Symbol, a.PositionSide)
	if a.Quantity <= 0 && (err != nil || pos.qty <= 0) {
		reason := "no open position"
		if err != nil {
			reason = err.Error()
		}
		e.armed.note(id, reason)
		e.logger.Debug("armed order deferred", zap.String("id", id), zap.String("reason", reason))
		return
	}
	if a, ok = e.armed.claim(ctx, id); !ok {
		return
	}
	qty := a.Quantity
	if qty <= 0 {
		qty = pos.qty
	}
	e.logger.Info("armed order triggered", zap.String("id", id), zap.String("symbol", a.Symbol),
		zap.Float64("qty", qty), zap.String("position_side", pos.side))
	rec, err := e.placeLeg(ctx, OrderSpec{
		Instrument:   a.Symbol,
		Side:         a.CloseSide,
		Type:         "stop_limit",
		Quantity:     qty,
		Price:        a.LimitPrice,
		StopPrice:    a.StopPrice,
		ReduceOnly:   true,
		PositionSide: pos.side,
		Tag:          a.Tag + "_ARMED",
	}, "")
	e.armed.finish(ctx, id, err, func(r *ArmedOrder) { r.OrderClientID = rec.ClientOrderID })
	e.refreshWatches()
	a.OrderClientID = rec.ClientOrderID
	e.outcome(KindArmed, a.summary(), err)
}

type openPosition struct {
	qty  float64
	side string
}

// positionFor 触发时的可平仓位；双向持仓按 LONG/SHORT 匹配，单向持仓按正/负仓位匹配并返回 BOTH。
// 找不到仓位时 side 取意图登记的方向。
func (e *Engine) positionFor(ctx context.Context, symbol, positionSide string) (openPosition, error) {
	out := openPosition{side: positionSide}
	if e.account == nil {
		return out, fmt.Errorf("no account source")
	}
	positions, err := e.account.Positions(ctx, symbol).Get()
	if err != nil {
		return out, err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Amount == 0 {
			continue
		}
		switch p.PositionSide {
		case positionSide:
			return openPosition{qty: math.Abs(p.Amount), side: positionSide}, nil
		case "", "BOTH":
			if positionSide == "LONG" && p.Amount > 0 {
				return openPosition{qty: p.Amount, side: "BOTH"}, nil
			}
			if positionSide == "SHORT" && p.Amount < 0 {
				return openPosition{qty: -p.Amount, side: "BOTH"}, nil
			}
		}
	}
	return out, nil
}

func (e *Engine) fireLocal(ctx context.Context, id string) {
	lt, ok := e.local.claim(ctx, id)
	if !ok {
		return
	}
	e.logger.Info("local trigger fired", zap.String("id", id), zap.String("symbol", lt.Spec.Instrument))
	rec, err := e.place(ctx, lt.Spec, "")
	var perr *ProtectiveError
	if errors.As(err, &perr) {
		// 主单已提交，保护单的失败由保护单意图自己记录。
		err = nil
	}
	e.local.finish(ctx, id, err, func(r *LocalTrigger) { r.OrderClientID = rec.ClientOrderID })
	e.refreshWatches()
	lt.OrderClientID = rec.ClientOrderID
	e.outcome(KindLocal, lt.summary(), err)
}

func (e *Engine) outcome(kind Kind, sum Intent, err error) {
	outcome := "succeeded"
	sum.Status = IntentSucceeded
	if err != nil {
		outcome = "failed"
		sum.Status = IntentFailed
		sum.Error = err.Error()
		e.logger.Error("intent failed",
			zap.String("kind", string(kind)), zap.String("id", sum.ID),
			zap.Bool("would_trigger", errors.Is(err, ErrWouldTrigger)), zap.Error(err))
	} else {
		e.logger.Info("intent succeeded", zap.String("kind", string(kind)), zap.String("id", sum.ID))
	}
	if e.recorder != nil {
		e.recorder.IncIntentOutcome(string(kind), outcome)
	}
	e.publishIntent(IntentEvent{Intent: sum, Err: err})
}

type dueIntent struct {
	kind Kind
	id   string
}

// due 在给定价格下满足触发条件的 PENDING 意图。
func (e *Engine) due(symbol string, price float64) []dueIntent {
	var out []dueIntent
	for _, a := range e.armed.pending() {
		if a.Symbol == symbol && a.Condition.Met(price, a.ActivatePrice) {
			out = append(out, dueIntent{KindArmed, a.ID})
		}
	}
	for _, l := range e.local.pending() {
		if l.Spec.Instrument == symbol && l.Condition.Met(price, l.ActivatePrice) {
			out = append(out, dueIntent{KindLocal, l.ID})
		}
	}
	return out
}

func (e *Engine) fire(ctx context.Context, d dueIntent) {
	switch d.kind {
	case KindArmed:
		e.fireArmed(ctx, d.id)
	case KindLocal:
		e.fireLocal(ctx, d.id)
	}
}

// onTicker 行情推送触发；提交放到后台执行，不阻塞推送回调。
func (e *Engine) onTicker(t market.Ticker) {
	for _, d := range e.due(t.Symbol, t.Price) {
		d := d
		e.spawn(func(ctx context.Context) { e.fire(ctx, d) })
	}
}

// CheckTriggers 轮询触发：并发拉取每个被引用合约的最新价并评估条件。
// 只接受实时价格或模拟模式下的模拟价，降级缓存价不触发。
func (e *Engine) CheckTriggers(ctx context.Context) error {
	if e.prices == nil {
		return nil
	}
	symbols := e.watchedSymbols()
	if len(symbols) == 0 {
		return nil
	}
	var mu sync.Mutex
	prices := make(map[string]float64, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			r := e.prices.Ticker(gctx, sym)
			t, err := r.Get()
			if err != nil {
				e.logger.Debug("trigger price unavailable", zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			if r.IsDegraded() && !errors.Is(r.Reason, market.ErrSimulated) {
				return nil
			}
			mu.Lock()
			prices[sym] = t.Price
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, sym := range symbols {
		price, ok := prices[sym]
		if !ok {
			continue
		}
		for _, d := range e.due(sym, price) {
			e.fire(ctx, d)
		}
	}
	return ctx.Err()
}

// Run 运行触发轮询直到 ctx 结束，并等待后台提交完成。
func (e *Engine) Run(ctx context.Context) error {
	e.bgMu.Lock()
	e.bg = ctx
	e.bgMu.Unlock()
	defer func() {
		e.bgMu.Lock()
		e.bg = nil
		e.bgMu.Unlock()
		e.wg.Wait()
	}()

	timer := time.NewTimer(e.config().TriggerPoll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.pollReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if err := e.CheckTriggers(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("trigger poll failed", zap.Error(err))
			}
		}
		timer.Reset(e.config().TriggerPoll)
	}
}

func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	ctx := e.bg
	e.bgMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Wait 等待后台提交结束。
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) watchedSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, a := range e.armed.pending() {
		add(a.Symbol)
	}
	for _, l := range e.local.pending() {
		add(l.Spec.Instrument)
	}
	return out
}

// refreshWatches 让行情订阅与 PENDING 触发意图引用的合约保持一致。
func (e *Engine) refreshWatches() {
	if e.prices == nil {
		return
	}
	need := make(map[string]bool)
	for _, s := range e.watchedSymbols() {
		need[s] = true
	}
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for s := range need {
		if _, ok := e.watches[s]; !ok {
			e.watches[s] = e.prices.SubscribeTicker(s, e.onTicker)
		}
	}
	for s, id := range e.watches {
		if !need[s] {
			e.prices.UnsubscribeTicker(id)
			delete(e.watches, s)
		}
	}
}

// OnOrderUpdate 处理订单推送：还原标签、主单成交时挂保护单、转发给订阅方。
func (e *Engine) OnOrderUpdate(u gateway.OrderUpdate) {
	tag := e.book.Tag(u.ClientOrderID, u.OrderID)
	rec := recordFromUpdate(u, tag)
	if p, ok := e.protective.get(rec.ClientOrderID); ok && p.Status == IntentPending && rec.Status.IsFinal() {
		e.spawn(func(ctx context.Context) {
			if err := e.settleProtective(ctx, rec); err != nil {
				e.logger.Warn("protective orders failed", zap.String("parent_client_id", rec.ClientOrderID), zap.Error(err))
			}
		})
	}
	e.publishOrder(rec)
}

// ListIntents 列出全部未结束的延迟意图。
func (e *Engine) ListIntents() []Intent {
	var out []Intent
	for _, p := range e.protective.all() {
		out = append(out, p.summary())
	}
	for _, a := range e.armed.all() {
		out = append(out, a.summary())
	}
	for _, l := range e.local.all() {
		out = append(out, l.summary())
	}
	return out
}

// CancelIntent 直接撤销，任何状态都安全；在途提交不会被中断。
func (e *Engine) CancelIntent(ctx context.Context, id string) (Intent, error) {
	sum, ok := e.protective.cancel(ctx, id)
	if !ok {
		sum, ok = e.armed.cancel(ctx, id)
	}
	if !ok {
		sum, ok = e.local.cancel(ctx, id)
	}
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	e.refreshWatches()
	e.logger.Info("intent cancelled", zap.String("kind", string(sum.Kind)), zap.String("id", id))
	if e.recorder != nil {
		e.recorder.IncIntentOutcome(string(sum.Kind), "cancelled")
	}
	e.publishIntent(IntentEvent{Intent: sum})
	return sum, nil
}

// RearmIntent FAILED 意图重新布防。保护单会立即核对主单状态，已成交则补挂未成功的腿。
func (e *Engine) RearmIntent(ctx context.Context, id string) (Intent, error) {
	if p, err := e.protective.rearm(ctx, id); err == nil {
		e.logger.Info("intent rearmed", zap.String("kind", string(KindProtective)), zap.String("id", id))
		e.spawn(func(ctx context.Context) {
			if _, err := e.reconcileProtective(ctx, p); err != nil {
				e.logger.Warn("rearm reconcile failed", zap.String("id", p.ID), zap.Error(err))
			}
		})
		return p.summary(), nil
	} else if !errors.Is(err, ErrUnknownIntent) {
		return Intent{}, err
	}
	if a, err := e.armed.rearm(ctx, id); err == nil {
		e.refreshWatches()
		e.logger.Info("intent rearmed", zap.String("kind", string(KindArmed)), zap.String("id", id))
		return a.summary(), nil
	} else if !errors.Is(err, ErrUnknownIntent) {
		return Intent{}, err
	}
	l, err := e.local.rearm(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownIntent) {
			return Intent{}, fmt.Errorf("%w: %s", ErrUnknownIntent, id)
		}
		return Intent{}, err
	}
	e.refreshWatches()
	e.logger.Info("intent rearmed", zap.String("kind", string(KindLocal)), zap.String("id", id))
	return l.summary(), nil
}
