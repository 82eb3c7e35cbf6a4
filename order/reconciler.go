package order

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-exec/gateway"
)

// ReconcileStats 一次对账的结果统计。
type ReconcileStats struct {
	Checked      int
	Materialized int
	Dropped      int
	At           time.Time
}

// Reconcile 推送流重建后的对账：重建期间可能丢失成交推送，逐个查询待挂保护单的主单状态，
// 已成交的补挂保护单，已结束未成交的移除；随后立即评估一次价格触发。
func (e *Engine) Reconcile(ctx context.Context) (ReconcileStats, error) {
	stats := ReconcileStats{At: e.now()}
	if e.config().DryRun {
		return stats, nil
	}
	var errs error
	for _, p := range e.protective.pending() {
		stats.Checked++
		act, err := e.reconcileProtective(ctx, p)
		switch act {
		case actionMaterialized:
			stats.Materialized++
		case actionDropped:
			stats.Dropped++
		}
		errs = multierr.Append(errs, err)
	}
	if err := e.CheckTriggers(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	e.logger.Info("intents reconciled",
		zap.Int("checked", stats.Checked),
		zap.Int("materialized", stats.Materialized),
		zap.Int("dropped", stats.Dropped),
		zap.Error(errs))
	return stats, errs
}

type reconcileAction int

const (
	actionNone reconcileAction = iota
	actionMaterialized
	actionDropped
)

// reconcileProtective 查询主单：已成交（含部分成交后结束）则挂保护单，无成交即结束或交易所不认识则移除。
func (e *Engine) reconcileProtective(ctx context.Context, p ProtectiveOrder) (reconcileAction, error) {
	var resp gateway.OrderResponse
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.ex.QueryOrder(ctx, p.Symbol, 0, p.ID)
		return err
	})
	if err != nil {
		if gateway.IsUnknownOrder(err) {
			e.dropProtective(ctx, p.ID, "parent unknown to exchange")
			return actionDropped, nil
		}
		return actionNone, fmt.Errorf("query parent %s: %w", p.ID, err)
	}
	rec := recordFromResponse(resp, p.Tag)
	rec.ClientOrderID = p.ID
	_, materialize, drop := parentOutcome(rec)
	if err := e.settleProtective(ctx, rec); err != nil || materialize {
		return actionMaterialized, err
	}
	if drop {
		return actionDropped, nil
	}
	return actionNone, nil
}
