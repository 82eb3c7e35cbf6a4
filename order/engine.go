// Package order 下单执行与延迟意图引擎：精度对齐、参数清洗、主单提交、
// 成交后挂出保护单，以及价格满足条件后才提交的本地触发单。
package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"futures-exec/gateway"
	"futures-exec/internal/persist"
	"futures-exec/internal/store"
	"futures-exec/market"
	"futures-exec/result"
	"futures-exec/rules"
)

// Exchange 下单相关 REST 接口，由 gateway.BinanceRESTClient 实现。
type Exchange interface {
	NewOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResponse, error)
	NewAlgoOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResponse, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (gateway.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (gateway.OrderResponse, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	CancelAlgoOrder(ctx context.Context, symbol string, algoID int64) error
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	ChangeMarginType(ctx context.Context, symbol, marginType string) error
}

// RuleSource 合约精度规则。
type RuleSource interface {
	Rules(ctx context.Context, instrument string) rules.Rule
}

// Guard 限流冷却检查与结果记录。
type Guard interface {
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

// PriceSource 行情读取与推送订阅，由 market.Service 实现。
type PriceSource interface {
	Ticker(ctx context.Context, instrument string) result.Result[market.Ticker]
	SubscribeTicker(instrument string, h market.TickerHandler) uint64
	UnsubscribeTicker(id uint64) bool
}

// AccountSource 账户状态读取，由 store.Store 实现。
type AccountSource interface {
	Positions(ctx context.Context, symbol string) result.Result[[]store.Position]
	OpenOrders(ctx context.Context, symbol string) result.Result[[]store.OpenOrder]
}

// Recorder 执行指标。
type Recorder interface {
	IncOrderPlaced(orderType string)
	IncOrderRejected(reason string)
	SetIntentsPending(kind string, n int)
	IncIntentOutcome(kind, outcome string)
	IncPersistFailure(kind string)
}

// OrderHandler 接收带标签的订单回报。
type OrderHandler func(OrderRecord)

// IntentEvent 延迟意图状态变化；Err 可用 errors.Is(err, ErrWouldTrigger) 判断是否需要强平。
type IntentEvent struct {
	Intent Intent
	Err    error
}

type IntentHandler func(IntentEvent)

// Config 引擎参数。
type Config struct {
	FillWait    time.Duration // 下单后等待成交的上限
	FillPoll    time.Duration
	TriggerPoll time.Duration // 本地触发轮询间隔，最小 1s
	DryRun      bool
	DefaultTag  string
}

func DefaultConfig() Config {
	return Config{
		FillWait:    2 * time.Second,
		FillPoll:    200 * time.Millisecond,
		TriggerPoll: 60 * time.Second,
		DefaultTag:  "exec",
	}
}

const minTriggerPoll = time.Second

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FillWait <= 0 {
		c.FillWait = d.FillWait
	}
	if c.FillPoll <= 0 {
		c.FillPoll = d.FillPoll
	}
	if c.TriggerPoll <= 0 {
		c.TriggerPoll = d.TriggerPoll
	}
	if c.TriggerPoll < minTriggerPoll {
		c.TriggerPoll = minTriggerPoll
	}
	if c.DefaultTag == "" {
		c.DefaultTag = d.DefaultTag
	}
	return c
}

// Stores 三类延迟意图的持久化后端；为 nil 的后端只保存在内存。
type Stores struct {
	Protective persist.Store[ProtectiveOrder]
	Armed      persist.Store[ArmedOrder]
	Local      persist.Store[LocalTrigger]
}

// Engine 下单与延迟意图引擎。
type Engine struct {
	ex       Exchange
	rules    RuleSource
	gov      Guard
	prices   PriceSource
	account  AccountSource
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	book       *Book
	protective *collection[ProtectiveOrder, *ProtectiveOrder]
	armed      *collection[ArmedOrder, *ArmedOrder]
	local      *collection[LocalTrigger, *LocalTrigger]

	cfgMu     sync.RWMutex
	cfg       Config
	pollReset chan struct{}

	idMu           sync.Mutex
	lastMillis     int64
	lastIntentBase string

	levMu      sync.Mutex
	leverage   map[string]int
	marginType map[string]string

	watchMu sync.Mutex
	watches map[string]uint64

	handlersMu     sync.RWMutex
	nextHandler    uint64
	orderHandlers  map[uint64]OrderHandler
	intentHandlers map[uint64]IntentHandler

	bgMu sync.Mutex
	bg   context.Context
	wg   sync.WaitGroup
}

// New 创建引擎；prices/account 可为 nil（仅影响触发单与按方向撤单）。
func New(ex Exchange, rs RuleSource, gov Guard, prices PriceSource, account AccountSource,
	stores Stores, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ex:             ex,
		rules:          rs,
		gov:            gov,
		prices:         prices,
		account:        account,
		logger:         logger,
		now:            time.Now,
		book:           NewBook(0),
		cfg:            cfg.withDefaults(),
		pollReset:      make(chan struct{}, 1),
		leverage:       make(map[string]int),
		marginType:     make(map[string]string),
		watches:        make(map[string]uint64),
		orderHandlers:  make(map[uint64]OrderHandler),
		intentHandlers: make(map[uint64]IntentHandler),
	}
	e.protective = newCollection[ProtectiveOrder, *ProtectiveOrder](KindProtective, stores.Protective, logger)
	e.armed = newCollection[ArmedOrder, *ArmedOrder](KindArmed, stores.Armed, logger)
	e.local = newCollection[LocalTrigger, *LocalTrigger](KindLocal, stores.Local, logger)
	e.protective.onSave, e.protective.now = e.onSave, e.clock
	e.armed.onSave, e.armed.now = e.onSave, e.clock
	e.local.onSave, e.local.now = e.onSave, e.clock
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// SetRecorder 设置指标回调，需在启动前调用。
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// Book 标签登记表。
func (e *Engine) Book() *Book { return e.book }

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Reconfigure 热更新成交等待与触发轮询参数。
func (e *Engine) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	changed := e.cfg.TriggerPoll != cfg.TriggerPoll
	e.cfg = cfg
	e.cfgMu.Unlock()
	if changed {
		select {
		case e.pollReset <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) onSave(kind Kind, pending int, err error) {
	if e.recorder == nil {
		return
	}
	e.recorder.SetIntentsPending(string(kind), pending)
	if err != nil {
		e.recorder.IncPersistFailure(string(kind))
	}
}

// PlaceOrder 对齐精度、清洗参数后提交主单。带 StopLoss/TakeProfit 时先登记保护单意图，
// 主单在短暂轮询内成交则立即挂出，否则等待成交推送。带 LocalTrigger 时只登记触发意图，
// 返回 Status=DEFERRED 的记录。
func (e *Engine) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderRecord, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		e.rejected("validation")
		return OrderRecord{}, err
	}
	if spec.LocalTrigger != nil {
		lt, err := e.CreateLocalTrigger(ctx, spec, *spec.LocalTrigger)
		if err != nil {
			return OrderRecord{}, err
		}
		return OrderRecord{
			ClientOrderID: lt.ID,
			Symbol:        lt.Spec.Instrument,
			Side:          lt.Spec.Side,
			Type:          lt.Spec.Type,
			Status:        StatusDeferred,
			Price:         lt.Spec.Price,
			OrigQty:       lt.Spec.Quantity,
			StopPrice:     lt.Spec.StopPrice,
			PositionSide:  lt.Spec.PositionSide,
			Tag:           lt.Tag,
		}, nil
	}
	return e.place(ctx, spec, "")
}

// normalize 映射 side/type 别名并校验必填字段；不做精度对齐。
func (e *Engine) normalize(spec OrderSpec) (OrderSpec, error) {
	spec.Instrument = NormalizeSymbol(spec.Instrument)
	if spec.Instrument == "" {
		return spec, fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	side := NormalizeSide(spec.Side)
	if side == "" {
		return spec, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, spec.Side)
	}
	spec.Side = side
	spec.Type = NormalizeType(spec.Type)
	spec.PositionSide = strings.ToUpper(strings.TrimSpace(spec.PositionSide))
	if spec.PositionSide == "" {
		spec.PositionSide = "BOTH"
	}
	spec.TimeInForce = strings.ToUpper(strings.TrimSpace(spec.TimeInForce))
	if spec.Tag == "" {
		spec.Tag = e.config().DefaultTag
	}
	if spec.Quantity < 0 || spec.Price < 0 || spec.StopPrice < 0 || spec.StopLoss < 0 || spec.TakeProfit < 0 {
		return spec, fmt.Errorf("%w: negative price or quantity", ErrInvalidOrder)
	}
	if spec.Quantity == 0 && !spec.ClosePosition {
		return spec, fmt.Errorf("%w: quantity is required", ErrInvalidOrder)
	}
	switch spec.Type {
	case "LIMIT", "TAKE_PROFIT_LIMIT":
		if spec.Price <= 0 {
			return spec, fmt.Errorf("%w: %s requires price", ErrInvalidOrder, spec.Type)
		}
	case "STOP", "TAKE_PROFIT":
		if spec.Price <= 0 || spec.StopPrice <= 0 {
			return spec, fmt.Errorf("%w: %s requires stopPrice and price", ErrInvalidOrder, spec.Type)
		}
	case "STOP_MARKET", "TAKE_PROFIT_MARKET":
		if spec.StopPrice <= 0 {
			return spec, fmt.Errorf("%w: %s requires stopPrice", ErrInvalidOrder, spec.Type)
		}
	case "TRAILING_STOP_MARKET":
		if spec.CallbackRate <= 0 {
			return spec, fmt.Errorf("%w: trailing stop requires callbackRate", ErrInvalidOrder)
		}
	}
	if spec.LocalTrigger != nil && spec.LocalTrigger.ActivatePrice <= 0 {
		return spec, fmt.Errorf("%w: local trigger requires activatePrice", ErrInvalidOrder)
	}
	return spec, nil
}

// buildRequest 精度对齐（向零截断）与参数清洗。截断后数量为 0 时返回 ErrZeroQuantity。
func (e *Engine) buildRequest(ctx context.Context, spec OrderSpec) (gateway.OrderRequest, error) {
	rule := rules.FallbackRule(spec.Instrument)
	if e.rules != nil {
		rule = e.rules.Rules(ctx, spec.Instrument)
	}
	req := gateway.OrderRequest{
		Symbol:          spec.Instrument,
		Side:            spec.Side,
		Type:            spec.Type,
		Quantity:        rule.AlignQuantity(spec.Quantity),
		Price:           rule.AlignPrice(spec.Price),
		StopPrice:       rule.AlignPrice(spec.StopPrice),
		ActivationPrice: rule.AlignPrice(spec.ActivationPrice),
		CallbackRate:    spec.CallbackRate,
		TimeInForce:     spec.TimeInForce,
		PositionSide:    spec.PositionSide,
		ReduceOnly:      spec.ReduceOnly,
		ClosePosition:   spec.ClosePosition,
		WorkingType:     spec.WorkingType,
	}
	if !req.ClosePosition && req.Quantity <= 0 {
		return req, fmt.Errorf("%w: %s %g with stepSize %g", ErrZeroQuantity, spec.Instrument, spec.Quantity, rule.StepSize)
	}
	if spec.Price > 0 && req.Price <= 0 {
		return req, fmt.Errorf("%w: price %g aligns to zero with tickSize %g", ErrInvalidOrder, spec.Price, rule.TickSize)
	}
	if spec.StopPrice > 0 && req.StopPrice <= 0 {
		return req, fmt.Errorf("%w: stopPrice %g aligns to zero with tickSize %g", ErrInvalidOrder, spec.StopPrice, rule.TickSize)
	}
	cleanParams(&req)
	return req, nil
}

// cleanParams 去掉交易所会拒绝的字段组合（-1106 等）。
func cleanParams(req *gateway.OrderRequest) {
	switch req.Type {
	case "MARKET":
		req.TimeInForce = ""
		req.Price = 0
		req.StopPrice = 0
	case "STOP_MARKET", "TAKE_PROFIT_MARKET":
		req.TimeInForce = ""
		req.Price = 0
	case "TRAILING_STOP_MARKET":
		req.TimeInForce = ""
		req.Price = 0
		req.StopPrice = 0
	case "LIMIT":
		req.StopPrice = 0
		if req.TimeInForce == "" {
			req.TimeInForce = "GTC"
		}
	default:
		if req.TimeInForce == "" {
			req.TimeInForce = "GTC"
		}
	}
	if req.Type != "TRAILING_STOP_MARKET" {
		req.CallbackRate = 0
		req.ActivationPrice = 0
	}
	switch req.Type {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET":
		req.ReduceOnly = false
	}
	// 双向持仓模式不接受 reduceOnly。
	if req.PositionSide != "" && req.PositionSide != "BOTH" {
		req.ReduceOnly = false
	}
	if req.ClosePosition {
		req.Quantity = 0
		req.ReduceOnly = false
	}
	if req.PositionSide == "" {
		req.PositionSide = "BOTH"
	}
}

// place 提交已规范化的订单；leg 非空时为派生订单（SL/TP），不再派生保护单。
func (e *Engine) place(ctx context.Context, spec OrderSpec, leg string) (OrderRecord, error) {
	req, err := e.buildRequest(ctx, spec)
	if err != nil {
		e.rejected("validation")
		return OrderRecord{}, err
	}
	cfg := e.config()
	if cfg.DryRun {
		return e.dryRun(req, spec.Tag), nil
	}
	req.ClientOrderID = e.newClientID(spec.Tag, leg)

	protect := leg == "" && (spec.StopLoss > 0 || spec.TakeProfit > 0)
	if protect {
		if err := e.registerProtective(ctx, spec, req); err != nil {
			return OrderRecord{}, err
		}
	}
	rec, err := e.submit(ctx, req, spec.Tag)
	if err != nil {
		if protect {
			e.protective.cancel(ctx, req.ClientOrderID)
		}
		return OrderRecord{}, err
	}
	if protect {
		if perr := e.protectAfterPlace(ctx, rec); perr != nil {
			return rec, &ProtectiveError{ParentClientID: rec.ClientOrderID, Err: perr}
		}
	}
	return rec, nil
}

// submit 经限流守卫提交；条件单被普通下单接口拒绝（-4120）时改走 algo 接口。
func (e *Engine) submit(ctx context.Context, req gateway.OrderRequest, tag string) (OrderRecord, error) {
	var resp gateway.OrderResponse
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.ex.NewOrder(ctx, req)
		return err
	})
	if err != nil && gateway.ErrorCode(err) == gateway.CodeUnsupportedEndpoint && isConditional(req.Type) {
		e.logger.Info("conditional order routed to algo endpoint",
			zap.String("symbol", req.Symbol), zap.String("type", req.Type), zap.String("client_id", req.ClientOrderID))
		err = e.guard(ctx, func(ctx context.Context) error {
			var err error
			resp, err = e.ex.NewAlgoOrder(ctx, req)
			return err
		})
	}
	if err != nil {
		reason := "exchange"
		if code := gateway.ErrorCode(err); code != 0 {
			reason = strconv.Itoa(code)
		}
		e.rejected(reason)
		e.logger.Warn("order rejected",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.String("type", req.Type),
			zap.String("client_id", req.ClientOrderID),
			zap.Error(err))
		if gateway.IsWouldTrigger(err) {
			return OrderRecord{}, fmt.Errorf("%w: %w", ErrWouldTrigger, err)
		}
		return OrderRecord{}, fmt.Errorf("place %s %s: %w", req.Symbol, req.Type, err)
	}

	rec := recordFromResponse(resp, tag)
	if rec.ClientOrderID == "" {
		rec.ClientOrderID = req.ClientOrderID
	}
	if rec.Symbol == "" {
		rec.Symbol = req.Symbol
	}
	if rec.Type == "" {
		rec.Type = req.Type
	}
	if rec.Side == "" {
		rec.Side = req.Side
	}
	if rec.Status == "" {
		rec.Status = StatusNew
	}
	e.book.Set(rec)
	// 交易所改写了 clientAlgoId 时也能按原 id 找回标签。
	if rec.ClientOrderID != req.ClientOrderID {
		alias := rec
		alias.ClientOrderID = req.ClientOrderID
		e.book.Set(alias)
	}
	if e.recorder != nil {
		e.recorder.IncOrderPlaced(req.Type)
	}
	e.logger.Info("order placed",
		zap.String("symbol", rec.Symbol),
		zap.String("side", rec.Side),
		zap.String("type", rec.Type),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", req.Price),
		zap.Float64("stop_price", req.StopPrice),
		zap.Int64("order_id", rec.OrderID),
		zap.Int64("algo_id", rec.AlgoID),
		zap.String("client_id", rec.ClientOrderID),
		zap.String("tag", tag),
		zap.String("status", string(rec.Status)))
	return rec, nil
}

func (e *Engine) dryRun(req gateway.OrderRequest, tag string) OrderRecord {
	rec := OrderRecord{
		ClientOrderID: fmt.Sprintf("dry_%d", e.nextMillis()),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusNew,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		StopPrice:     req.StopPrice,
		PositionSide:  req.PositionSide,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		Tag:           tag,
		UpdateTime:    e.now().UnixMilli(),
		DryRun:        true,
	}
	e.book.Set(rec)
	e.logger.Info("dry-run order",
		zap.String("symbol", rec.Symbol),
		zap.String("side", rec.Side),
		zap.String("type", rec.Type),
		zap.Float64("qty", rec.OrigQty),
		zap.Float64("price", rec.Price),
		zap.String("client_id", rec.ClientOrderID))
	return rec
}

func (e *Engine) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.gov == nil {
		return fn(ctx)
	}
	return e.gov.Guard(ctx, fn)
}

func (e *Engine) rejected(reason string) {
	if e.recorder != nil {
		e.recorder.IncOrderRejected(reason)
	}
}

// CancelOrder 撤单：id 为纯数字时按 orderId，否则按 origClientOrderId；
// 登记为 algo 条件单的走 algo 撤单接口。订单不存在返回 false 和 ErrUnknownOrder。
func (e *Engine) CancelOrder(ctx context.Context, instrument, id string) (bool, error) {
	symbol := NormalizeSymbol(instrument)
	id = strings.TrimSpace(id)
	if symbol == "" || id == "" {
		return false, fmt.Errorf("%w: instrument and order id are required", ErrInvalidOrder)
	}
	if e.config().DryRun {
		e.logger.Info("dry-run cancel", zap.String("symbol", symbol), zap.String("id", id))
		return true, nil
	}

	var orderID int64
	clientID := ""
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
		orderID = n
	} else {
		clientID = id
	}

	var err error
	if algoID, ok := e.book.AlgoID(clientID); clientID != "" && ok {
		err = e.guard(ctx, func(ctx context.Context) error {
			return e.ex.CancelAlgoOrder(ctx, symbol, algoID)
		})
	} else {
		err = e.guard(ctx, func(ctx context.Context) error {
			resp, err := e.ex.CancelOrder(ctx, symbol, orderID, clientID)
			if err == nil && clientID == "" {
				clientID = resp.ClientOrderID
			}
			return err
		})
	}
	if err != nil {
		if gateway.IsUnknownOrder(err) {
			return false, fmt.Errorf("%w: %s %s: %w", ErrUnknownOrder, symbol, id, err)
		}
		return false, fmt.Errorf("cancel %s %s: %w", symbol, id, err)
	}
	e.logger.Info("order canceled", zap.String("symbol", symbol), zap.String("id", id))
	if clientID != "" {
		e.dropProtective(ctx, clientID, "parent canceled")
	}
	return true, nil
}

// CancelAll 撤销合约全部挂单；指定 side 时逐个撤销该方向的挂单。
func (e *Engine) CancelAll(ctx context.Context, instrument, side string) (bool, error) {
	symbol := NormalizeSymbol(instrument)
	if symbol == "" {
		return false, fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	if e.config().DryRun {
		e.logger.Info("dry-run cancel all", zap.String("symbol", symbol), zap.String("side", side))
		return true, nil
	}
	if strings.TrimSpace(side) == "" {
		err := e.guard(ctx, func(ctx context.Context) error {
			return e.ex.CancelAllOpenOrders(ctx, symbol)
		})
		if err != nil {
			return false, fmt.Errorf("cancel all %s: %w", symbol, err)
		}
		for _, p := range e.protective.pending() {
			if p.Symbol == symbol {
				e.dropProtective(ctx, p.ID, "cancel all")
			}
		}
		e.logger.Info("all orders canceled", zap.String("symbol", symbol))
		return true, nil
	}

	want := NormalizeSide(side)
	if want == "" {
		return false, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, side)
	}
	if e.account == nil {
		return false, fmt.Errorf("cancel %s %s: no account source", symbol, want)
	}
	open, err := e.account.OpenOrders(ctx, symbol).Get()
	if err != nil {
		return false, fmt.Errorf("list open orders %s: %w", symbol, err)
	}
	var errs error
	for _, o := range open {
		if !strings.EqualFold(o.Side, want) {
			continue
		}
		id := o.ClientOrderID
		if o.OrderID != 0 {
			id = strconv.FormatInt(o.OrderID, 10)
		}
		if _, err := e.CancelOrder(ctx, symbol, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs == nil, errs
}

// SetLeverage 调整杠杆；与上次成功设置相同时跳过请求。
func (e *Engine) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	symbol := NormalizeSymbol(instrument)
	if symbol == "" || leverage < 1 || leverage > 125 {
		return fmt.Errorf("%w: leverage %d for %q", ErrInvalidOrder, leverage, instrument)
	}
	e.levMu.Lock()
	same := e.leverage[symbol] == leverage
	e.levMu.Unlock()
	if same {
		return nil
	}
	if !e.config().DryRun {
		err := e.guard(ctx, func(ctx context.Context) error {
			return e.ex.ChangeLeverage(ctx, symbol, leverage)
		})
		if err != nil {
			return fmt.Errorf("set leverage %s: %w", symbol, err)
		}
	}
	e.levMu.Lock()
	e.leverage[symbol] = leverage
	e.levMu.Unlock()
	e.logger.Info("leverage set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// SetMarginType 切换保证金模式（ISOLATED/CROSSED）；-4046 已是目标模式视为成功。
func (e *Engine) SetMarginType(ctx context.Context, instrument, marginType string) error {
	symbol := NormalizeSymbol(instrument)
	mt := strings.ToUpper(strings.TrimSpace(marginType))
	if mt == "CROSS" {
		mt = "CROSSED"
	}
	if symbol == "" || (mt != "ISOLATED" && mt != "CROSSED") {
		return fmt.Errorf("%w: margin type %q for %q", ErrInvalidOrder, marginType, instrument)
	}
	e.levMu.Lock()
	same := e.marginType[symbol] == mt
	e.levMu.Unlock()
	if same {
		return nil
	}
	if !e.config().DryRun {
		err := e.guard(ctx, func(ctx context.Context) error {
			return e.ex.ChangeMarginType(ctx, symbol, mt)
		})
		if err != nil && gateway.ErrorCode(err) != gateway.CodeNoNeedChangeMargin {
			return fmt.Errorf("set margin type %s: %w", symbol, err)
		}
	}
	e.levMu.Lock()
	e.marginType[symbol] = mt
	e.levMu.Unlock()
	e.logger.Info("margin type set", zap.String("symbol", symbol), zap.String("margin_type", mt))
	return nil
}

// OnOrder 注册订单回报回调，返回可用于 RemoveHandler 的 id。
func (e *Engine) OnOrder(h OrderHandler) uint64 {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.nextHandler++
	e.orderHandlers[e.nextHandler] = h
	return e.nextHandler
}

// OnIntent 注册延迟意图状态回调。
func (e *Engine) OnIntent(h IntentHandler) uint64 {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.nextHandler++
	e.intentHandlers[e.nextHandler] = h
	return e.nextHandler
}

func (e *Engine) RemoveHandler(id uint64) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	delete(e.orderHandlers, id)
	delete(e.intentHandlers, id)
}

func (e *Engine) publishOrder(rec OrderRecord) {
	e.handlersMu.RLock()
	hs := make([]OrderHandler, 0, len(e.orderHandlers))
	for _, h := range e.orderHandlers {
		hs = append(hs, h)
	}
	e.handlersMu.RUnlock()
	for _, h := range hs {
		e.safe("order", func() { h(rec) })
	}
}

func (e *Engine) publishIntent(ev IntentEvent) {
	e.handlersMu.RLock()
	hs := make([]IntentHandler, 0, len(e.intentHandlers))
	for _, h := range e.intentHandlers {
		hs = append(hs, h)
	}
	e.handlersMu.RUnlock()
	for _, h := range hs {
		e.safe("intent", func() { h(ev) })
	}
}

func (e *Engine) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic", zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	fn()
}

// nextMillis 单调递增的毫秒时间戳，保证同一引擎生成的 clientOrderId 不重复。
func (e *Engine) nextMillis() int64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	ms := e.now().UnixMilli()
	if ms <= e.lastMillis {
		ms = e.lastMillis + 1
	}
	e.lastMillis = ms
	return ms
}

// clientOrderId 上限 36 字符。
const maxClientIDLen = 36

// newClientID <tag>_<ms> 或 <tag>_<leg>_<ms>。
func (e *Engine) newClientID(tag, leg string) string {
	ms := strconv.FormatInt(e.nextMillis(), 10)
	room := maxClientIDLen - len(ms) - 1
	if leg != "" {
		room -= len(leg) + 1
	}
	t := safeTag(tag, room)
	if leg != "" {
		return t + "_" + leg + "_" + ms
	}
	return t + "_" + ms
}

// safeTag 只保留交易所允许的字符；"_" 是标签分隔符，替换为 "-"。
func safeTag(tag string, max int) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.', r == ':', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	if s == "" {
		s = "exec"
	}
	return s
}
