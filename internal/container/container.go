// Package container 构造并装配执行层全部组件，管理受监督任务与 HTTP 健康/指标端点。
package container

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	appconfig "futures-exec/config"
	"futures-exec/gateway"
	"futures-exec/infrastructure/logger"
	"futures-exec/infrastructure/monitor"
	hotreload "futures-exec/internal/config"
	"futures-exec/internal/exchange"
	"futures-exec/internal/persist"
	"futures-exec/internal/store"
	"futures-exec/internal/throttle"
	"futures-exec/market"
	"futures-exec/order"
	"futures-exec/result"
	"futures-exec/rules"
	"futures-exec/scanner"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        appconfig.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor

	// 交易所网关
	restClient *gateway.BinanceRESTClient
	listenKey  *gateway.ListenKeyClient

	// 核心服务
	governor   *throttle.Governor
	rules      *rules.Cache
	marketData *market.Service
	account    *store.Store
	dispatcher *exchange.Dispatcher
	userStream *exchange.BinanceUserStream
	tickers    *exchange.TickerStreams
	engine     *order.Engine
	scanner    *scanner.Scanner
	reloader   *hotreload.HotReloader
	db         *sql.DB

	// HTTP服务器
	httpServer *httpServerComponent

	// 生命周期管理
	lifecycle  *LifecycleManager
	supervisor *Supervisor

	runMu  sync.Mutex
	runCtx context.Context
}

// New 读取配置并创建容器；日志按配置构建。
func New(configPath string) (*Container, error) {
	cfg, err := appconfig.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create logger failed: %w", err)
	}
	return NewWithConfig(cfg, configPath, log), nil
}

// NewWithConfig 使用已加载的配置与日志创建容器；configPath 为空时不启用热更新。
func NewWithConfig(cfg appconfig.AppConfig, configPath string, log *logger.Logger) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		logger:     log,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	c.buildGateway()

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerHotReload()
	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.String("env", c.cfg.Env), zap.Bool("dryRun", c.cfg.DryRun))
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		var err error
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}
	c.monitor = monitor.New(monitor.DefaultConfig())
	c.supervisor = NewSupervisor(5*time.Second, c.logger.Named("supervisor"))
	return nil
}

func (c *Container) buildGateway() {
	gw := c.cfg.Gateway
	httpCli := gateway.NewDefaultHTTPClient()
	if gw.TimeoutMs > 0 {
		httpCli.Timeout = gw.Timeout()
	}
	var limiter gateway.RateLimiter
	if gw.RequestsPerSecond > 0 {
		limiter = gateway.NewTokenBucketLimiter(gw.RequestsPerSecond, gw.Burst)
	}
	c.restClient, c.listenKey = gateway.BuildBinanceClients(gateway.ClientConfig{
		BaseURL:      gw.BaseURL,
		APIKey:       gw.APIKey,
		APISecret:    gw.APISecret,
		RecvWindowMs: gw.RecvWindowMs,
		HTTPClient:   httpCli,
		Limiter:      limiter,
		Observer:     c.monitor,
	})
}

func (c *Container) buildCoreServices() error {
	zl := c.logger.Logger

	c.governor = throttle.New(governorConfig(c.cfg), zl.Named("throttle"))
	c.governor.SetRecorder(c.monitor)

	c.rules = rules.NewCache(c.restClient, c.governor, c.cfg.Rules.TTL(), zl.Named("rules"))
	c.marketData = market.NewService(c.restClient, c.governor, marketConfig(c.cfg), zl.Named("market"))
	c.account = store.New(c.restClient, c.governor, storeConfig(c.cfg), zl.Named("account"), func(event string, fields map[string]interface{}) {
		c.logger.LogStream(event, exchange.StreamUser, fields)
	})

	c.dispatcher = exchange.NewDispatcher(zl.Named("dispatch"))
	if !c.cfg.DryRun {
		dialer := gateway.NewWSDialer()
		c.userStream = exchange.NewBinanceUserStream(streamConfig(c.cfg), c.listenKey, dialer, c.account, c.dispatcher, zl.Named("userstream"))
		c.userStream.SetCooldownSource(c.governor)
		c.userStream.SetRecorder(c.monitor)

		c.tickers = exchange.NewTickerStreams(c.cfg.Gateway.WSEndpoint, dialer, c.marketData, zl.Named("ticker"))
		c.tickers.SetRecorder(c.monitor)
		c.marketData.SetTopics(c.tickers)
	}

	c.scanner = scanner.New(c.restClient, c.marketData, c.governor, scannerConfig(c.cfg), zl.Named("scanner"))

	stores, err := c.buildStores()
	if err != nil {
		return err
	}
	c.engine = order.New(c.restClient, c.rules, c.governor, c.marketData, c.account, stores, engineConfig(c.cfg), zl.Named("order"))
	c.engine.SetRecorder(c.monitor)

	c.dispatcher.OnOrder(c.engine.OnOrderUpdate)
	c.dispatcher.OnEvent(c.onStreamEvent)
	c.engine.OnOrder(func(rec order.OrderRecord) {
		c.logger.LogOrder("order_update", rec.ClientOrderID, map[string]interface{}{
			"symbol": rec.Symbol, "status": string(rec.Status), "type": rec.Type, "tag": rec.Tag,
			"executed_qty": rec.ExecutedQty,
		})
	})
	c.engine.OnIntent(func(ev order.IntentEvent) {
		fields := map[string]interface{}{"symbol": ev.Intent.Symbol, "tag": ev.Intent.Tag}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		c.logger.LogIntent("intent_"+strings.ToLower(string(ev.Intent.Status)), string(ev.Intent.Kind), ev.Intent.ID, fields)
	})

	if c.userStream != nil {
		c.monitor.RegisterAge("stream", "user_event_age_seconds", "Seconds since the last user data event.", func() time.Duration {
			if age := c.userStream.Health().UserEventAgeSec; age != nil {
				return time.Duration(*age * float64(time.Second))
			}
			return 0
		})
	}
	return nil
}

// buildStores 按 storage.driver 选择延迟意图持久化后端。
func (c *Container) buildStores() (order.Stores, error) {
	st := c.cfg.Storage
	switch st.Driver {
	case "sqlite":
		db, err := persist.OpenSQLite(st.SQLitePath)
		if err != nil {
			return order.Stores{}, fmt.Errorf("open sqlite %s: %w", st.SQLitePath, err)
		}
		c.db = db
		ctx := context.Background()
		protective, err := persist.NewSQLiteStore[order.ProtectiveOrder](ctx, db, "protective_orders")
		if err != nil {
			return order.Stores{}, err
		}
		armed, err := persist.NewSQLiteStore[order.ArmedOrder](ctx, db, "armed_orders")
		if err != nil {
			return order.Stores{}, err
		}
		local, err := persist.NewSQLiteStore[order.LocalTrigger](ctx, db, "local_triggers")
		if err != nil {
			return order.Stores{}, err
		}
		return order.Stores{Protective: protective, Armed: armed, Local: local}, nil
	default:
		return order.Stores{
			Protective: persist.NewFileStore[order.ProtectiveOrder](filepath.Join(st.Dir, "protective.json")),
			Armed:      persist.NewFileStore[order.ArmedOrder](filepath.Join(st.Dir, "armed.json")),
			Local:      persist.NewFileStore[order.LocalTrigger](filepath.Join(st.Dir, "local.json")),
		}, nil
	}
}

// onStreamEvent 每次连接（含启动后首次）都可能漏掉停机或断线期间的成交推送，回源核对待触发的保护单。
func (c *Container) onStreamEvent(ev exchange.StreamEvent) {
	c.logger.LogStream("stream_"+ev.Event, ev.Stream, map[string]interface{}{"stage": ev.Stage, "reason": ev.Reason})
	if ev.Event != exchange.EventResync {
		return
	}
	ctx := c.context()
	go func() {
		stats, err := c.engine.Reconcile(ctx)
		if err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "reconcile"})
			return
		}
		c.logger.Info("protective intents reconciled",
			zap.Int("checked", stats.Checked), zap.Int("materialized", stats.Materialized), zap.Int("dropped", stats.Dropped))
	}()
}

func (c *Container) context() context.Context {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

func (c *Container) registerHotReload() {
	if c.configPath == "" {
		return
	}
	c.reloader = hotreload.NewHotReloader(c.configPath, c.cfg, nil, hotreload.DefaultHotReloadConfig(), c.logger.Named("reload"))
	for name, apply := range c.appliers() {
		c.reloader.RegisterApplier(name, apply)
	}
}

// appliers 可在运行中生效的配置项；其余变化需要重启。
func (c *Container) appliers() map[string]hotreload.Applier {
	return map[string]hotreload.Applier{
		"log": func(prev, next appconfig.AppConfig) error {
			if prev.Log.Level == next.Log.Level {
				return nil
			}
			return c.logger.SetLevel(next.Log.Level)
		},
		"governor": func(_, next appconfig.AppConfig) error {
			c.governor.Reconfigure(governorConfig(next))
			return nil
		},
		"engine": func(_, next appconfig.AppConfig) error {
			c.engine.Reconfigure(engineConfig(next))
			return nil
		},
		"market": func(_, next appconfig.AppConfig) error {
			c.marketData.Reconfigure(marketConfig(next))
			return nil
		},
		"account": func(_, next appconfig.AppConfig) error {
			c.account.Reconfigure(storeConfig(next))
			return nil
		},
		"scanner": func(_, next appconfig.AppConfig) error {
			c.scanner.Reconfigure(scannerConfig(next))
			return nil
		},
		"restart": func(prev, next appconfig.AppConfig) error {
			if prev.Gateway != next.Gateway || prev.Storage != next.Storage || prev.Stream != next.Stream ||
				prev.HTTP != next.HTTP || prev.DryRun != next.DryRun {
				c.logger.Warn("config change requires restart", zap.String("path", c.configPath))
			}
			return nil
		},
	}
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.HTTP.Addr != "" {
		c.httpServer = &httpServerComponent{
			name:    "http",
			handler: c.Handler(),
			addr:    c.cfg.HTTP.Addr,
			logger:  c.logger.Named("http"),
		}
		c.lifecycle.Register(c.httpServer)
	}

	c.supervisor.Add(Task{Name: "order_engine", Run: c.engine.Run})
	if c.userStream != nil {
		c.supervisor.Add(Task{Name: "user_stream", Run: c.userStream.Run})
	}
	if c.tickers != nil {
		c.supervisor.Add(Task{Name: "ticker_streams", Run: c.tickers.Run})
	}
	if c.reloader != nil {
		c.supervisor.Add(Task{Name: "config_reload", Run: c.reloader.Run})
	}
	c.lifecycle.Register(supervisorComponent{sup: c.supervisor})
}

// Start 加载延迟意图后启动 HTTP 与受监督任务。
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container")
	c.runMu.Lock()
	c.runCtx = ctx
	c.runMu.Unlock()

	if err := c.engine.Load(ctx); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "load_intents"})
	}
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 停止任务与 HTTP，关闭数据库与日志。
func (c *Container) Stop() error {
	c.logger.Info("stopping container")
	if c.reloader != nil {
		c.reloader.Stop()
	}
	errs := c.lifecycle.StopAll()
	if c.db != nil {
		errs = multierr.Append(errs, c.db.Close())
	}
	if errs != nil {
		c.logger.LogError(errs, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	return multierr.Append(errs, c.logger.Close())
}

// HealthCheck 生命周期组件与推送流都正常时返回 nil。
func (c *Container) HealthCheck() error {
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if c.userStream != nil && c.userStream.Health().Overall == exchange.HealthDown {
		return fmt.Errorf("user stream down")
	}
	return nil
}

// Engine 下单引擎。
func (c *Container) Engine() *order.Engine { return c.engine }

// Scanner 全市场扫描服务。
func (c *Container) Scanner() *scanner.Scanner { return c.scanner }

// Rules 合约规则缓存。
func (c *Container) Rules() *rules.Cache { return c.rules }

// Monitor 指标注册表。
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// HTTPAddr HTTP 实际监听地址，未启动时为空。
func (c *Container) HTTPAddr() string {
	if c.httpServer == nil {
		return ""
	}
	return c.httpServer.Addr()
}

// HealthReport /healthz 响应。
type HealthReport struct {
	exchange.Health
	DryRun  bool `json:"dryRun"`
	Intents int  `json:"intents"`
}

// Health 健康摘要；dryRun 下没有推送流，仅反映 REST 冷却状态。
func (c *Container) Health() HealthReport {
	var h exchange.Health
	if c.userStream != nil {
		h = c.userStream.Health()
	} else {
		remaining := c.governor.Remaining()
		h = exchange.Health{WS: exchange.HealthDown, REST: exchange.HealthOK, Overall: exchange.HealthOK,
			State: "disabled", CooldownRemainingSec: remaining.Seconds()}
		if remaining > 0 {
			h.REST, h.Overall = exchange.HealthDegraded, exchange.HealthDegraded
		}
	}
	return HealthReport{Health: h, DryRun: c.cfg.DryRun, Intents: len(c.engine.ListIntents())}
}

// Handler 提供 /healthz、/metrics、/intents 与 /scanner/* 只读端点。
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := c.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Overall == exchange.HealthDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/intents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.engine.ListIntents())
	})
	mux.HandleFunc("/scanner/contracts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		writeResult(w, c.scanner.TradeableContracts(r.Context(), scanner.ContractFilter{
			QuoteAsset:   q.Get("quoteAsset"),
			ContractType: q.Get("contractType"),
			Status:       q.Get("status"),
		}))
	})
	mux.HandleFunc("/scanner/reversals", func(w http.ResponseWriter, r *http.Request) {
		p := scanner.DefaultReversalParams()
		if n, err := strconv.Atoi(r.URL.Query().Get("topN")); err == nil && n > 0 {
			p.TopN = n
		}
		if v, err := strconv.ParseFloat(r.URL.Query().Get("minAbsPct"), 64); err == nil && v >= 0 {
			p.MinAbsPct = v
		}
		writeResult(w, c.scanner.TopReversals(r.Context(), p))
	})
	mux.HandleFunc("/scanner/patterns", func(w http.ResponseWriter, r *http.Request) {
		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "1h"
		}
		writeResult(w, c.scanner.ScanPatterns(r.Context(), interval, scanner.DefaultHammerParams(), scanner.DefaultOverlapParams()))
	})
	return mux
}

type resultBody struct {
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// writeResult Unavailable 返回 503，Degraded 仍返回 200 并带上原因。
func writeResult[T any](w http.ResponseWriter, r result.Result[T]) {
	body := resultBody{Status: r.Kind.String()}
	if r.Reason != nil {
		body.Reason = r.Reason.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if !r.IsAvailable() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		body.Data = r.Value
	}
	_ = json.NewEncoder(w).Encode(body)
}

func governorConfig(cfg appconfig.AppConfig) throttle.Config {
	return throttle.Config{Threshold: cfg.Governor.Threshold, Cooldown: cfg.Governor.Cooldown()}
}

func marketConfig(cfg appconfig.AppConfig) market.Config {
	return market.Config{
		TickerMaxAge:    cfg.Market.TickerMaxAge(),
		RESTMinInterval: cfg.Market.RESTMinInterval(),
		Simulation:      cfg.DryRun,
		SimulatedPrices: cfg.Market.SimulatedPrices,
	}
}

func scannerConfig(cfg appconfig.AppConfig) scanner.Config {
	return scanner.Config{
		CacheTTL:    cfg.Scanner.CacheTTL(),
		Concurrency: cfg.Scanner.Concurrency,
		Simulation:  cfg.DryRun,
	}
}

func storeConfig(cfg appconfig.AppConfig) store.Config {
	return store.Config{
		MinPullInterval:      cfg.Account.MinPullInterval(),
		DegradedPullInterval: cfg.Account.DegradedPullInterval(),
		DegradedHold:         cfg.Account.DegradedHold(),
	}
}

func streamConfig(cfg appconfig.AppConfig) exchange.Config {
	sc := exchange.DefaultConfig()
	sc.WSEndpoint = cfg.Gateway.WSEndpoint
	sc.KeepaliveInterval = cfg.Stream.KeepaliveInterval()
	sc.KeepaliveFailLimit = cfg.Stream.KeepaliveFailN
	sc.StaleAfter = cfg.Stream.StaleAfter()
	sc.HealthCheckInterval = cfg.Stream.HealthCheckInterval()
	sc.SubscribeRetries = cfg.Stream.SubscribeRetries
	sc.SubscribeRetryDelay = cfg.Stream.SubscribeRetryDelay()
	return sc
}

func engineConfig(cfg appconfig.AppConfig) order.Config {
	return order.Config{
		FillWait:    cfg.Engine.FillWait(),
		FillPoll:    cfg.Engine.FillPoll(),
		TriggerPoll: cfg.Engine.TriggerPoll(),
		DryRun:      cfg.DryRun,
		DefaultTag:  cfg.Engine.DefaultTag,
	}
}
