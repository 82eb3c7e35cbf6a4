package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-exec/gateway"
)

// Monitor 执行层 Prometheus 指标，使用独立 registry。
// 实现 gateway.RequestObserver、throttle.Recorder、exchange.Recorder 与 order.Recorder。
type Monitor struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	cfg      Config

	// REST
	restRequests *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec

	// 限流
	throttled prometheus.Counter
	cooldown  prometheus.Gauge

	// 推送流
	streamConnected   *prometheus.GaugeVec
	streamRebuilds    *prometheus.CounterVec
	keepaliveFailures prometheus.Counter

	// 下单与延迟意图
	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	intentsPending  *prometheus.GaugeVec
	intentOutcomes  *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	// RuntimeCollectors 注册 Go 运行时与进程指标。
	RuntimeCollectors bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Namespace: "exec", RuntimeCollectors: true}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	reg := prometheus.NewRegistry()
	if cfg.RuntimeCollectors {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Monitor{
		registry: reg,
		factory:  factory,
		cfg:      cfg,

		restRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rest",
			Name: "requests_total",
			Help: "REST请求数（按接口与结果）",
		}, []string{"endpoint", "outcome"}),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "rest",
			Name:    "latency_seconds",
			Help:    "REST请求延迟（秒）",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"endpoint"}),

		throttled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "throttle",
			Name: "events_total",
			Help: "收到 -1003/429 的次数",
		}),
		cooldown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "throttle",
			Name: "cooldown_active",
			Help: "当前是否处于限流冷却（1/0）",
		}),

		streamConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "stream",
			Name: "connected",
			Help: "推送流连接状态（1/0）",
		}, []string{"stream"}),
		streamRebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream",
			Name: "rebuilds_total",
			Help: "推送流重建次数",
		}, []string{"stream", "reason"}),
		keepaliveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream",
			Name: "keepalive_failures_total",
			Help: "listenKey 续期失败次数",
		}),

		ordersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "orders",
			Name: "placed_total",
			Help: "已提交订单数（按类型）",
		}, []string{"type"}),
		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "orders",
			Name: "rejected_total",
			Help: "被拒绝的订单数（按原因/错误码）",
		}, []string{"reason"}),
		intentsPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "intents",
			Name: "pending",
			Help: "PENDING 延迟意图数",
		}, []string{"kind"}),
		intentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "intents",
			Name: "outcomes_total",
			Help: "延迟意图结束次数",
		}, []string{"kind", "outcome"}),
		persistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "intents",
			Name: "persist_failures_total",
			Help: "延迟意图落盘失败次数",
		}, []string{"kind"}),
	}
}

// ObserveRequest 记录一次 REST 调用。
func (m *Monitor) ObserveRequest(endpoint string, latency time.Duration, err error) {
	m.restRequests.WithLabelValues(endpoint, outcomeOf(err)).Inc()
	m.restLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gateway.ErrThrottled), gateway.IsTooManyRequests(err):
		return "throttled"
	}
	if code := gateway.ErrorCode(err); code != 0 {
		return "api_error"
	}
	return "transport_error"
}

func (m *Monitor) RecordThrottle() { m.throttled.Inc() }

func (m *Monitor) SetCooldown(active bool) { m.cooldown.Set(boolGauge(active)) }

func (m *Monitor) SetStreamConnected(stream string, connected bool) {
	m.streamConnected.WithLabelValues(stream).Set(boolGauge(connected))
}

func (m *Monitor) IncStreamRebuild(stream, reason string) {
	m.streamRebuilds.WithLabelValues(stream, reason).Inc()
}

func (m *Monitor) IncKeepaliveFailure() { m.keepaliveFailures.Inc() }

func (m *Monitor) IncOrderPlaced(orderType string) { m.ordersPlaced.WithLabelValues(orderType).Inc() }

func (m *Monitor) IncOrderRejected(reason string) { m.ordersRejected.WithLabelValues(reason).Inc() }

func (m *Monitor) SetIntentsPending(kind string, n int) {
	m.intentsPending.WithLabelValues(kind).Set(float64(n))
}

func (m *Monitor) IncIntentOutcome(kind, outcome string) {
	m.intentOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Monitor) IncPersistFailure(kind string) { m.persistFailures.WithLabelValues(kind).Inc() }

// RegisterAge 以 GaugeFunc 暴露数据年龄（秒），fn 返回负值表示尚无数据。
func (m *Monitor) RegisterAge(subsystem, name, help string, fn func() time.Duration) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: subsystem,
		Name: name,
		Help: help,
	}, func() float64 { return fn().Seconds() })
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
