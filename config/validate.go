package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate 返回第一个不合法的字段；dryRun 时不要求凭据。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if !cfg.DryRun && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return invalid("gateway.apiKey/apiSecret is required (or EXEC_API_KEY/EXEC_API_SECRET)")
	}
	if u, err := url.Parse(cfg.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("gateway.baseURL %q is not a valid URL", cfg.Gateway.BaseURL)
	}
	if u, err := url.Parse(cfg.Gateway.WSEndpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return invalid("gateway.wsEndpoint %q must be a ws:// or wss:// URL", cfg.Gateway.WSEndpoint)
	}
	if cfg.Gateway.RecvWindowMs < 0 || cfg.Gateway.RecvWindowMs > 60000 {
		return invalid("gateway.recvWindowMs must be within [0, 60000]")
	}
	if cfg.Gateway.TimeoutMs <= 0 {
		return invalid("gateway.timeoutMs must be > 0")
	}
	if cfg.Gateway.RequestsPerSecond < 0 || cfg.Gateway.Burst < 0 {
		return invalid("gateway.requestsPerSecond/burst must be >= 0")
	}
	if cfg.Governor.Threshold <= 0 {
		return invalid("governor.threshold must be > 0")
	}
	if cfg.Governor.CooldownSec <= 0 {
		return invalid("governor.cooldownSec must be > 0")
	}
	if cfg.Rules.TTLSec <= 0 {
		return invalid("rules.ttlSec must be > 0")
	}
	if cfg.Market.TickerMaxAgeSec <= 0 {
		return invalid("market.tickerMaxAgeSec must be > 0")
	}
	if cfg.Market.RESTMinIntervalMs < 0 {
		return invalid("market.restMinIntervalMs must be >= 0")
	}
	if cfg.Market.RESTMinInterval() > cfg.Market.TickerMaxAge() {
		return invalid("market.restMinIntervalMs must not exceed market.tickerMaxAgeSec")
	}
	for sym, p := range cfg.Market.SimulatedPrices {
		if p <= 0 {
			return invalid("market.simulatedPrices.%s must be > 0", sym)
		}
	}
	if cfg.Account.MinPullIntervalSec < 0 || cfg.Account.DegradedPullIntervalSec < cfg.Account.MinPullIntervalSec {
		return invalid("account.degradedPullIntervalSec must be >= minPullIntervalSec >= 0")
	}
	if cfg.Account.DegradedHoldSec < 0 {
		return invalid("account.degradedHoldSec must be >= 0")
	}
	if err := validateStream(cfg.Stream); err != nil {
		return err
	}
	if cfg.Engine.FillWaitMs < 0 || cfg.Engine.FillPollMs <= 0 {
		return invalid("engine.fillWaitMs must be >= 0 and engine.fillPollMs > 0")
	}
	if cfg.Engine.TriggerPollSec < 1 {
		return invalid("engine.triggerPollSec must be >= 1")
	}
	if strings.Contains(cfg.Engine.DefaultTag, "_") {
		return invalid("engine.defaultTag must not contain '_'")
	}
	if cfg.Scanner.CacheTTLSec <= 0 || cfg.Scanner.Concurrency <= 0 {
		return invalid("scanner.cacheTTLSec and scanner.concurrency must be > 0")
	}
	switch cfg.Storage.Driver {
	case "json":
		if cfg.Storage.Dir == "" {
			return invalid("storage.dir is required for json driver")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return invalid("storage.sqlitePath is required for sqlite driver")
		}
	default:
		return invalid("storage.driver must be json or sqlite, got %q", cfg.Storage.Driver)
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return invalid("log.level %q is invalid", cfg.Log.Level)
	}
	return nil
}

func validateStream(s StreamConfig) error {
	if s.KeepaliveMin < 1 {
		return invalid("stream.keepaliveMin must be >= 1")
	}
	if s.KeepaliveFailN <= 0 {
		return invalid("stream.keepaliveFailN must be > 0")
	}
	if s.StaleMin <= 0 {
		return invalid("stream.staleMin must be > 0")
	}
	if s.HealthCheckSec <= 0 {
		return invalid("stream.healthCheckSec must be > 0")
	}
	if s.SubscribeRetries <= 0 || s.SubscribeRetryDelaySec < 0 {
		return invalid("stream.subscribeRetries must be > 0 and subscribeRetryDelaySec >= 0")
	}
	return nil
}
