package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"futures-exec/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string         `yaml:"env"`
	DryRun   bool           `yaml:"dryRun"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Governor GovernorConfig `yaml:"governor"`
	Rules    RulesConfig    `yaml:"rules"`
	Market   MarketConfig   `yaml:"market"`
	Account  AccountConfig  `yaml:"account"`
	Stream   StreamConfig   `yaml:"stream"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Log      logger.Config  `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type GatewayConfig struct {
	APIKey            string  `yaml:"apiKey"`
	APISecret         string  `yaml:"apiSecret"`
	BaseURL           string  `yaml:"baseURL"`
	WSEndpoint        string  `yaml:"wsEndpoint"`
	RecvWindowMs      int64   `yaml:"recvWindowMs"`
	TimeoutMs         int     `yaml:"timeoutMs"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"` // 出站令牌桶，0 表示不限速
	Burst             int     `yaml:"burst"`
}

// GovernorConfig 连续 threshold 次限流后冷却 cooldownSec 秒。
type GovernorConfig struct {
	Threshold   int `yaml:"threshold"`
	CooldownSec int `yaml:"cooldownSec"`
}

type RulesConfig struct {
	TTLSec int `yaml:"ttlSec"`
}

type MarketConfig struct {
	TickerMaxAgeSec   int                `yaml:"tickerMaxAgeSec"`
	RESTMinIntervalMs int                `yaml:"restMinIntervalMs"`
	SimulatedPrices   map[string]float64 `yaml:"simulatedPrices"` // 仅 dryRun 时使用
}

type AccountConfig struct {
	MinPullIntervalSec      int `yaml:"minPullIntervalSec"`
	DegradedPullIntervalSec int `yaml:"degradedPullIntervalSec"`
	DegradedHoldSec         int `yaml:"degradedHoldSec"`
}

type StreamConfig struct {
	KeepaliveMin           int `yaml:"keepaliveMin"`
	KeepaliveFailN         int `yaml:"keepaliveFailN"`
	StaleMin               int `yaml:"staleMin"`
	HealthCheckSec         int `yaml:"healthCheckSec"`
	SubscribeRetries       int `yaml:"subscribeRetries"`
	SubscribeRetryDelaySec int `yaml:"subscribeRetryDelaySec"`
}

type EngineConfig struct {
	FillWaitMs     int    `yaml:"fillWaitMs"`
	FillPollMs     int    `yaml:"fillPollMs"`
	TriggerPollSec int    `yaml:"triggerPollSec"`
	DefaultTag     string `yaml:"defaultTag"`
}

// StorageConfig 延迟意图存储：json 为目录下每类一个文件，sqlite 为单库三张表。
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlitePath"`
}

// ScannerConfig 全市场扫描的结果缓存与 K 线并发拉取数。
type ScannerConfig struct {
	CacheTTLSec int `yaml:"cacheTTLSec"`
	Concurrency int `yaml:"concurrency"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // 空字符串不启动 /healthz 与 /metrics
}

// Default 所有阈值的缺省值；YAML 只需覆盖需要修改的字段。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Gateway: GatewayConfig{
			BaseURL:           "https://fapi.binance.com",
			WSEndpoint:        "wss://fstream.binance.com",
			RecvWindowMs:      5000,
			TimeoutMs:         10000,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Governor: GovernorConfig{Threshold: 3, CooldownSec: 60},
		Rules:    RulesConfig{TTLSec: 300},
		Market:   MarketConfig{TickerMaxAgeSec: 10, RESTMinIntervalMs: 800},
		Account:  AccountConfig{MinPullIntervalSec: 2, DegradedPullIntervalSec: 15, DegradedHoldSec: 300},
		Stream: StreamConfig{
			KeepaliveMin:           30,
			KeepaliveFailN:         3,
			StaleMin:               5,
			HealthCheckSec:         30,
			SubscribeRetries:       5,
			SubscribeRetryDelaySec: 2,
		},
		Engine:  EngineConfig{FillWaitMs: 2000, FillPollMs: 200, TriggerPollSec: 60, DefaultTag: "exec"},
		Storage: StorageConfig{Driver: "json", Dir: "data/intents"},
		Scanner: ScannerConfig{CacheTTLSec: 60, Concurrency: 8},
		Log:     logger.DefaultConfig(),
		HTTP:    HTTPConfig{Addr: ":9102"},
	}
}

// Load reads YAML config from path over the defaults and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides credentials from env vars if present.
// 凭据只出现在环境变量时，文件中的空值不应导致校验失败，因此先覆盖再校验。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if v := os.Getenv("EXEC_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("EXEC_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func (g GovernorConfig) Cooldown() time.Duration { return seconds(g.CooldownSec) }

func (g GatewayConfig) Timeout() time.Duration { return millis(g.TimeoutMs) }

func (r RulesConfig) TTL() time.Duration { return seconds(r.TTLSec) }

func (m MarketConfig) TickerMaxAge() time.Duration    { return seconds(m.TickerMaxAgeSec) }
func (m MarketConfig) RESTMinInterval() time.Duration { return millis(m.RESTMinIntervalMs) }

func (a AccountConfig) MinPullInterval() time.Duration      { return seconds(a.MinPullIntervalSec) }
func (a AccountConfig) DegradedPullInterval() time.Duration { return seconds(a.DegradedPullIntervalSec) }
func (a AccountConfig) DegradedHold() time.Duration         { return seconds(a.DegradedHoldSec) }

func (s StreamConfig) KeepaliveInterval() time.Duration   { return time.Duration(s.KeepaliveMin) * time.Minute }
func (s StreamConfig) StaleAfter() time.Duration          { return time.Duration(s.StaleMin) * time.Minute }
func (s StreamConfig) HealthCheckInterval() time.Duration { return seconds(s.HealthCheckSec) }
func (s StreamConfig) SubscribeRetryDelay() time.Duration { return seconds(s.SubscribeRetryDelaySec) }

func (e EngineConfig) FillWait() time.Duration    { return millis(e.FillWaitMs) }
func (e EngineConfig) FillPoll() time.Duration    { return millis(e.FillPollMs) }
func (e EngineConfig) TriggerPoll() time.Duration { return seconds(e.TriggerPollSec) }

func (s ScannerConfig) CacheTTL() time.Duration { return seconds(s.CacheTTLSec) }
