package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
gateway:
  apiKey: foo
  apiSecret: bar
  baseURL: https://testnet.binancefuture.com
governor:
  threshold: 5
engine:
  triggerPollSec: 15
storage:
  driver: sqlite
  sqlitePath: /tmp/intents.db
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Gateway.APIKey != "foo" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Governor.Threshold != 5 || cfg.Governor.Cooldown() != 60*time.Second {
		t.Fatalf("governor defaults not merged: %+v", cfg.Governor)
	}
	if cfg.Engine.TriggerPoll() != 15*time.Second || cfg.Engine.FillWait() != 2*time.Second {
		t.Fatalf("engine config: %+v", cfg.Engine)
	}
	if cfg.Stream.KeepaliveInterval() != 30*time.Minute || cfg.Stream.StaleAfter() != 5*time.Minute {
		t.Fatalf("stream defaults: %+v", cfg.Stream)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("storage/log: %+v %+v", cfg.Storage, cfg.Log)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
gateway:
  baseURL: https://fapi.binance.com
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	t.Setenv("EXEC_API_KEY", "env-key")
	t.Setenv("EXEC_API_SECRET", "env-secret")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.APIKey != "env-key" || cfg.Gateway.APISecret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Gateway)
	}
}

func TestDryRunDoesNotNeedCredentials(t *testing.T) {
	path := writeTempConfig(t, `
env: sim
dryRun: true
market:
  simulatedPrices:
    BTCUSDT: 65000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Market.SimulatedPrices["BTCUSDT"] != 65000 {
		t.Fatalf("simulated prices: %+v", cfg.Market)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	base := Default()
	base.Gateway.APIKey, base.Gateway.APISecret = "k", "s"
	if err := Validate(base); err != nil {
		t.Fatalf("defaults with credentials must validate: %v", err)
	}

	cases := map[string]func(*AppConfig){
		"threshold":    func(c *AppConfig) { c.Governor.Threshold = 0 },
		"trigger poll": func(c *AppConfig) { c.Engine.TriggerPollSec = 0 },
		"ws scheme":    func(c *AppConfig) { c.Gateway.WSEndpoint = "https://fstream.binance.com/ws" },
		"driver":       func(c *AppConfig) { c.Storage.Driver = "redis" },
		"sqlite path":  func(c *AppConfig) { c.Storage.Driver = "sqlite" },
		"log level":    func(c *AppConfig) { c.Log.Level = "loud" },
		"tag":          func(c *AppConfig) { c.Engine.DefaultTag = "my_tag" },
		"degraded":     func(c *AppConfig) { c.Account.DegradedPullIntervalSec = 1 },
		"sim price":    func(c *AppConfig) { c.Market.SimulatedPrices = map[string]float64{"BTCUSDT": 0} },
		"keepalive":    func(c *AppConfig) { c.Stream.KeepaliveMin = 0 },
		"min interval": func(c *AppConfig) { c.Market.RESTMinIntervalMs = 20000 },
		"scanner":      func(c *AppConfig) { c.Scanner.Concurrency = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		err := Validate(cfg)
		var inv ErrInvalid
		if !errors.As(err, &inv) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
