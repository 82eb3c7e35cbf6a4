package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"futures-exec/config"
	"futures-exec/gateway"
	"futures-exec/internal/store"
	"futures-exec/internal/throttle"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	assets := flag.String("assets", "USDT,USDC", "查询的资产，逗号分隔")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rest, _ := gateway.BuildBinanceClients(gateway.ClientConfig{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		APISecret:    cfg.Gateway.APISecret,
		RecvWindowMs: cfg.Gateway.RecvWindowMs,
	})
	gov := throttle.New(throttle.Config{Threshold: cfg.Governor.Threshold, Cooldown: cfg.Governor.Cooldown()}, zap.NewNop())
	acct := store.New(rest, gov, store.DefaultConfig(), zap.NewNop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, asset := range strings.Split(*assets, ",") {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		res := acct.Balance(ctx, asset)
		b, err := res.Get()
		if err != nil {
			fmt.Printf("%s unavailable: %v\n", asset, err)
			continue
		}
		fmt.Printf("%s balance=%.8f available=%.8f source=%s\n", b.Asset, b.Total, b.Free, res.Kind)
	}
}
