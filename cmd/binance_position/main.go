package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"futures-exec/config"
	"futures-exec/gateway"
	"futures-exec/internal/store"
	"futures-exec/internal/throttle"
	"futures-exec/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "查询的合约（留空查询全部）")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
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
	filter := ""
	if *symbol != "" {
		filter = order.NormalizeSymbol(*symbol)
	}
	res := acct.Positions(ctx, filter)
	positions, err := res.Get()
	if err != nil {
		log.Fatalf("查询持仓失败: %v", err)
	}
	fmt.Printf("来源=%s\n", res.Kind)
	if len(positions) == 0 {
		fmt.Println("无持仓")
		return
	}
	for _, p := range positions {
		fmt.Printf("%s qty=%.6f entry=%.4f mark=%.4f pnl=%.4f side=%s margin=%s lev=%.0f\n",
			p.Symbol, p.Amount, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.PositionSide, p.MarginType, p.Leverage)
	}
}
