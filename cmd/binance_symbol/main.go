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
	"futures-exec/internal/throttle"
	"futures-exec/rules"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbols := flag.String("symbols", "BTCUSDT", "查询的合约，逗号分隔(如 BTCUSDT,ETH/USDT)")
	price := flag.Float64("price", 0, "可选：按规则对齐该价格")
	qty := flag.Float64("qty", 0, "可选：按规则对齐该数量")
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
	cache := rules.NewCache(rest, gov, cfg.Rules.TTL(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := cache.Refresh(ctx); err != nil {
		fmt.Printf("exchangeInfo 不可用，使用静态精度表: %v\n", err)
	}
	for _, raw := range strings.Split(*symbols, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		r := cache.Rules(ctx, raw)
		source := "exchangeInfo"
		if r.Fallback {
			source = "fallback"
		}
		fmt.Printf("%s 来源=%s\n", r.Symbol, source)
		fmt.Printf("  TickSize=%g StepSize=%g\n", r.TickSize, r.StepSize)
		fmt.Printf("  MinQty=%g MaxQty=%g MinNotional=%g\n", r.MinQty, r.MaxQty, r.MinNotional)
		if *price > 0 {
			fmt.Printf("  price %g -> %g\n", *price, r.AlignPrice(*price))
		}
		if *qty > 0 {
			fmt.Printf("  qty %g -> %g\n", *qty, r.AlignQuantity(*qty))
		}
	}
}
