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
	"futures-exec/internal/throttle"
	"futures-exec/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "BTCUSDT", "合约（例如 BTCUSDT）")
	marginType := flag.String("margin", "", "设置保证金模式：CROSSED 或 ISOLATED（留空不调整）")
	leverage := flag.Int("leverage", 0, "设置杠杆倍数（0 表示不调整）")
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
	engine := order.New(rest, nil, gov, nil, nil, order.Stores{}, order.Config{DryRun: cfg.DryRun}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if *marginType != "" {
		if err := engine.SetMarginType(ctx, *symbol, *marginType); err != nil {
			log.Fatalf("设置保证金模式失败: %v", err)
		}
		fmt.Printf("已设置 %s 的 marginType=%s\n", order.NormalizeSymbol(*symbol), *marginType)
	}
	if *leverage > 0 {
		if err := engine.SetLeverage(ctx, *symbol, *leverage); err != nil {
			log.Fatalf("设置杠杆失败: %v", err)
		}
		fmt.Printf("已设置 %s 杠杆=%dx\n", order.NormalizeSymbol(*symbol), *leverage)
	}
	if *marginType == "" && *leverage <= 0 {
		fmt.Println("未指定 -margin 或 -leverage，未做调整")
	}
}
