package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-exec/config"
	"futures-exec/gateway"
	"futures-exec/infrastructure/logger"
	"futures-exec/internal/exchange"
	"futures-exec/internal/store"
	"futures-exec/internal/throttle"
)

// 订阅用户数据流并打印订单、账户与连接事件，用于排查推送是否正常。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	healthEvery := flag.Duration("health", 30*time.Second, "打印健康摘要的间隔")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lg, err := logger.New(logger.Config{Level: cfg.Log.Level, Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	rest, lk := gateway.BuildBinanceClients(gateway.ClientConfig{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		APISecret:    cfg.Gateway.APISecret,
		RecvWindowMs: cfg.Gateway.RecvWindowMs,
	})
	gov := throttle.New(throttle.Config{Threshold: cfg.Governor.Threshold, Cooldown: cfg.Governor.Cooldown()}, lg.Logger)
	acct := store.New(rest, gov, store.DefaultConfig(), lg.Logger, nil)

	dispatch := exchange.NewDispatcher(lg.Logger)
	dispatch.OnOrder(func(o gateway.OrderUpdate) {
		lg.LogOrder("order_update", o.ClientOrderID, map[string]interface{}{
			"symbol": o.Symbol, "status": o.Status, "side": o.Side, "type": o.OrderType,
		})
	})
	dispatch.OnAccount(func(a gateway.AccountUpdate) {
		lg.LogStream("account_update", exchange.StreamUser, map[string]interface{}{
			"positions": len(a.Positions), "balances": len(a.Balances),
		})
	})
	dispatch.OnEvent(func(ev exchange.StreamEvent) {
		lg.LogStream("stream_"+ev.Event, ev.Stream, map[string]interface{}{"stage": ev.Stage, "reason": ev.Reason})
	})

	sc := exchange.DefaultConfig()
	sc.WSEndpoint = cfg.Gateway.WSEndpoint
	stream := exchange.NewBinanceUserStream(sc, lk, gateway.NewWSDialer(), acct, dispatch, lg.Logger)
	stream.SetCooldownSource(gov)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("用户流退出: %v", err)
			cancel()
		}
	}()
	go func() {
		ticker := time.NewTicker(*healthEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b, _ := json.Marshal(stream.Health())
				log.Printf("health %s", b)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	cancel()
}
