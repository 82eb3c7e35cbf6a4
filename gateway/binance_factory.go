package gateway

import (
	"net/http"
	"strings"
)

const (
	BinanceFuturesRESTEndpoint = "https://fapi.binance.com"
	BinanceFuturesWSEndpoint   = "wss://fstream.binance.com"
)

// ClientConfig 构建 REST/ListenKey 客户端所需的参数。
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int64
	HTTPClient   *http.Client
	Limiter      RateLimiter
	Observer     RequestObserver
}

// BuildBinanceClients 根据配置构建 REST 与 listenKey 客户端（不发起连接）。
func BuildBinanceClients(cfg ClientConfig) (*BinanceRESTClient, *ListenKeyClient) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = BinanceFuturesRESTEndpoint
	}
	httpCli := cfg.HTTPClient
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	rest := &BinanceRESTClient{
		BaseURL:      base,
		APIKey:       cfg.APIKey,
		Secret:       cfg.APISecret,
		HTTPClient:   httpCli,
		RecvWindowMs: cfg.RecvWindowMs,
		Limiter:      cfg.Limiter,
		Observer:     cfg.Observer,
	}
	lk := &ListenKeyClient{
		BaseURL:    base,
		APIKey:     cfg.APIKey,
		HTTPClient: NewListenKeyHTTPClient(),
		Observer:   cfg.Observer,
	}
	return rest, lk
}
