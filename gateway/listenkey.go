package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// CodeListenKeyNotExist keepalive 时 listenKey 已失效。
const CodeListenKeyNotExist = -1125

// ListenKeyClient 管理 UserStream listenKey 的创建/续期/关闭，只需要 APIKey。
type ListenKeyClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Observer   RequestObserver
}

// NewListenKeyHTTPClient listenKey 接口使用更短的超时。
func NewListenKeyHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

func (c *ListenKeyClient) rest() *BinanceRESTClient {
	return &BinanceRESTClient{BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: c.HTTPClient, Observer: c.Observer}
}

// NewListenKey POST /fapi/v1/listenKey。
func (c *ListenKeyClient) NewListenKey(ctx context.Context) (string, error) {
	var r listenKeyResp
	if err := c.rest().do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, &r); err != nil {
		return "", err
	}
	if r.ListenKey == "" {
		return "", fmt.Errorf("empty listenKey")
	}
	return r.ListenKey, nil
}

// KeepAlive PUT /fapi/v1/listenKey。
func (c *ListenKeyClient) KeepAlive(ctx context.Context, listenKey string) error {
	return c.rest().do(ctx, http.MethodPut, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey}, false, nil)
}

// CloseListenKey DELETE /fapi/v1/listenKey。
func (c *ListenKeyClient) CloseListenKey(ctx context.Context, listenKey string) error {
	return c.rest().do(ctx, http.MethodDelete, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey}, false, nil)
}
