package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RequestObserver 接收每次 REST 调用的结果，用于指标统计。
type RequestObserver interface {
	ObserveRequest(endpoint string, latency time.Duration, err error)
}

// BinanceRESTClient 可签名的 USDⓈ-M 合约 REST 客户端；HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	HTTPClient   *http.Client
	RecvWindowMs int64
	Limiter      RateLimiter
	Observer     RequestObserver
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do 发起请求；signed=true 时附加 timestamp/recvWindow/signature。
// 非 2xx 回包解析为 *APIError，out 为 nil 时丢弃响应体。
func (c *BinanceRESTClient) do(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) (err error) {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if params == nil {
		params = map[string]string{}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	defer func() {
		if c.Observer != nil {
			c.Observer.ObserveRequest(method+" "+path, time.Since(start), err)
		}
	}()

	var query string
	if signed {
		params["timestamp"] = strconv.FormatInt(timeNowMillis(), 10)
		if c.RecvWindowMs > 0 {
			params["recvWindow"] = strconv.FormatInt(c.RecvWindowMs, 10)
		}
		q, sig := SignParams(params, c.Secret)
		query = q + "&signature=" + sig
	} else {
		query = EncodeParams(params)
	}
	endpoint := c.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s body: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Endpoint: path}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Code != 0 {
			apiErr.Code = eb.Code
			apiErr.Msg = eb.Msg
		} else {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// FormatDecimal 以最短十进制形式输出，避免 %f 带来的尾零与精度噪声。
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// flexFloat 兼容交易所以字符串或数字返回的数值字段。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexInt 兼容字符串或数字形式的整型 ID。
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", s, err)
	}
	*n = flexInt(v)
	return nil
}
