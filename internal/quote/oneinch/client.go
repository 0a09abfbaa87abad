package oneinch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"SwapSentinel/internal/swap"
)

const (
	defaultBaseURL = "https://api.1inch.dev/swap/v6.0"
	defaultTimeout = 10 * time.Second
	defaultTTL     = 2 * time.Minute
)

// Config 描述了调用 1inch Swap API 所需的信息。
type Config struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	TTL          time.Duration
	OwnerAddress string
	SlippageBps  int
	Now          func() time.Time
}

// Client 通过 HTTP 调用 1inch 聚合器获取真实报价与路由负载。
type Client struct {
	apiKey       string
	baseURL      string
	ownerAddress string
	slippageBps  int
	ttl          time.Duration
	now          func() time.Time
	httpClient   *http.Client
}

// NewClient 根据配置创建 1inch 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 1inch API Key")
	}
	if strings.TrimSpace(cfg.OwnerAddress) == "" {
		return nil, errors.New("1inch 报价需要所有者地址")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	slippageBps := cfg.SlippageBps
	if slippageBps <= 0 {
		slippageBps = 100
	}

	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		ownerAddress: cfg.OwnerAddress,
		slippageBps:  slippageBps,
		ttl:          ttl,
		now:          now,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回提供方标识。
func (c *Client) Name() string { return "1inch" }

// Quotes 调用 /swap 端点取一条可执行报价。返回内容是不可信外部数据，
// 路由地址与 calldata 的校验全部交给下游。
func (c *Client) Quotes(ctx context.Context, intent swap.Intent) ([]swap.Quote, error) {
	endpoint := fmt.Sprintf("%s/%d/swap", c.baseURL, intent.ChainID)

	query := url.Values{}
	query.Set("src", intent.SellToken)
	query.Set("dst", intent.BuyToken)
	query.Set("amount", intent.SellAmount)
	query.Set("from", c.ownerAddress)
	query.Set("slippage", SlippagePercent(c.slippageBps))
	query.Set("disableEstimate", "true")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建 1inch 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 1inch 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("1inch 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		DstAmount string `json:"dstAmount"`
		Tx        struct {
			To       string `json:"to"`
			Data     string `json:"data"`
			Value    string `json:"value"`
			Gas      int64  `json:"gas"`
			GasPrice string `json:"gasPrice"`
		} `json:"tx"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 1inch 响应失败: %w", err)
	}
	if decoded.DstAmount == "" || decoded.Tx.To == "" || decoded.Tx.Data == "" {
		return nil, errors.New("1inch 响应缺少必需字段")
	}

	gasEstimate := decoded.Tx.Gas
	if gasEstimate <= 0 {
		gasEstimate = 250000
	}

	quote := swap.Quote{
		Aggregator:      "1inch",
		RouterAddress:   decoded.Tx.To,
		BuyAmount:       decoded.DstAmount,
		SlippageBps:     c.slippageBps,
		GasEstimate:     gasEstimate,
		GasPriceWei:     decoded.Tx.GasPrice,
		Calldata:        decoded.Tx.Data,
		CalldataPreview: swap.TruncateCalldata(decoded.Tx.Data),
		ValidTo:         c.now().Add(c.ttl).Unix(),
	}
	return []swap.Quote{quote}, nil
}

// SlippagePercent 把基点换算成 1inch 查询参数使用的百分数字符串。
func SlippagePercent(bps int) string {
	return strconv.FormatFloat(float64(bps)/100, 'f', -1, 64)
}
