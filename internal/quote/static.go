package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/swap"
)

// 静态报价源给评测与本地开发提供确定性的报价：同样的意图永远得到
// 同样的数字。汇率表可以从 JSON 文件加载，也可以使用内置表。

// Rate 描述一个交易对的单位汇率：卖出 1 个整代币能换到多少买入代币
// 的基础单位。
type Rate struct {
	SellToken  string `json:"sell_token"`
	BuyToken   string `json:"buy_token"`
	BuyPerUnit string `json:"buy_per_unit"`
}

// StaticProvider 基于汇率表合成报价。每个命中的交易对产出两条报价，
// 模拟聚合器之间的价格差。
type StaticProvider struct {
	registry *swap.Registry
	rates    []Rate
	now      func() time.Time
	ttl      time.Duration
}

// StaticConfig 控制静态报价源的行为。
type StaticConfig struct {
	Registry *swap.Registry
	Rates    []Rate
	Now      func() time.Time
	TTL      time.Duration
}

// NewStaticProvider 构造静态报价源。汇率表为空时使用内置表。
func NewStaticProvider(cfg StaticConfig) (*StaticProvider, error) {
	if cfg.Registry == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "静态报价源需要代币注册表")
	}
	rates := cfg.Rates
	if len(rates) == 0 {
		rates = defaultRates()
	}
	for _, rate := range rates {
		if _, err := parseRate(rate.BuyPerUnit); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err,
				fmt.Sprintf("汇率 %s->%s 不合法", rate.SellToken, rate.BuyToken))
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StaticProvider{
		registry: cfg.Registry,
		rates:    rates,
		now:      now,
		ttl:      ttl,
	}, nil
}

// LoadRates 从 JSON 文件加载汇率表。
func LoadRates(path string) ([]Rate, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("汇率文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析汇率文件路径失败: %w", err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取汇率文件失败: %w", err)
	}
	defer file.Close()

	var rates []Rate
	if err := json.NewDecoder(file).Decode(&rates); err != nil {
		return nil, fmt.Errorf("解析汇率文件失败: %w", err)
	}
	return rates, nil
}

// Name 实现 Provider 接口。
func (p *StaticProvider) Name() string { return "static" }

// Quotes 对命中的交易对合成两条报价：1inch 路由价格稍好，0x 路由
// 稍差但是另一条可选路径。
func (p *StaticProvider) Quotes(ctx context.Context, intent swap.Intent) ([]swap.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate, ok := p.lookupRate(intent.SellToken, intent.BuyToken)
	if !ok {
		return nil, xerrors.New(xerrors.CodeToolFailure,
			fmt.Sprintf("静态报价源不支持交易对 %s -> %s", intent.SellToken, intent.BuyToken))
	}

	sellToken, ok := p.registry.ByAddress(intent.SellToken)
	if !ok {
		return nil, xerrors.New(xerrors.CodeToolFailure,
			"卖出代币不在注册表中: "+intent.SellToken)
	}
	sellAmount, err := swap.ParseBaseUnits(intent.SellAmount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "sell_amount 无法解析")
	}
	if sellAmount.BitLen() > 256 {
		return nil, xerrors.New(xerrors.CodeToolFailure, "sell_amount 超出 uint256 范围")
	}

	// buy = sell_base * buy_per_unit / 10^sell_decimals
	perUnit, _ := parseRate(rate.BuyPerUnit)
	buyAmount := new(big.Int).Mul(sellAmount, perUnit)
	buyAmount.Quo(buyAmount, pow10(sellToken.Decimals))
	if buyAmount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeToolFailure, "换算后的买入数量为零")
	}

	validTo := p.now().Add(p.ttl).Unix()
	oneInchData := syntheticCalldata("0x12aa3caf", sellAmount)
	zeroExData := syntheticCalldata("0x34bb5caf", sellAmount)

	// 0x 路由的价格略差 15 个基点。
	zeroExBuy := new(big.Int).Mul(buyAmount, big.NewInt(9985))
	zeroExBuy.Quo(zeroExBuy, big.NewInt(10000))

	quotes := []swap.Quote{
		{
			Aggregator:      "1inch",
			RouterAddress:   "0x1111111254EEB25477B68fb85Ed929f73A960582",
			BuyAmount:       buyAmount.String(),
			PriceImpactBps:  50,
			SlippageBps:     100,
			FeeBps:          20,
			GasEstimate:     150000,
			GasPriceWei:     "100000000000",
			Calldata:        oneInchData,
			CalldataPreview: swap.TruncateCalldata(oneInchData),
			ValidTo:         validTo,
		},
		{
			Aggregator:      "0x",
			RouterAddress:   "0xDef1C0ded9bec7F1a1670819833240f027b25EfF",
			BuyAmount:       zeroExBuy.String(),
			PriceImpactBps:  60,
			SlippageBps:     120,
			FeeBps:          25,
			GasEstimate:     160000,
			GasPriceWei:     "110000000000",
			Calldata:        zeroExData,
			CalldataPreview: swap.TruncateCalldata(zeroExData),
			ValidTo:         validTo,
		},
	}
	return quotes, nil
}

func (p *StaticProvider) lookupRate(sellToken, buyToken string) (Rate, bool) {
	for _, rate := range p.rates {
		if swap.SameAddress(rate.SellToken, sellToken) && swap.SameAddress(rate.BuyToken, buyToken) {
			return rate, true
		}
	}
	return Rate{}, false
}

// syntheticCalldata 构造可解码的合成负载：选择器、32 字节零填充、
// 32 字节的卖出数量。
func syntheticCalldata(selector string, sellAmount *big.Int) string {
	amount := make([]byte, 32)
	sellAmount.FillBytes(amount)
	padding := make([]byte, 32)
	raw, err := hexutil.Decode(selector)
	if err != nil {
		raw = []byte{0x00, 0x00, 0x00, 0x00}
	}
	payload := append(raw, padding...)
	payload = append(payload, amount...)
	return hexutil.Encode(payload)
}

func parseRate(value string) (*big.Int, error) {
	parsed, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, fmt.Errorf("汇率必须是正的十进制整数: %q", value)
	}
	return parsed, nil
}

func pow10(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// defaultRates 是内置汇率表：ETH 3200 USD，稳定币之间 1:1，
// ETH 与 WETH 1:1。
func defaultRates() []Rate {
	const (
		eth  = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
		weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
		usdt = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
		usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	)
	return []Rate{
		{SellToken: eth, BuyToken: usdt, BuyPerUnit: "3200000000"},
		{SellToken: eth, BuyToken: usdc, BuyPerUnit: "3200000000"},
		{SellToken: weth, BuyToken: usdt, BuyPerUnit: "3200000000"},
		{SellToken: weth, BuyToken: usdc, BuyPerUnit: "3200000000"},
		{SellToken: eth, BuyToken: weth, BuyPerUnit: "1000000000000000000"},
		{SellToken: weth, BuyToken: eth, BuyPerUnit: "1000000000000000000"},
		{SellToken: usdt, BuyToken: eth, BuyPerUnit: "312500000000000"},
		{SellToken: usdc, BuyToken: eth, BuyPerUnit: "312500000000000"},
		{SellToken: usdt, BuyToken: usdc, BuyPerUnit: "1000000"},
		{SellToken: usdc, BuyToken: usdt, BuyPerUnit: "1000000"},
	}
}
