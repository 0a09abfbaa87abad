package policy

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// 策略规则集在进程启动时加载一次，之后对进程生命周期保持不可变。
// 缺失规则集是硬错误，绝不会退化为隐式放行。

// Router 是允许清单中的一个路由合约。
type Router struct {
	Address string `yaml:"address" json:"address"`
	Name    string `yaml:"name" json:"name"`
}

// Rules 对应 configs/policy.yaml 的结构。
type Rules struct {
	Version             int      `yaml:"version"`
	ChainIDs            []int64  `yaml:"chain_ids"`
	AllowedRouters      []Router `yaml:"allowed_routers"`
	AllowedTokens       []string `yaml:"allowed_tokens"`
	MaxSlippageBps      int      `yaml:"max_slippage_bps"`
	MaxValueWei         string   `yaml:"max_value_wei"`
	MaxGasPriceWei      string   `yaml:"max_gas_price_wei"`
	MaxGasEstimate      int64    `yaml:"max_gas_estimate"`
	ForbiddenSelectors  []string `yaml:"forbidden_selectors"`
	QuoteHorizonSeconds int64    `yaml:"quote_horizon_seconds"`
}

var selectorRe = regexp.MustCompile(`^0x[0-9a-fA-F]{8}$`)

// LoadRules 读取并校验策略规则文件。路径为空或文件缺失都是错误。
func LoadRules(path string) (*Rules, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("策略规则路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略规则失败: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return nil, fmt.Errorf("解析策略规则失败: %w", err)
	}
	rules.applyDefaults()
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// DefaultRules 返回一份内置规则集，覆盖两个主流聚合器路由与保守的上限。
// 主要给测试与本地评测使用，生产部署应当显式提供 policy.yaml。
func DefaultRules() *Rules {
	rules := &Rules{
		Version:  1,
		ChainIDs: []int64{1},
		AllowedRouters: []Router{
			{Address: "0x1111111254EEB25477B68fb85Ed929f73A960582", Name: "1inch v5"},
			{Address: "0xDef1C0ded9bec7F1a1670819833240f027b25EfF", Name: "0x exchange proxy"},
		},
	}
	rules.applyDefaults()
	return rules
}

func (r *Rules) applyDefaults() {
	if r.Version <= 0 {
		r.Version = 1
	}
	if r.MaxSlippageBps <= 0 {
		r.MaxSlippageBps = 1000
	}
	if strings.TrimSpace(r.MaxValueWei) == "" {
		// 10 ETH
		r.MaxValueWei = "10000000000000000000"
	}
	if strings.TrimSpace(r.MaxGasPriceWei) == "" {
		// 500 gwei
		r.MaxGasPriceWei = "500000000000"
	}
	if r.MaxGasEstimate <= 0 {
		r.MaxGasEstimate = 1500000
	}
	if r.QuoteHorizonSeconds <= 0 {
		r.QuoteHorizonSeconds = 300
	}
}

// Validate 检查规则集自身的合法性。
func (r *Rules) Validate() error {
	if r == nil {
		return fmt.Errorf("策略规则为空")
	}
	if len(r.AllowedRouters) == 0 {
		return fmt.Errorf("策略规则必须至少包含一个允许的路由")
	}
	seenRouters := map[common.Address]bool{}
	for _, router := range r.AllowedRouters {
		if !common.IsHexAddress(router.Address) {
			return fmt.Errorf("路由地址不合法: %q", router.Address)
		}
		addr := common.HexToAddress(router.Address)
		if seenRouters[addr] {
			return fmt.Errorf("路由地址重复: %s", router.Address)
		}
		seenRouters[addr] = true
	}
	seenTokens := map[common.Address]bool{}
	for _, token := range r.AllowedTokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("代币地址不合法: %q", token)
		}
		addr := common.HexToAddress(token)
		if seenTokens[addr] {
			return fmt.Errorf("代币地址重复: %s", token)
		}
		seenTokens[addr] = true
	}
	for _, chainID := range r.ChainIDs {
		if chainID <= 0 {
			return fmt.Errorf("chain_id 不合法: %d", chainID)
		}
	}
	if r.MaxSlippageBps <= 0 || r.MaxSlippageBps > 10000 {
		return fmt.Errorf("max_slippage_bps 必须在 (0, 10000] 区间: %d", r.MaxSlippageBps)
	}
	if _, err := parsePositiveWei(r.MaxValueWei); err != nil {
		return fmt.Errorf("max_value_wei 不合法: %w", err)
	}
	if _, err := parsePositiveWei(r.MaxGasPriceWei); err != nil {
		return fmt.Errorf("max_gas_price_wei 不合法: %w", err)
	}
	if r.MaxGasEstimate <= 0 {
		return fmt.Errorf("max_gas_estimate 必须为正数: %d", r.MaxGasEstimate)
	}
	for _, selector := range r.ForbiddenSelectors {
		if !selectorRe.MatchString(selector) {
			return fmt.Errorf("函数选择器不合法: %q", selector)
		}
	}
	if r.QuoteHorizonSeconds <= 0 {
		return fmt.Errorf("quote_horizon_seconds 必须为正数: %d", r.QuoteHorizonSeconds)
	}
	return nil
}

func parsePositiveWei(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("数值为空")
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("不是十进制整数: %q", value)
	}
	if parsed.Sign() <= 0 {
		return nil, fmt.Errorf("必须为正数: %q", value)
	}
	return parsed, nil
}
