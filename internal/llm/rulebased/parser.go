package rulebased

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/swap"
)

// Parser 是当推理协作方不可用时使用的受限确定性解析器。
// 它只会从文本中提取一个数量和两个已知代币符号，提取不到就放弃，
// 绝不猜测。
type Parser struct {
	chainID  int64
	registry *swap.Registry
	amountRe *regexp.Regexp
	tokenRe  *regexp.Regexp
}

// New 基于代币登记表构造解析器。
func New(registry *swap.Registry, chainID int64) *Parser {
	if registry == nil {
		registry = swap.DefaultRegistry()
	}
	if chainID <= 0 {
		chainID = 1
	}
	symbols := registry.Symbols()
	quoted := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		quoted = append(quoted, regexp.QuoteMeta(symbol))
	}
	alt := strings.Join(quoted, "|")
	return &Parser{
		chainID:  chainID,
		registry: registry,
		amountRe: regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(` + alt + `)\b`),
		tokenRe:  regexp.MustCompile(`(?i)\b(` + alt + `)\b`),
	}
}

// Name 返回提供方标识。
func (p *Parser) Name() string { return "rulebased" }

// ParseIntent 用固定模式提取换币意图。文本中最先出现的两个代币依次作为
// 卖出与买入方，数量必须紧挨一个已知符号。
func (p *Parser) ParseIntent(_ context.Context, sanitized string) (*llm.Result, error) {
	amountMatch := p.amountRe.FindStringSubmatch(sanitized)
	tokenMatches := p.tokenRe.FindAllString(sanitized, -1)

	if amountMatch == nil || len(tokenMatches) < 2 {
		return &llm.Result{
			Intent:     nil,
			Reasoning:  "could not extract a swap intent from the message",
			Confidence: llm.ConfidenceLow,
			Raw:        sanitized,
		}, nil
	}

	sellSymbol := strings.ToUpper(tokenMatches[0])
	buySymbol := strings.ToUpper(tokenMatches[1])
	sellToken, okSell := p.registry.BySymbol(sellSymbol)
	buyToken, okBuy := p.registry.BySymbol(buySymbol)
	if !okSell || !okBuy || sellToken.Address == buyToken.Address {
		return &llm.Result{
			Intent:     nil,
			Reasoning:  "mentioned tokens are not a tradable pair",
			Confidence: llm.ConfidenceLow,
			Raw:        sanitized,
		}, nil
	}

	amount, err := swap.ParseDecimalAmount(amountMatch[1], sellToken.Decimals)
	if err != nil || amount.Sign() <= 0 {
		return &llm.Result{
			Intent:     nil,
			Reasoning:  "mentioned amount is not usable",
			Confidence: llm.ConfidenceLow,
			Raw:        sanitized,
		}, nil
	}

	return &llm.Result{
		Intent: &swap.Intent{
			ChainID:    p.chainID,
			SellToken:  sellToken.Address,
			BuyToken:   buyToken.Address,
			SellAmount: amount.String(),
		},
		Reasoning:  fmt.Sprintf("rule-based parse: swap %s %s to %s", amountMatch[1], sellSymbol, buySymbol),
		Confidence: llm.ConfidenceMedium,
		Raw:        sanitized,
	}, nil
}
