package swap

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Token describes one tradable asset. Address keeps the exact casing it was
// configured with so responses echo what the operator wrote; comparisons use
// the parsed form.
type Token struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals int    `yaml:"decimals" json:"decimals"`
	Native   bool   `yaml:"native" json:"native,omitempty"`
}

func (t Token) addr() common.Address {
	return common.HexToAddress(t.Address)
}

// Registry is the fixed address↔symbol table used to resolve intents and to
// render privacy-safe plan summaries. Immutable after construction.
type Registry struct {
	ordered  []Token
	bySymbol map[string]Token
	byAddr   map[common.Address]Token
}

// tokenFile models the structure of configs/tokens.yaml.
type tokenFile struct {
	Tokens []Token `yaml:"tokens"`
}

// NewRegistry validates the token list and builds the lookup table.
func NewRegistry(tokens []Token) (*Registry, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("代币表为空")
	}
	reg := &Registry{
		bySymbol: make(map[string]Token, len(tokens)),
		byAddr:   make(map[common.Address]Token, len(tokens)),
	}
	for _, token := range tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("代币缺少符号: %+v", token)
		}
		if !common.IsHexAddress(token.Address) {
			return nil, fmt.Errorf("代币 %s 的地址不合法: %q", symbol, token.Address)
		}
		if token.Decimals < 0 || token.Decimals > 36 {
			return nil, fmt.Errorf("代币 %s 的精度不合法: %d", symbol, token.Decimals)
		}
		if _, exists := reg.bySymbol[symbol]; exists {
			return nil, fmt.Errorf("代币符号重复: %s", symbol)
		}
		key := token.addr()
		if _, exists := reg.byAddr[key]; exists {
			return nil, fmt.Errorf("代币地址重复: %s", token.Address)
		}
		token.Symbol = symbol
		reg.ordered = append(reg.ordered, token)
		reg.bySymbol[symbol] = token
		reg.byAddr[key] = token
	}
	return reg, nil
}

// LoadRegistry parses the YAML token definition file.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRegistry(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代币表失败: %w", err)
	}
	var file tokenFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析代币表失败: %w", err)
	}
	return NewRegistry(file.Tokens)
}

// DefaultRegistry returns the built-in Ethereum mainnet table.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry([]Token{
		{Symbol: "ETH", Address: "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", Decimals: 18, Native: true},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

// BySymbol resolves a token by its symbol, case-insensitively.
func (r *Registry) BySymbol(symbol string) (Token, bool) {
	token, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// ByAddress resolves a token by hex address, ignoring checksum casing.
func (r *Registry) ByAddress(address string) (Token, bool) {
	if !common.IsHexAddress(address) {
		return Token{}, false
	}
	token, ok := r.byAddr[common.HexToAddress(address)]
	return token, ok
}

// SymbolFor renders an address as its known symbol, or a shortened address
// when the token is unknown. Used by plan summaries so raw addresses never
// leak into display text.
func (r *Registry) SymbolFor(address string) string {
	if token, ok := r.ByAddress(address); ok {
		return token.Symbol
	}
	if len(address) > 10 {
		return address[:6] + "..." + address[len(address)-4:]
	}
	return address
}

// Tokens returns the registry contents in configuration order.
func (r *Registry) Tokens() []Token {
	return append([]Token(nil), r.ordered...)
}

// Symbols returns all known symbols in configuration order.
func (r *Registry) Symbols() []string {
	symbols := make([]string, 0, len(r.ordered))
	for _, token := range r.ordered {
		symbols = append(symbols, token.Symbol)
	}
	return symbols
}
