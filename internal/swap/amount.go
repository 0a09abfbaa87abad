package swap

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// ParseBaseUnits parses a base-unit integer encoded as a decimal string.
// Floats, signs and grouping characters are rejected outright.
func ParseBaseUnits(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("金额为空")
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("金额必须为十进制整数字符串: %q", value)
		}
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("金额解析失败: %q", value)
	}
	return amount, nil
}

// ParseDecimalAmount converts a human decimal like "1.5" into base units for
// a token with the given decimals. The conversion is exact; fractional digits
// beyond the token's precision are an error, never silently rounded.
func ParseDecimalAmount(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("金额为空")
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("精度超出范围: %d", decimals)
	}
	whole, frac := value, ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole, frac = value[:idx], value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("金额必须为十进制数字: %q", value)
	}
	significant := strings.TrimRight(frac, "0")
	if len(significant) > decimals {
		return nil, fmt.Errorf("小数位超过代币精度 %d: %q", decimals, value)
	}
	digits := strings.TrimLeft(whole+padRight(frac, decimals), "0")
	if digits == "" {
		digits = "0"
	}
	return ParseBaseUnits(digits)
}

// FormatBaseUnits renders base units back into a human decimal string with
// trailing zeros trimmed, e.g. 1500000000000000000 with 18 decimals → "1.5".
func FormatBaseUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	text := amount.String()
	if decimals <= 0 {
		return text
	}
	negative := strings.HasPrefix(text, "-")
	if negative {
		text = text[1:]
	}
	if len(text) <= decimals {
		text = strings.Repeat("0", decimals-len(text)+1) + text
	}
	cut := len(text) - decimals
	whole, frac := text[:cut], strings.TrimRight(text[cut:], "0")
	result := whole
	if frac != "" {
		result = whole + "." + frac
	}
	if negative {
		result = "-" + result
	}
	return result
}

// FormatGwei renders a wei amount as gwei for display in plan summaries.
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "0 gwei"
	}
	gwei := new(big.Int).Quo(wei, big.NewInt(params.GWei))
	return gwei.String() + " gwei"
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat("0", width-len(s))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
