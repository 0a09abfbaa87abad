package artifact

import "regexp"

// 脱敏在写盘之前进行：先替换 64 位哈希再替换 40 位地址，顺序不能
// 反过来，否则交易哈希会被当成地址截断处理。脱敏是幂等的：占位符
// 本身不含十六进制模式，重复脱敏不再改变内容。

var (
	walletAddressRe = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
	txHashRe        = regexp.MustCompile(`0x[a-fA-F0-9]{64}`)
)

const (
	redactedAddress = "<REDACTED_ADDRESS>"
	redactedTxHash  = "<REDACTED_TX_HASH>"
)

// RedactString 替换单个字符串中的地址与交易哈希。
func RedactString(value string) string {
	value = txHashRe.ReplaceAllString(value, redactedTxHash)
	value = walletAddressRe.ReplaceAllString(value, redactedAddress)
	return value
}

// RedactValue 递归脱敏嵌套的 map 与 slice。输入不会被修改，返回的
// 是新构造的值。
func RedactValue(value any) any {
	switch typed := value.(type) {
	case string:
		return RedactString(typed)
	case map[string]any:
		redacted := make(map[string]any, len(typed))
		for key, item := range typed {
			redacted[key] = RedactValue(item)
		}
		return redacted
	case []any:
		redacted := make([]any, len(typed))
		for i, item := range typed {
			redacted[i] = RedactValue(item)
		}
		return redacted
	default:
		return value
	}
}

// RedactPayload 脱敏顶层负载。
func RedactPayload(payload map[string]any) map[string]any {
	redacted, _ := RedactValue(payload).(map[string]any)
	return redacted
}

// ContainsWalletAddress 检查负载的任何字符串值是否包含钱包地址。
// 检查在脱敏之前的原始负载上进行。
func ContainsWalletAddress(value any) bool {
	return anyString(value, func(s string) bool {
		return walletAddressRe.MatchString(s)
	})
}

// ContainsTxHash 检查负载的任何字符串值是否包含交易哈希。
func ContainsTxHash(value any) bool {
	return anyString(value, func(s string) bool {
		return txHashRe.MatchString(s)
	})
}

func anyString(value any, match func(string) bool) bool {
	switch typed := value.(type) {
	case string:
		return match(typed)
	case map[string]any:
		for _, item := range typed {
			if anyString(item, match) {
				return true
			}
		}
	case []any:
		for _, item := range typed {
			if anyString(item, match) {
				return true
			}
		}
	}
	return false
}
