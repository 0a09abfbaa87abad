package swap

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RiskLevel grades how much suspicion the input guardrail attached to a
// request. Levels only ever escalate while a request moves through the
// pipeline.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast returns the higher of the two levels.
func (r RiskLevel) AtLeast(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// RiskMetadata is produced once by the input guardrail and carried unchanged
// through the pipeline for audit. Flags keep insertion order.
type RiskMetadata struct {
	UntrustedFlags []string  `json:"untrusted_flags"`
	RiskLevel      RiskLevel `json:"risk_level"`
}

// NewRiskMetadata returns metadata at the lowest risk grade.
func NewRiskMetadata() RiskMetadata {
	return RiskMetadata{RiskLevel: RiskLow}
}

// Flag appends a tag (once) and escalates the level to at least min.
func (m *RiskMetadata) Flag(tag string, min RiskLevel) {
	for _, existing := range m.UntrustedFlags {
		if existing == tag {
			m.RiskLevel = m.RiskLevel.AtLeast(min)
			return
		}
	}
	m.UntrustedFlags = append(m.UntrustedFlags, tag)
	m.RiskLevel = m.RiskLevel.AtLeast(min)
}

// Clone returns an independent copy so stored requests cannot alias the
// original slice.
func (m RiskMetadata) Clone() RiskMetadata {
	clone := m
	clone.UntrustedFlags = append([]string(nil), m.UntrustedFlags...)
	return clone
}

// Intent is the structured swap request extracted from user text. It stays
// untrusted until the output guardrail has validated it.
type Intent struct {
	ChainID    int64  `json:"chain_id"`
	SellToken  string `json:"sell_token"`
	BuyToken   string `json:"buy_token"`
	SellAmount string `json:"sell_amount"`
}

// Validate performs field-level structural checks. Amounts must be positive
// base-unit integers encoded as decimal strings, never floats.
func (i *Intent) Validate() error {
	if i == nil {
		return fmt.Errorf("意图为空")
	}
	if i.ChainID <= 0 {
		return fmt.Errorf("chain_id 无效: %d", i.ChainID)
	}
	if !common.IsHexAddress(i.SellToken) {
		return fmt.Errorf("sell_token 不是合法地址: %q", i.SellToken)
	}
	if !common.IsHexAddress(i.BuyToken) {
		return fmt.Errorf("buy_token 不是合法地址: %q", i.BuyToken)
	}
	if sameAddress(i.SellToken, i.BuyToken) {
		return fmt.Errorf("sell_token 与 buy_token 相同")
	}
	amount, err := ParseBaseUnits(i.SellAmount)
	if err != nil {
		return fmt.Errorf("sell_amount 无效: %w", err)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("sell_amount 必须为正数: %s", i.SellAmount)
	}
	return nil
}

// Quote is untrusted third-party pricing data. ValidTo is a Unix timestamp
// after which the quote must not be used. Calldata holds the full router
// payload for policy inspection and is never serialized; only the truncated
// preview may appear in responses, logs or artifacts.
type Quote struct {
	Aggregator      string `json:"aggregator"`
	RouterAddress   string `json:"router_address"`
	BuyAmount       string `json:"buy_amount"`
	PriceImpactBps  int    `json:"price_impact_bps"`
	SlippageBps     int    `json:"slippage_bps"`
	FeeBps          int    `json:"fee_bps"`
	GasEstimate     int64  `json:"gas_estimate"`
	GasPriceWei     string `json:"gas_price_wei"`
	Calldata        string `json:"-"`
	CalldataPreview string `json:"calldata_preview"`
	ValidTo         int64  `json:"valid_to"`
}

// UnsignedTx is the HITL pause artifact of an approved plan. Nonce is always
// null: this system never learns the owner's on-chain nonce.
type UnsignedTx struct {
	ChainID  int64  `json:"chain_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Data     string `json:"data"`
	Gas      int64  `json:"gas"`
	GasPrice string `json:"gas_price"`
	Nonce    *int64 `json:"nonce"`
}

// Untrusted wraps externally sourced content so downstream consumers and logs
// can structurally distinguish trusted from untrusted material.
type Untrusted struct {
	Content              string `json:"content"`
	Source               string `json:"source"`
	Trusted              bool   `json:"trusted"`
	RequiresHighlighting bool   `json:"requires_highlighting"`
}

// MarkUntrusted produces the explicit low-trust wrapper for external content.
func MarkUntrusted(content, source string) Untrusted {
	return Untrusted{
		Content:              content,
		Source:               source,
		Trusted:              false,
		RequiresHighlighting: true,
	}
}

// TruncateCalldata shortens raw calldata to a safe display preview: first ten
// characters, an ellipsis, then the last six.
func TruncateCalldata(data string) string {
	if len(data) <= 19 {
		return data
	}
	return data[:10] + "..." + data[len(data)-6:]
}

// sameAddress compares two hex addresses ignoring checksum casing.
func sameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// SameAddress reports whether two hex addresses refer to the same account,
// ignoring checksum casing.
func SameAddress(a, b string) bool { return sameAddress(a, b) }
