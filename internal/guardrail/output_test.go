package guardrail

import (
	"strings"
	"testing"
	"time"

	xerrors "SwapSentinel/internal/errors"
	"SwapSentinel/internal/llm"
	"SwapSentinel/internal/swap"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestOutput() *Output {
	return NewOutput(OutputConfig{
		MaxSlippageBps: 1000,
		Now:            func() time.Time { return fixedNow },
	})
}

func validResult() *llm.Result {
	return &llm.Result{
		Intent: &swap.Intent{
			ChainID:    1,
			SellToken:  "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
			BuyToken:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
			SellAmount: "1500000000000000000",
		},
		Reasoning:  "user wants to swap 1.5 ETH for USDT",
		Confidence: llm.ConfidenceHigh,
	}
}

func validQuote() *swap.Quote {
	return &swap.Quote{
		Aggregator:      "static",
		RouterAddress:   "0x1111111254EEB25477B68fb85Ed929f73A960582",
		BuyAmount:       "4500000000",
		PriceImpactBps:  12,
		SlippageBps:     50,
		GasEstimate:     210000,
		GasPriceWei:     "25000000000",
		CalldataPreview: "0x12345678...abcdef",
		ValidTo:         fixedNow.Unix() + 60,
	}
}

func TestValidatePlanOutputAcceptsWellFormedResult(t *testing.T) {
	g := newTestOutput()
	if err := g.ValidatePlanOutput(validResult()); err != nil {
		t.Fatalf("well-formed result rejected: %v", err)
	}
}

func TestValidatePlanOutputRejectsStructuralViolations(t *testing.T) {
	g := newTestOutput()

	cases := []struct {
		name   string
		mutate func(*llm.Result) *llm.Result
	}{
		{"nil result", func(*llm.Result) *llm.Result { return nil }},
		{"missing intent", func(r *llm.Result) *llm.Result { r.Intent = nil; return r }},
		{"missing reasoning", func(r *llm.Result) *llm.Result { r.Reasoning = "  "; return r }},
		{"bad chain id", func(r *llm.Result) *llm.Result { r.Intent.ChainID = 0; return r }},
		{"bad sell token", func(r *llm.Result) *llm.Result { r.Intent.SellToken = "ETH"; return r }},
		{"zero amount", func(r *llm.Result) *llm.Result { r.Intent.SellAmount = "0"; return r }},
		{"decimal amount", func(r *llm.Result) *llm.Result { r.Intent.SellAmount = "1.5"; return r }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.ValidatePlanOutput(tc.mutate(validResult()))
			if err == nil {
				t.Fatalf("expected contract violation")
			}
			if xerrors.CodeOf(err) != xerrors.CodeOutputContractViolation {
				t.Fatalf("expected OUTPUT_CONTRACT_VIOLATION, got %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestValidatePlanOutputRejectsForbiddenActions(t *testing.T) {
	g := newTestOutput()

	for _, action := range []string{
		"broadcast_transaction", "sign_transaction", "transfer_funds", "approve_unlimited",
	} {
		t.Run(action, func(t *testing.T) {
			result := validResult()
			result.Raw = `{"next_step": "` + action + `"}`
			err := g.ValidatePlanOutput(result)
			if err == nil {
				t.Fatalf("expected rejection for forbidden action %q", action)
			}
			typed, ok := xerrors.From(err)
			if !ok || typed.Metadata()["action"] != action {
				t.Fatalf("expected action %q in metadata, got %v", action, err)
			}
		})
	}
}

func TestValidatePlanOutputRejectsTxHashLeak(t *testing.T) {
	g := newTestOutput()

	result := validResult()
	result.Reasoning = "swap queued, tx_hash will follow"
	if err := g.ValidatePlanOutput(result); err == nil {
		t.Fatalf("expected rejection for tx hash marker")
	}

	result = validResult()
	result.Raw = "0x" + strings.Repeat("ab", 32)
	if err := g.ValidatePlanOutput(result); err == nil {
		t.Fatalf("expected rejection for tx hash value")
	}
}

func TestValidateQuoteAcceptsWellFormedQuote(t *testing.T) {
	g := newTestOutput()
	if err := g.ValidateQuote(validQuote()); err != nil {
		t.Fatalf("well-formed quote rejected: %v", err)
	}
}

func TestValidateQuoteRejectsMalformedQuotes(t *testing.T) {
	g := newTestOutput()

	cases := []struct {
		name   string
		mutate func(*swap.Quote) *swap.Quote
	}{
		{"nil quote", func(*swap.Quote) *swap.Quote { return nil }},
		{"bad router", func(q *swap.Quote) *swap.Quote { q.RouterAddress = "not-an-address"; return q }},
		{"zero buy amount", func(q *swap.Quote) *swap.Quote { q.BuyAmount = "0"; return q }},
		{"empty calldata", func(q *swap.Quote) *swap.Quote { q.CalldataPreview = ""; return q }},
		{"negative slippage", func(q *swap.Quote) *swap.Quote { q.SlippageBps = -1; return q }},
		{"bad gas price", func(q *swap.Quote) *swap.Quote { q.GasPriceWei = "fast"; return q }},
		{"expired", func(q *swap.Quote) *swap.Quote { q.ValidTo = fixedNow.Unix() - 1; return q }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.ValidateQuote(tc.mutate(validQuote()))
			if err == nil {
				t.Fatalf("expected contract violation")
			}
			if xerrors.CodeOf(err) != xerrors.CodeOutputContractViolation {
				t.Fatalf("expected OUTPUT_CONTRACT_VIOLATION, got %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestValidateQuoteSlippageCeilingIsIndependent(t *testing.T) {
	g := newTestOutput()

	// Slippage over the ceiling is rejected no matter what the rest of the
	// quote looks like.
	variants := []func(*swap.Quote){
		func(q *swap.Quote) {},
		func(q *swap.Quote) { q.RouterAddress = "0xDef1C0ded9bec7F1a1670819833240f027b25EfF" },
		func(q *swap.Quote) { q.BuyAmount = "1"; q.GasEstimate = 1 },
		func(q *swap.Quote) { q.GasPriceWei = ""; q.ValidTo = 0 },
	}
	for i, variant := range variants {
		quote := validQuote()
		quote.SlippageBps = 1001
		variant(quote)
		if err := g.ValidateQuote(quote); err == nil {
			t.Fatalf("variant %d: slippage over ceiling must always be rejected", i)
		}
	}

	quote := validQuote()
	quote.SlippageBps = 1000
	if err := g.ValidateQuote(quote); err != nil {
		t.Fatalf("slippage at ceiling must pass: %v", err)
	}
}

func TestMarkUntrustedWrapsContent(t *testing.T) {
	g := newTestOutput()
	wrapped := g.MarkUntrusted("quote payload", "aggregator:1inch")
	if wrapped.Trusted {
		t.Fatalf("external content must never be marked trusted")
	}
	if !wrapped.RequiresHighlighting {
		t.Fatalf("external content must require highlighting")
	}
	if wrapped.Content != "quote payload" || wrapped.Source != "aggregator:1inch" {
		t.Fatalf("wrapper altered content: %+v", wrapped)
	}
}
