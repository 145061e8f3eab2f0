// Package pricing computes the cost of an LLM call and applies the debit
// policy: USDC first, SOL as fallback at the configured exchange rate.
package pricing

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Rate prices one model, in micro-USDC per 1000 tokens.
type Rate struct {
	InputPer1K  int64 `json:"input"`
	OutputPer1K int64 `json:"output"`
}

// Usage is the token consumption of a single upstream call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Table maps model identifiers to rates. Unknown models fall back to
// DefaultRate.
var Table = map[string]Rate{
	"claude-sonnet-4-5-20250929": {InputPer1K: 3000, OutputPer1K: 15000},
	"claude-opus-4-6":            {InputPer1K: 15000, OutputPer1K: 75000},
	"claude-3-5-haiku-20241022":  {InputPer1K: 800, OutputPer1K: 4000},
	"gpt-4o":                     {InputPer1K: 2500, OutputPer1K: 10000},

	// Legacy aliases still seen from older clients.
	"gpt-5.2":         {InputPer1K: 1500, OutputPer1K: 4500},
	"claude-4.5-opus": {InputPer1K: 3000, OutputPer1K: 15000},
}

// DefaultRate applies to models absent from Table.
var DefaultRate = Rate{InputPer1K: 5000, OutputPer1K: 15000}

// RateFor returns the rate for model, falling back to DefaultRate.
func RateFor(model string) Rate {
	if r, ok := Table[model]; ok {
		return r
	}
	return DefaultRate
}

// CostUSDC returns the cost of usage under model in micro-USDC. The division
// floors once, after summing both components.
func CostUSDC(usage Usage, model string) int64 {
	r := RateFor(model)
	return (usage.InputTokens*r.InputPer1K + usage.OutputTokens*r.OutputPer1K) / 1000
}

// DebitStore is the slice of the ledger the engine needs.
type DebitStore interface {
	DebitIfSufficient(pubkey, mint string, amount int64, txType, usageJSON string) (bool, error)
	GetExchangeRate(mint string) (float64, error)
}

// Engine applies debits to the ledger under the USDC-first policy.
type Engine struct {
	store    DebitStore
	usdcMint string
	solMint  string
	log      *zap.Logger
}

// NewEngine builds a debit engine over store.
func NewEngine(store DebitStore, usdcMint, solMint string, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		usdcMint: usdcMint,
		solMint:  solMint,
		log:      log.With(zap.String("component", "pricing")),
	}
}

// DebitAgent charges costUSDC micro-USDC to pubkey: from the USDC balance if
// it covers the full amount, otherwise from SOL at the ledger's SOL/USDC rate
// (ceil, in lamports). Returns the mint that was debited, or "" when neither
// balance suffices. A non-positive SOL rate disables the fallback.
func (e *Engine) DebitAgent(pubkey string, costUSDC int64, usageJSON string) (string, error) {
	if costUSDC <= 0 {
		return "", nil
	}

	ok, err := e.store.DebitIfSufficient(pubkey, e.usdcMint, costUSDC, "DEBIT", usageJSON)
	if err != nil {
		return "", errors.Wrap(err, "usdc debit failed")
	}
	if ok {
		e.log.Debug("debited usdc",
			zap.String("pubkey", pubkey),
			zap.Int64("cost_usdc", costUSDC))
		return e.usdcMint, nil
	}

	rate, err := e.store.GetExchangeRate(e.solMint)
	if err != nil {
		return "", errors.Wrap(err, "failed to read sol rate")
	}
	if rate <= 0 {
		return "", nil
	}

	// micro-USDC → lamports: cost/1e6 USD ÷ rate USD/SOL × 1e9 lamports/SOL.
	costSOL := int64(math.Ceil(float64(costUSDC) * 1000 / rate))
	ok, err = e.store.DebitIfSufficient(pubkey, e.solMint, costSOL, "DEBIT", usageJSON)
	if err != nil {
		return "", errors.Wrap(err, "sol debit failed")
	}
	if ok {
		e.log.Debug("debited sol fallback",
			zap.String("pubkey", pubkey),
			zap.Int64("cost_usdc", costUSDC),
			zap.Int64("cost_lamports", costSOL))
		return e.solMint, nil
	}
	return "", nil
}
