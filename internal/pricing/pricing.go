// Package pricing converts token counts into signed monetary amounts.
//
// All computation is pure decimal arithmetic; nothing here touches storage.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/metering/internal/ledger"
)

// Markup factors applied on top of raw provider cost. Third-party usage
// carries an 18% premium (10% creator share, 8% platform); a creator using
// their own agent pays only the 8% platform fee. Factors are negative so the
// resulting amounts are debits.
var (
	factorUsage     = decimal.RequireFromString("-1.18")
	factorSelfUsage = decimal.RequireFromString("-1.08")

	million = decimal.NewFromInt(1_000_000)
)

// Rates holds cost-per-million-token prices for one model. A nil rate means
// the class is unpriced and contributes zero cost.
type Rates struct {
	InputPerMillion  *decimal.Decimal `json:"cost_per_million_input_tokens"`
	OutputPerMillion *decimal.Decimal `json:"cost_per_million_output_tokens"`
}

// Zero reports whether neither token class carries a price.
func (r Rates) Zero() bool {
	return r.InputPerMillion == nil && r.OutputPerMillion == nil
}

// Cost is the priced outcome of one generation. Input, Output and Total are
// negative (debits) or zero.
type Cost struct {
	Input  decimal.Decimal `json:"input_cost"`
	Output decimal.Decimal `json:"output_cost"`
	Total  decimal.Decimal `json:"total_cost"`
}

// Factor returns the markup multiplier for a usage kind. Non-usage kinds
// have no markup concept and map to the third-party factor defensively
// rejected upstream by the recorder.
func Factor(kind ledger.Kind) decimal.Decimal {
	if kind == ledger.KindSelfUsage {
		return factorSelfUsage
	}
	return factorUsage
}

// Compute prices one generation: cost_class = tokens * rate / 1e6 * factor.
// Absent rates are treated as zero so an unpriced model degrades to free
// usage instead of failing the turn.
func Compute(promptTokens, completionTokens int64, rates Rates, kind ledger.Kind) Cost {
	factor := Factor(kind)
	cost := Cost{
		Input:  classCost(promptTokens, rates.InputPerMillion, factor),
		Output: classCost(completionTokens, rates.OutputPerMillion, factor),
	}
	cost.Total = cost.Input.Add(cost.Output)
	return cost
}

func classCost(tokens int64, rate *decimal.Decimal, factor decimal.Decimal) decimal.Decimal {
	if tokens <= 0 || rate == nil || rate.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(*rate).Div(million).Mul(factor)
}
