package payout

import (
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ComputeFees derives the fee breakdown for a gross payout amount.
// Processing fee is a percentage of the gross, floored to cents so the
// beneficiary is never short-changed by rounding; network fee is flat.
// NetPayout + TotalFees always equals the gross amount.
func ComputeFees(amount, networkFee, processingFeeRate decimal.Decimal) domain.FeeBreakdown {
	processing := amount.Mul(processingFeeRate).Div(hundred).RoundFloor(2)
	total := networkFee.Add(processing)
	return domain.FeeBreakdown{
		NetworkFee:    networkFee,
		ProcessingFee: processing,
		TotalFees:     total,
		NetPayout:     amount.Sub(total),
	}
}
