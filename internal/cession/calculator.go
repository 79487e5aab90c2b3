package cession

import (
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Compute derives the treaty math for one claim against one contract.
// Pure function, no side effects. All intermediate rounding is floor to
// cents so cascading percentage steps can never overpay a reinsurer.
//
// Attachment point: coverage applies only to the claim layer above it.
// Treaty limit caps the applicable layer before the cession percentage
// is applied.
func Compute(claimAmount decimal.Decimal, terms domain.TreatyTerms, currency string) domain.CessionCalculation {
	applicable := claimAmount
	if terms.AttachmentPoint.IsPositive() {
		applicable = claimAmount.Sub(terms.AttachmentPoint)
		if applicable.IsNegative() {
			applicable = decimal.Zero
		}
	}
	if terms.Limit.IsPositive() && applicable.GreaterThan(terms.Limit) {
		applicable = terms.Limit
	}

	gross := applicable.Mul(terms.CessionPercentage).Div(hundred).RoundFloor(2)
	commission := gross.Mul(terms.CommissionRate).Div(hundred).RoundFloor(2)
	net := gross.Sub(commission)
	retained := applicable.Sub(gross)

	return domain.CessionCalculation{
		ApplicableAmount:   applicable,
		GrossCessionAmount: gross,
		CessionPercentage:  terms.CessionPercentage,
		CommissionAmount:   commission,
		NetCessionAmount:   net,
		RetainedAmount:     retained,
		Currency:           currency,
	}
}
