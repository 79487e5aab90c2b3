package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractStatus is the reinsurance contract lifecycle discriminator.
type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "ACTIVE"
	ContractStatusSuspended ContractStatus = "SUSPENDED"
	ContractStatusExpired   ContractStatus = "EXPIRED"
)

// TreatyTerms defines how much of a claim a treaty cedes and on what
// commercial terms. Percentages are expressed 0–100.
type TreatyTerms struct {
	CessionPercentage decimal.Decimal
	AttachmentPoint   decimal.Decimal
	Limit             decimal.Decimal // zero means no per-claim limit
	CommissionRate    decimal.Decimal
}

// RiskLimits caps the exposure a reinsurer accepts per risk.
type RiskLimits struct {
	MaxSingleRisk decimal.Decimal
}

// ReinsurerContract is read-only configuration supplied by the contract
// registry. The cession engine works against an immutable snapshot per
// calculation; concurrent contract edits never retroactively affect
// in-flight cessions.
type ReinsurerContract struct {
	ContractID  string
	ReinsurerID string

	Status         ContractStatus
	EffectiveDate  time.Time
	ExpirationDate time.Time

	Terms  TreatyTerms
	Limits RiskLimits

	ReinsurerWalletAddress string
}

// CoversAt reports whether the contract can accept a claim of the given
// size at the given instant.
func (c *ReinsurerContract) CoversAt(now time.Time, claimAmount decimal.Decimal) bool {
	if c.Status != ContractStatusActive {
		return false
	}
	if now.Before(c.EffectiveDate) || now.After(c.ExpirationDate) {
		return false
	}
	return c.Limits.MaxSingleRisk.GreaterThanOrEqual(claimAmount)
}
