package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CessionStatus is the cession transaction state machine discriminator.
type CessionStatus string

const (
	CessionStatusInitiated CessionStatus = "INITIATED"
	CessionStatusExecuting CessionStatus = "EXECUTING"
	CessionStatusCompleted CessionStatus = "COMPLETED"
	CessionStatusFailed    CessionStatus = "FAILED"
	CessionStatusSkipped   CessionStatus = "SKIPPED"
	CessionStatusDisputed  CessionStatus = "DISPUTED"
	CessionStatusReversed  CessionStatus = "REVERSED"
)

// CessionType distinguishes what flow produced the cession.
type CessionType string

const (
	CessionTypeClaimRecovery  CessionType = "claim_recovery"
	CessionTypePremiumCession CessionType = "premium_cession"
)

// CessionCalculation holds the treaty math for one cession.
// Invariants: NetCessionAmount = GrossCessionAmount − CommissionAmount,
// RetainedAmount = ApplicableAmount − GrossCessionAmount, all ≥ 0.
type CessionCalculation struct {
	ApplicableAmount   decimal.Decimal
	GrossCessionAmount decimal.Decimal
	CessionPercentage  decimal.Decimal
	CommissionAmount   decimal.Decimal
	NetCessionAmount   decimal.Decimal
	RetainedAmount     decimal.Decimal
	Currency           string
}

// ValidationChecks records per-concern validation outcomes on the
// cession record. A failing check does not drop the record; the
// cession fails at execution instead, keeping the audit trail.
type ValidationChecks struct {
	Contract   bool
	Amount     bool
	Limit      bool
	Wallet     bool
	Regulatory bool
	Fraud      bool
}

// Passed reports whether every check cleared.
func (v ValidationChecks) Passed() bool {
	return v.Contract && v.Amount && v.Limit && v.Wallet && v.Regulatory && v.Fraud
}

// CessionTransaction is one reinsurance settlement against one contract
// for one claim. Mutated only by the cession engine; terminal states are
// immutable except for dispute resolution fields.
type CessionTransaction struct {
	CessionID   uuid.UUID
	ContractID  string
	ReinsurerID string
	PolicyID    string
	PayoutID    string

	Type   CessionType
	Status CessionStatus

	Calculation CessionCalculation
	Checks      ValidationChecks

	ReinsurerWalletAddress string
	LedgerTxRef            string
	FailureMsg             string

	InitiatedAt time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
}
