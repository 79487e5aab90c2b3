package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is the payout transaction state machine discriminator.
type PayoutStatus string

const (
	PayoutStatusInitiated         PayoutStatus = "INITIATED"
	PayoutStatusLiquidityReserved PayoutStatus = "LIQUIDITY_RESERVED"
	PayoutStatusExecuting         PayoutStatus = "EXECUTING"
	PayoutStatusCompleted         PayoutStatus = "COMPLETED"
	PayoutStatusFailed            PayoutStatus = "FAILED"
)

// FailureReason is the coded reason attached to a FAILED payout.
type FailureReason string

const (
	FailureReasonNone                   FailureReason = ""
	FailureReasonValidationError        FailureReason = "VALIDATION_ERROR"
	FailureReasonWalletValidation       FailureReason = "WALLET_VALIDATION_FAILED"
	FailureReasonInsufficientLiquidity  FailureReason = "INSUFFICIENT_LIQUIDITY"
	FailureReasonPoolNotFound           FailureReason = "POOL_NOT_FOUND"
	FailureReasonLedgerTransactionError FailureReason = "LEDGER_TRANSACTION_FAILED"
	FailureReasonMaxRetriesExceeded     FailureReason = "MAX_RETRIES_EXCEEDED"
)

// Retryable reports whether a failure class permits automatic retry.
// Business-rule failures require external remediation first; only
// transient infrastructure failures are auto-retryable.
func (r FailureReason) Retryable() bool {
	return r == FailureReasonLedgerTransactionError
}

// FeeBreakdown is the fee structure applied to a payout.
// NetPayout + TotalFees must always equal the gross payout amount.
type FeeBreakdown struct {
	NetworkFee    decimal.Decimal
	ProcessingFee decimal.Decimal
	TotalFees     decimal.Decimal
	NetPayout     decimal.Decimal
}

// LiquidityRef links a payout to the hold it placed against a pool.
type LiquidityRef struct {
	PoolID         string
	ReservationID  uuid.UUID
	ReservedAmount decimal.Decimal
}

// PayoutTransaction is one payout request and its full audit trail.
// Created INITIATED before any side effect, mutated exclusively by the
// orchestrator, never deleted. A FAILED transaction is retried in place
// (same TransactionID, incremented CurrentRetry), not as a new entity.
type PayoutTransaction struct {
	TransactionID uuid.UUID
	PolicyID      string
	TriggerID     string
	PayoutID      string

	BeneficiaryAccountID     string
	BeneficiaryWalletAddress string

	PayoutAmount decimal.Decimal
	Currency     string

	Status        PayoutStatus
	FailureReason FailureReason
	FailureMsg    string

	Liquidity *LiquidityRef
	Fees      FeeBreakdown

	// Ledger transfer outcome
	LedgerTxRef            string
	ConsensusTimestamp     time.Time
	FinalityConfirmations  int64
	PendingReconciliation  bool

	InitiatedAt         time.Time
	FailedAt            *time.Time
	CompletedAt         *time.Time
	FinalityConfirmedAt *time.Time

	CurrentRetry int
	MaxRetries   int
}

// Terminal reports whether the transaction reached a terminal status.
func (p *PayoutTransaction) Terminal() bool {
	return p.Status == PayoutStatusCompleted || p.Status == PayoutStatusFailed
}

// MarkFailed records a terminal failure with a coded reason. The
// failure time anchors the retry backoff window.
func (p *PayoutTransaction) MarkFailed(reason FailureReason, msg string, at time.Time) {
	p.Status = PayoutStatusFailed
	p.FailureReason = reason
	p.FailureMsg = msg
	p.FailedAt = &at
}
