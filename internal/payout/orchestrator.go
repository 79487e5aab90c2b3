// Package payout drives a triggered claim through the settlement state
// machine: validation, liquidity reservation, ledger transfer, finality
// confirmation and completion, with guaranteed reservation cleanup on
// every failure path.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/gateway"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/liquidity"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
)

var (
	// ErrValidation rejects malformed requests before any record exists.
	ErrValidation = errors.New("invalid payout request")

	// ErrNotFound means no payout transaction has the given identifier.
	ErrNotFound = errors.New("payout transaction not found")

	// ErrNotRetryable means the transaction is not in a retryable state.
	ErrNotRetryable = errors.New("payout not retryable")

	// ErrRetryBackoff means the backoff window since the last failure
	// has not elapsed yet.
	ErrRetryBackoff = errors.New("retry backoff not elapsed")

	// ErrMaxRetriesExceeded means the retry budget is spent.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Store persists payout transactions, queried by business identifier.
type Store interface {
	SavePayout(ctx context.Context, p *domain.PayoutTransaction) error
	UpdatePayout(ctx context.Context, p *domain.PayoutTransaction) error
	GetPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error)
}

// CessionProcessor receives the settled claim once a payout completes.
type CessionProcessor interface {
	ProcessAutomatedCession(ctx context.Context, policyID string, claimAmount decimal.Decimal, payoutID string) ([]*domain.CessionTransaction, error)
}

// Request carries a trigger confirmation into the orchestrator.
type Request struct {
	PolicyID             string
	TriggerID            string
	PayoutID             string
	BeneficiaryAccountID string
	PoolID               string
	Amount               decimal.Decimal
	Currency             string
}

// Validate checks input shape before any record is created.
func (r Request) Validate() error {
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, r.Amount)
	}
	for name, v := range map[string]string{
		"policy_id":              r.PolicyID,
		"trigger_id":             r.TriggerID,
		"payout_id":              r.PayoutID,
		"beneficiary_account_id": r.BeneficiaryAccountID,
		"pool_id":                r.PoolID,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, name)
		}
	}
	return nil
}

// Config tunes the orchestrator.
type Config struct {
	// OperatorAccountID is the pool-side ledger account payouts are
	// paid from.
	OperatorAccountID string

	// NetworkFee is the flat per-transfer fee charged to the payout.
	NetworkFee decimal.Decimal
	// ProcessingFeeRate is the platform fee percentage (0-100).
	ProcessingFeeRate decimal.Decimal

	// FinalityThreshold is the confirmation count below which a
	// transfer is not yet irreversible.
	FinalityThreshold int64
	// FinalityPollInterval spaces the confirmation polls.
	FinalityPollInterval time.Duration
	// FinalityWindow bounds how long a transfer may stay unconfirmed
	// before it is handed to reconciliation instead of being silently
	// completed.
	FinalityWindow time.Duration

	MaxRetries        int
	RetryBackoff      time.Duration
	BackoffMultiplier int
}

func DefaultConfig() Config {
	return Config{
		NetworkFee:           decimal.Zero,
		ProcessingFeeRate:    decimal.Zero,
		FinalityThreshold:    5000,
		FinalityPollInterval: 2 * time.Second,
		FinalityWindow:       2 * time.Minute,
		MaxRetries:           3,
		RetryBackoff:         30 * time.Second,
		BackoffMultiplier:    2,
	}
}

// Orchestrator owns every PayoutTransaction mutation.
type Orchestrator struct {
	store     Store
	liquidity *liquidity.Ledger
	ledger    gateway.LedgerGateway
	wallets   registry.WalletRegistry
	cessions  CessionProcessor
	sink      event.Sink
	cfg       Config
	log       zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewOrchestrator(
	store Store,
	liq *liquidity.Ledger,
	ledger gateway.LedgerGateway,
	wallets registry.WalletRegistry,
	cessions CessionProcessor,
	sink event.Sink,
	cfg Config,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if sink == nil {
		sink = event.NopSink{}
	}
	if cfg.FinalityPollInterval <= 0 {
		cfg.FinalityPollInterval = DefaultConfig().FinalityPollInterval
	}
	if cfg.FinalityWindow <= 0 {
		cfg.FinalityWindow = DefaultConfig().FinalityWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	return &Orchestrator{
		store:     store,
		liquidity: liq,
		ledger:    ledger,
		wallets:   wallets,
		cessions:  cessions,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// RequestPayout accepts a trigger confirmation and drives it to a
// terminal status. The INITIATED record is durable before any side
// effect so retries and audit always have a base entity. Expected
// business failures come back as a FAILED transaction, not an error.
func (o *Orchestrator) RequestPayout(ctx context.Context, req Request) (*domain.PayoutTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx := &domain.PayoutTransaction{
		TransactionID:        uuid.New(),
		PolicyID:             req.PolicyID,
		TriggerID:            req.TriggerID,
		PayoutID:             req.PayoutID,
		BeneficiaryAccountID: req.BeneficiaryAccountID,
		PayoutAmount:         req.Amount,
		Currency:             req.Currency,
		Status:               domain.PayoutStatusInitiated,
		Liquidity:            &domain.LiquidityRef{PoolID: req.PoolID},
		InitiatedAt:          o.now(),
		MaxRetries:           o.cfg.MaxRetries,
	}

	if err := o.store.SavePayout(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist initiated payout: %w", err)
	}

	if o.metrics != nil {
		o.metrics.PayoutsStarted.Inc()
	}
	evt := event.New(event.TypePayoutInitiated, tx.TransactionID.String(), tx.PayoutAmount, tx.InitiatedAt)
	evt.PolicyID = tx.PolicyID
	evt.PayoutID = tx.PayoutID
	evt.PoolID = req.PoolID
	evt.Currency = tx.Currency
	o.sink.Emit(evt)

	o.runPipeline(ctx, tx)
	return tx, nil
}

// RetryFailedPayout re-runs the full pipeline for a FAILED transaction.
// Only valid while currentRetry < maxRetries, only for failure reasons
// classed retryable, and only after the exponential backoff window
// since the failure has elapsed. The backoff is an eligibility check,
// not a sleep: callers arrive through a request handler and get an
// immediate answer either way. The retry executes the whole pipeline
// from wallet validation, never resuming mid-stream.
func (o *Orchestrator) RetryFailedPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error) {
	tx, err := o.store.GetPayout(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load payout: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
	}
	if tx.Status != domain.PayoutStatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, tx.Status)
	}
	if !tx.FailureReason.Retryable() {
		return nil, fmt.Errorf("%w: %s requires manual remediation", ErrNotRetryable, tx.FailureReason)
	}
	if tx.CurrentRetry >= tx.MaxRetries {
		return nil, fmt.Errorf("%w: %d attempts used", ErrMaxRetriesExceeded, tx.CurrentRetry)
	}

	// Exponential backoff, enforced as minimum elapsed time since the
	// last failure.
	delay := o.cfg.RetryBackoff
	for i := 0; i < tx.CurrentRetry; i++ {
		delay *= time.Duration(o.cfg.BackoffMultiplier)
	}
	if tx.FailedAt != nil {
		if remaining := delay - o.now().Sub(*tx.FailedAt); remaining > 0 {
			return nil, fmt.Errorf("%w: next attempt allowed in %s", ErrRetryBackoff, remaining)
		}
	}

	tx.CurrentRetry++
	if o.metrics != nil {
		o.metrics.PayoutRetries.Inc()
	}

	tx.Status = domain.PayoutStatusInitiated
	tx.FailureReason = domain.FailureReasonNone
	tx.FailureMsg = ""
	tx.FailedAt = nil
	if err := o.store.UpdatePayout(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist retry attempt: %w", err)
	}

	o.runPipeline(ctx, tx)
	return tx, nil
}

// runPipeline executes steps wallet-validate → reserve → transfer →
// finality → complete. Terminal business failures are recorded on the
// transaction; the pipeline never panics through with a held
// reservation.
func (o *Orchestrator) runPipeline(ctx context.Context, tx *domain.PayoutTransaction) {
	start := o.now()
	poolID := tx.Liquidity.PoolID

	// Step 1: beneficiary wallet. Any failure is terminal; manual
	// wallet re-registration is required before a retry makes sense.
	wallet, err := o.wallets.ValidateWallet(ctx, tx.BeneficiaryAccountID)
	if err != nil {
		o.fail(ctx, tx, domain.FailureReasonWalletValidation, fmt.Sprintf("wallet registry: %v", err))
		o.finish(tx, start)
		return
	}
	if !wallet.IsValid {
		o.fail(ctx, tx, domain.FailureReasonWalletValidation, wallet.Reason)
		o.finish(tx, start)
		return
	}
	tx.BeneficiaryWalletAddress = wallet.WalletAddress

	// Step 2: advisory liquidity check, then the authoritative
	// reserve. A check that passes but a reserve that loses the race
	// still surfaces as INSUFFICIENT_LIQUIDITY.
	sufficient, available, err := o.liquidity.CheckLiquidity(poolID, tx.PayoutAmount)
	if err != nil {
		o.fail(ctx, tx, domain.FailureReasonPoolNotFound, err.Error())
		o.finish(tx, start)
		return
	}
	if !sufficient {
		o.fail(ctx, tx, domain.FailureReasonInsufficientLiquidity,
			fmt.Sprintf("pool %s has %s available, need %s", poolID, available, tx.PayoutAmount))
		o.finish(tx, start)
		return
	}

	res, err := o.liquidity.Reserve(ctx, poolID, tx.PayoutAmount, tx.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, liquidity.ErrInsufficientLiquidity):
			o.fail(ctx, tx, domain.FailureReasonInsufficientLiquidity, err.Error())
		case errors.Is(err, liquidity.ErrPoolNotFound):
			o.fail(ctx, tx, domain.FailureReasonPoolNotFound, err.Error())
		default:
			o.fail(ctx, tx, domain.FailureReasonLedgerTransactionError, err.Error())
		}
		o.finish(tx, start)
		return
	}

	tx.Liquidity.ReservationID = res.ReservationID
	tx.Liquidity.ReservedAmount = res.ReservedAmount
	tx.Status = domain.PayoutStatusLiquidityReserved
	o.persist(ctx, tx)

	// Guaranteed cleanup: whatever exit path follows, the hold cannot
	// leak. Release is idempotent, so the COMPLETED path's
	// utilized-release makes this a no-op; the reconciliation path
	// keeps the hold alive on purpose until an operator resolves it.
	defer func() {
		if tx.PendingReconciliation {
			return
		}
		if err := o.liquidity.Release(context.WithoutCancel(ctx), res.ReservationID, false); err != nil {
			o.log.Error().Err(err).
				Str("reservation_id", res.ReservationID.String()).
				Msg("reservation cleanup failed")
		}
	}()

	// Step 3: ledger transfer, outside any pool critical section. The
	// transaction ID rides in the memo as the idempotency token.
	tx.Fees = ComputeFees(tx.PayoutAmount, o.cfg.NetworkFee, o.cfg.ProcessingFeeRate)
	if tx.Fees.NetPayout.IsNegative() {
		o.fail(ctx, tx, domain.FailureReasonValidationError,
			fmt.Sprintf("fees %s exceed payout %s", tx.Fees.TotalFees, tx.PayoutAmount))
		o.finish(tx, start)
		return
	}

	tx.Status = domain.PayoutStatusExecuting
	o.persist(ctx, tx)

	transferStart := o.now()
	result, err := o.ledger.Transfer(ctx, gateway.TransferRequest{
		Amount:      tx.Fees.NetPayout,
		FromAccount: o.cfg.OperatorAccountID,
		ToAddress:   tx.BeneficiaryWalletAddress,
		Memo:        tx.TransactionID.String(),
	})
	if o.metrics != nil {
		o.metrics.TransferDuration.Observe(o.now().Sub(transferStart).Seconds())
	}
	if err != nil {
		class := "rejected"
		if gateway.IsTransient(err) {
			class = "transient"
		}
		if o.metrics != nil {
			o.metrics.TransferFailures.WithLabelValues(class).Inc()
		}
		o.fail(ctx, tx, domain.FailureReasonLedgerTransactionError, err.Error())
		o.finish(tx, start)
		return
	}

	tx.LedgerTxRef = result.TxRef
	tx.ConsensusTimestamp = result.ConsensusTimestamp
	tx.FinalityConfirmations = result.FinalityConfirmations
	o.persist(ctx, tx)

	// Step 4: finality. Below the threshold the transfer is still
	// reversible; poll until confirmed or the window closes. A window
	// timeout is reported for reconciliation, never silently resolved.
	if !o.awaitFinality(ctx, tx) {
		tx.PendingReconciliation = true
		o.persist(ctx, tx)
		// Pin the hold: its capital may already have left the pool, so
		// neither the deferred cleanup nor the TTL sweeper may return
		// it to available before an operator resolves the transfer.
		if err := o.liquidity.HoldForReconciliation(context.WithoutCancel(ctx), res.ReservationID); err != nil {
			o.log.Error().Err(err).
				Str("reservation_id", res.ReservationID.String()).
				Msg("reconciliation pin failed")
		}
		if o.metrics != nil {
			o.metrics.FinalityTimeouts.Inc()
			o.metrics.PayoutsReconcile.Inc()
		}
		o.log.Warn().
			Str("transaction_id", tx.TransactionID.String()).
			Str("ledger_ref", tx.LedgerTxRef).
			Int64("confirmations", tx.FinalityConfirmations).
			Msg("finality window elapsed, payout left EXECUTING for reconciliation")
		return
	}

	// Step 5: completion. The hold converts into a permanent debit.
	confirmedAt := o.now()
	tx.FinalityConfirmedAt = &confirmedAt
	if err := o.liquidity.Release(ctx, res.ReservationID, true); err != nil {
		o.fail(ctx, tx, domain.FailureReasonLedgerTransactionError,
			fmt.Sprintf("utilize reservation: %v", err))
		o.finish(tx, start)
		return
	}

	completedAt := o.now()
	tx.Status = domain.PayoutStatusCompleted
	tx.CompletedAt = &completedAt
	o.persist(ctx, tx)

	if o.metrics != nil {
		o.metrics.PayoutsCompleted.Inc()
	}
	evt := event.New(event.TypePayoutCompleted, tx.TransactionID.String(), tx.PayoutAmount, completedAt)
	evt.PolicyID = tx.PolicyID
	evt.PayoutID = tx.PayoutID
	evt.PoolID = poolID
	evt.Currency = tx.Currency
	evt.LedgerRef = tx.LedgerTxRef
	o.sink.Emit(evt)
	o.finish(tx, start)

	// Step 6: hand the settled claim to the cession engine. Cession
	// outcomes are reported independently and never unwind the payout.
	if o.cessions != nil {
		if _, err := o.cessions.ProcessAutomatedCession(ctx, tx.PolicyID, tx.PayoutAmount, tx.PayoutID); err != nil {
			o.log.Error().Err(err).
				Str("policy_id", tx.PolicyID).
				Str("payout_id", tx.PayoutID).
				Msg("automated cession processing failed")
		}
	}
}

// awaitFinality polls confirmations until the threshold is reached or
// the window closes. Returns true once the transfer is irreversible.
func (o *Orchestrator) awaitFinality(ctx context.Context, tx *domain.PayoutTransaction) bool {
	if tx.FinalityConfirmations >= o.cfg.FinalityThreshold {
		return true
	}

	waitStart := o.now()
	deadline := waitStart.Add(o.cfg.FinalityWindow)
	ticker := time.NewTicker(o.cfg.FinalityPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if o.now().After(deadline) {
				return false
			}
			confs, err := o.ledger.Confirmations(ctx, tx.LedgerTxRef)
			if err != nil {
				o.log.Warn().Err(err).Str("ledger_ref", tx.LedgerTxRef).Msg("confirmation poll failed")
				continue
			}
			tx.FinalityConfirmations = confs
			if confs >= o.cfg.FinalityThreshold {
				if o.metrics != nil {
					o.metrics.FinalityWaits.Observe(o.now().Sub(waitStart).Seconds())
				}
				return true
			}
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, tx *domain.PayoutTransaction, reason domain.FailureReason, msg string) {
	tx.MarkFailed(reason, msg, o.now())
	o.persist(ctx, tx)

	if o.metrics != nil {
		o.metrics.PayoutsFailed.WithLabelValues(string(reason)).Inc()
	}
	evt := event.New(event.TypePayoutFailed, tx.TransactionID.String(), tx.PayoutAmount, o.now())
	evt.PolicyID = tx.PolicyID
	evt.PayoutID = tx.PayoutID
	evt.PoolID = tx.Liquidity.PoolID
	evt.Currency = tx.Currency
	evt.Reason = string(reason)
	o.sink.Emit(evt)

	o.log.Warn().
		Str("transaction_id", tx.TransactionID.String()).
		Str("reason", string(reason)).
		Str("msg", msg).
		Msg("payout failed")
}

func (o *Orchestrator) persist(ctx context.Context, tx *domain.PayoutTransaction) {
	if err := o.store.UpdatePayout(ctx, tx); err != nil {
		o.log.Error().Err(err).
			Str("transaction_id", tx.TransactionID.String()).
			Msg("payout state not persisted")
		if o.metrics != nil {
			o.metrics.StoreErrors.WithLabelValues("payout").Inc()
		}
	}
}

func (o *Orchestrator) finish(tx *domain.PayoutTransaction, start time.Time) {
	if o.metrics != nil {
		o.metrics.PayoutDuration.Observe(o.now().Sub(start).Seconds())
	}
}
