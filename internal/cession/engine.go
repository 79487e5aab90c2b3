// Package cession settles completed claims against reinsurance
// treaties: proportional recovery per contract with commission netting,
// executed as one independent settlement per applicable contract.
package cession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/gateway"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
)

// Store persists cession transactions.
type Store interface {
	SaveCession(ctx context.Context, c *domain.CessionTransaction) error
	UpdateCession(ctx context.Context, c *domain.CessionTransaction) error
}

// Config tunes the engine.
type Config struct {
	// OperatorAccountID is the pool-side ledger account cessions are
	// paid from.
	OperatorAccountID string

	// Currency applied to cession calculations.
	Currency string

	// MaxRetries is the number of additional transfer attempts after a
	// transient failure. The source platform never retried cessions;
	// keeping the knob configurable (default 0) preserves that
	// behavior without hard-coding the asymmetry with payout retries.
	MaxRetries int

	// RetryBackoff is the delay before each additional attempt.
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Currency:     "USD",
		MaxRetries:   0,
		RetryBackoff: 5 * time.Second,
	}
}

// Engine drives automated cession settlement.
type Engine struct {
	contracts registry.ContractRegistry
	ledger    gateway.LedgerGateway
	store     Store
	sink      event.Sink
	cfg       Config
	log       zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewEngine(
	contracts registry.ContractRegistry,
	ledger gateway.LedgerGateway,
	store Store,
	sink event.Sink,
	cfg Config,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if sink == nil {
		sink = event.NopSink{}
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultConfig().Currency
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &Engine{
		contracts: contracts,
		ledger:    ledger,
		store:     store,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ProcessAutomatedCession settles a completed claim against every
// applicable treaty. Contracts settle concurrently and independently;
// one contract's failure never aborts its siblings. All outcomes,
// success and failure alike, are returned so the caller can reconcile
// uncovered exposure. Zero applicable contracts is not an error.
func (e *Engine) ProcessAutomatedCession(ctx context.Context, policyID string, claimAmount decimal.Decimal, payoutID string) ([]*domain.CessionTransaction, error) {
	if claimAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("claim amount must be positive, got %s", claimAmount)
	}

	now := e.now()
	contracts, err := e.contracts.ApplicableContracts(ctx, now, claimAmount)
	if err != nil {
		return nil, fmt.Errorf("find applicable contracts: %w", err)
	}

	if len(contracts) == 0 {
		e.log.Warn().
			Str("policy_id", policyID).
			Str("payout_id", payoutID).
			Str("claim_amount", claimAmount.String()).
			Msg("no applicable reinsurance contracts, excess risk uncovered")
		return []*domain.CessionTransaction{}, nil
	}

	results := make([]*domain.CessionTransaction, len(contracts))
	var wg sync.WaitGroup
	for i, contract := range contracts {
		wg.Add(1)
		go func(i int, contract domain.ReinsurerContract) {
			defer wg.Done()
			results[i] = e.settleContract(ctx, policyID, payoutID, claimAmount, contract)
		}(i, contract)
	}
	wg.Wait()

	return results, nil
}

// settleContract runs one contract's settlement: calculate, validate,
// record, transfer. The wallet-validate → calculate → transfer sequence
// within one contract is strictly ordered.
func (e *Engine) settleContract(ctx context.Context, policyID, payoutID string, claimAmount decimal.Decimal, contract domain.ReinsurerContract) *domain.CessionTransaction {
	start := e.now()
	calc := Compute(claimAmount, contract.Terms, e.cfg.Currency)

	c := &domain.CessionTransaction{
		CessionID:              uuid.New(),
		ContractID:             contract.ContractID,
		ReinsurerID:            contract.ReinsurerID,
		PolicyID:               policyID,
		PayoutID:               payoutID,
		Type:                   domain.CessionTypeClaimRecovery,
		Status:                 domain.CessionStatusInitiated,
		Calculation:            calc,
		ReinsurerWalletAddress: contract.ReinsurerWalletAddress,
		InitiatedAt:            start,
	}

	c.Checks = domain.ValidationChecks{
		Contract: contract.CoversAt(start, claimAmount),
		Amount:   calc.NetCessionAmount.IsPositive(),
		Limit:    calc.NetCessionAmount.LessThanOrEqual(contract.Limits.MaxSingleRisk),
		Wallet:   gateway.ValidAccountID(contract.ReinsurerWalletAddress),
		// Regulatory and fraud screening happen upstream before a
		// contract reaches the registry's applicable set.
		Regulatory: true,
		Fraud:      true,
	}

	// The record is created even when validation fails: a failing
	// cession is reported, never silently dropped.
	e.persist(ctx, c, true)
	e.emit(c, event.TypeCessionInitiated, "")

	switch {
	case calc.ApplicableAmount.IsZero() || calc.NetCessionAmount.IsZero():
		// Nothing to cede (attachment point above the claim, or the
		// layer floors to zero). Skipped, not a zero-amount transfer.
		c.Status = domain.CessionStatusSkipped
		e.persist(ctx, c, false)
		e.finish(c, start)
		return c

	case !c.Checks.Passed():
		c.Status = domain.CessionStatusFailed
		c.FailureMsg = fmt.Sprintf("validation failed: %+v", c.Checks)
		e.persist(ctx, c, false)
		e.emit(c, event.TypeCessionFailed, c.FailureMsg)
		e.finish(c, start)
		return c
	}

	c.Status = domain.CessionStatusExecuting
	executedAt := e.now()
	c.ExecutedAt = &executedAt
	e.persist(ctx, c, false)

	result, err := e.transfer(ctx, c)
	if err != nil {
		c.Status = domain.CessionStatusFailed
		c.FailureMsg = err.Error()
		e.persist(ctx, c, false)
		e.emit(c, event.TypeCessionFailed, c.FailureMsg)
		e.log.Error().Err(err).
			Str("cession_id", c.CessionID.String()).
			Str("contract_id", c.ContractID).
			Msg("cession transfer failed")
		e.finish(c, start)
		return c
	}

	completedAt := e.now()
	c.Status = domain.CessionStatusCompleted
	c.LedgerTxRef = result.TxRef
	c.CompletedAt = &completedAt
	e.persist(ctx, c, false)
	e.emit(c, event.TypeCessionCompleted, "")

	if e.metrics != nil {
		net, _ := c.Calculation.NetCessionAmount.Float64()
		e.metrics.CessionNetPayable.WithLabelValues(c.Calculation.Currency).Add(net)
	}
	e.finish(c, start)
	return c
}

// transfer submits the net payable to the reinsurer, retrying transient
// failures up to the configured bound. The cession ID is the memo, so a
// lost-response-but-succeeded transfer is never double-submitted.
func (e *Engine) transfer(ctx context.Context, c *domain.CessionTransaction) (*gateway.TransferResult, error) {
	req := gateway.TransferRequest{
		Amount:      c.Calculation.NetCessionAmount,
		FromAccount: e.cfg.OperatorAccountID,
		ToAddress:   c.ReinsurerWalletAddress,
		Memo:        c.CessionID.String(),
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
		}

		result, err := e.ledger.Transfer(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !gateway.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (e *Engine) persist(ctx context.Context, c *domain.CessionTransaction, create bool) {
	if e.store == nil {
		return
	}
	var err error
	if create {
		err = e.store.SaveCession(ctx, c)
	} else {
		err = e.store.UpdateCession(ctx, c)
	}
	if err != nil {
		e.log.Error().Err(err).Str("cession_id", c.CessionID.String()).Msg("cession not persisted")
		if e.metrics != nil {
			e.metrics.StoreErrors.WithLabelValues("cession").Inc()
		}
	}
}

func (e *Engine) emit(c *domain.CessionTransaction, t event.Type, reason string) {
	evt := event.New(t, c.CessionID.String(), c.Calculation.NetCessionAmount, e.now())
	evt.PolicyID = c.PolicyID
	evt.PayoutID = c.PayoutID
	evt.ContractID = c.ContractID
	evt.Currency = c.Calculation.Currency
	evt.Reason = reason
	evt.LedgerRef = c.LedgerTxRef
	e.sink.Emit(evt)
}

func (e *Engine) finish(c *domain.CessionTransaction, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.CessionsProcessed.WithLabelValues(string(c.Status)).Inc()
	e.metrics.CessionDuration.Observe(e.now().Sub(start).Seconds())
}
