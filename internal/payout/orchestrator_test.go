package payout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/gateway"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/liquidity"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/payout"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/testutil"
)

type fixture struct {
	store     *testutil.MemoryStore
	ledger    *liquidity.Ledger
	gw        *testutil.FakeLedgerGateway
	wallets   *testutil.FakeWalletRegistry
	sink      *testutil.RecordingSink
	orch      *payout.Orchestrator
}

func newFixture(t *testing.T, available int64, cfg payout.Config) *fixture {
	t.Helper()
	log := observability.NewLoggerWithLevel("payout-test", zerolog.Disabled)

	store := testutil.NewMemoryStore()
	ledger := liquidity.NewLedger(liquidity.DefaultConfig(), nil, nil, log, nil)
	if err := ledger.AddPool(registry.PoolState{
		PoolID:       "pool-1",
		TotalCapital: decimal.NewFromInt(available),
		Available:    decimal.NewFromInt(available),
		Currency:     "USD",
	}); err != nil {
		t.Fatalf("AddPool: %v", err)
	}

	gw := &testutil.FakeLedgerGateway{InitialConfirmations: 10_000}
	wallets := &testutil.FakeWalletRegistry{Wallets: map[string]registry.WalletValidation{
		"acct-good": {IsValid: true, WalletAddress: "0.0.4001"},
		"acct-kyc":  {IsValid: false, Reason: "KYC incomplete"},
	}}
	sink := &testutil.RecordingSink{}

	cfg.OperatorAccountID = "0.0.1001"
	orch := payout.NewOrchestrator(store, ledger, gw, wallets, nil, sink, cfg, log, nil)
	return &fixture{store: store, ledger: ledger, gw: gw, wallets: wallets, sink: sink, orch: orch}
}

func validRequest(amount int64) payout.Request {
	return payout.Request{
		PolicyID:             "pol-1",
		TriggerID:            "trig-1",
		PayoutID:             "pay-1",
		BeneficiaryAccountID: "acct-good",
		PoolID:               "pool-1",
		Amount:               decimal.NewFromInt(amount),
		Currency:             "USD",
	}
}

func fastConfig() payout.Config {
	cfg := payout.DefaultConfig()
	cfg.FinalityThreshold = 5000
	cfg.FinalityPollInterval = time.Millisecond
	cfg.FinalityWindow = 50 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

// ============================================================================
// Test: RequestPayout happy path
// ============================================================================

// 1,000,000 available, 50,000 payout, valid wallet: COMPLETED, pool
// debited by exactly the payout amount, reservation UTILIZED.
func TestRequestPayout_Completed(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	tx, err := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusCompleted {
		t.Fatalf("status: got %s (%s: %s), want COMPLETED", tx.Status, tx.FailureReason, tx.FailureMsg)
	}
	if tx.LedgerTxRef == "" {
		t.Error("completed payout missing ledger reference")
	}
	if tx.CompletedAt == nil || tx.FinalityConfirmedAt == nil {
		t.Error("completion timestamps not set")
	}

	res, err := f.ledger.Reservation(tx.Liquidity.ReservationID)
	if err != nil {
		t.Fatalf("Reservation: %v", err)
	}
	if res.Status != domain.ReservationStatusUtilized {
		t.Errorf("reservation: got %s, want UTILIZED", res.Status)
	}

	snap, _ := f.ledger.PoolSnapshot("pool-1")
	if !snap.TotalCapital.Equal(decimal.NewFromInt(950_000)) {
		t.Errorf("pool total: got %s, want 950000", snap.TotalCapital)
	}
	if !snap.Reserved.Equal(decimal.Zero) {
		t.Errorf("pool reserved: got %s, want 0", snap.Reserved)
	}

	// Exactly one initiated and one completed event.
	if got := len(f.sink.OfType(event.TypePayoutInitiated)); got != 1 {
		t.Errorf("payout.initiated events: got %d, want 1", got)
	}
	if got := len(f.sink.OfType(event.TypePayoutCompleted)); got != 1 {
		t.Errorf("payout.completed events: got %d, want 1", got)
	}
}

// Conservation: netPayout + totalFees = payoutAmount, and the net is
// what actually moves on the ledger.
func TestRequestPayout_FeeConservation(t *testing.T) {
	cfg := fastConfig()
	cfg.NetworkFee = decimal.RequireFromString("1.50")
	cfg.ProcessingFeeRate = decimal.RequireFromString("0.25")
	f := newFixture(t, 1_000_000, cfg)

	tx, err := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", tx.Status)
	}

	if !tx.Fees.NetPayout.Add(tx.Fees.TotalFees).Equal(tx.PayoutAmount) {
		t.Errorf("conservation violated: %s + %s != %s",
			tx.Fees.NetPayout, tx.Fees.TotalFees, tx.PayoutAmount)
	}
	// 50,000 × 0.25% = 125, + 1.50 network = 126.50 fees
	if !tx.Fees.TotalFees.Equal(decimal.RequireFromString("126.50")) {
		t.Errorf("total fees: got %s, want 126.50", tx.Fees.TotalFees)
	}

	calls := f.gw.Calls()
	if len(calls) != 1 {
		t.Fatalf("transfers: got %d, want 1", len(calls))
	}
	if !calls[0].Amount.Equal(tx.Fees.NetPayout) {
		t.Errorf("transfer amount: got %s, want net %s", calls[0].Amount, tx.Fees.NetPayout)
	}
	if calls[0].Memo != tx.TransactionID.String() {
		t.Error("transfer memo should carry the transaction ID for idempotency")
	}
}

// ============================================================================
// Test: failure branches
// ============================================================================

func TestRequestPayout_ValidationRejectsBeforeRecord(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	req := validRequest(50_000)
	req.Amount = decimal.Zero
	if _, err := f.orch.RequestPayout(context.Background(), req); !errors.Is(err, payout.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	req = validRequest(50_000)
	req.PolicyID = ""
	if _, err := f.orch.RequestPayout(context.Background(), req); !errors.Is(err, payout.ErrValidation) {
		t.Errorf("expected ErrValidation for empty policy, got %v", err)
	}

	// No events, no records; validation failed before the entity existed.
	if got := len(f.sink.Events()); got != 0 {
		t.Errorf("events after validation reject: got %d, want 0", got)
	}
}

func TestRequestPayout_WalletFailureTerminal(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	req := validRequest(50_000)
	req.BeneficiaryAccountID = "acct-kyc"
	tx, err := f.orch.RequestPayout(context.Background(), req)
	if err != nil {
		t.Fatalf("business failure should not be a Go error: %v", err)
	}
	if tx.Status != domain.PayoutStatusFailed {
		t.Fatalf("status: got %s, want FAILED", tx.Status)
	}
	if tx.FailureReason != domain.FailureReasonWalletValidation {
		t.Errorf("reason: got %s, want WALLET_VALIDATION_FAILED", tx.FailureReason)
	}

	// No liquidity touched, no transfer attempted.
	snap, _ := f.ledger.PoolSnapshot("pool-1")
	if !snap.Available.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("pool touched on wallet failure: %s", snap.Available)
	}
	if len(f.gw.Calls()) != 0 {
		t.Error("transfer attempted despite wallet failure")
	}
}

// 999,999,999 against 1,000,000 available: FAILED with
// INSUFFICIENT_LIQUIDITY, no reservation, pool unchanged.
func TestRequestPayout_InsufficientLiquidity(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	tx, err := f.orch.RequestPayout(context.Background(), validRequest(999_999_999))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusFailed {
		t.Fatalf("status: got %s, want FAILED", tx.Status)
	}
	if tx.FailureReason != domain.FailureReasonInsufficientLiquidity {
		t.Errorf("reason: got %s, want INSUFFICIENT_LIQUIDITY", tx.FailureReason)
	}

	snap, _ := f.ledger.PoolSnapshot("pool-1")
	if !snap.Available.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("pool available changed: %s", snap.Available)
	}
	if !snap.Reserved.Equal(decimal.Zero) {
		t.Errorf("reservation leaked: %s", snap.Reserved)
	}
}

// Ledger transfer failure after reservation: FAILED with
// LEDGER_TRANSACTION_FAILED and the reservation RELEASED, not ACTIVE.
func TestRequestPayout_TransferFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())
	f.gw.FailWith = &gateway.TransientError{Err: errors.New("node unreachable")}

	tx, err := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusFailed {
		t.Fatalf("status: got %s, want FAILED", tx.Status)
	}
	if tx.FailureReason != domain.FailureReasonLedgerTransactionError {
		t.Errorf("reason: got %s, want LEDGER_TRANSACTION_FAILED", tx.FailureReason)
	}

	res, err := f.ledger.Reservation(tx.Liquidity.ReservationID)
	if err != nil {
		t.Fatalf("Reservation: %v", err)
	}
	if res.Status != domain.ReservationStatusReleased {
		t.Errorf("reservation: got %s, want RELEASED", res.Status)
	}

	snap, _ := f.ledger.PoolSnapshot("pool-1")
	if !snap.Available.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("capital not returned: %s", snap.Available)
	}
	if got := len(f.sink.OfType(event.TypePayoutFailed)); got != 1 {
		t.Errorf("payout.failed events: got %d, want 1", got)
	}
}

// Finality never reached inside the window: the payout stays EXECUTING
// flagged for reconciliation and the hold stays in place: reported,
// not silently resolved.
func TestRequestPayout_FinalityTimeoutLeavesExecuting(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())
	f.gw.InitialConfirmations = 0
	f.gw.ConfirmationsFn = func(string) (int64, error) { return 100, nil }

	tx, err := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusExecuting {
		t.Fatalf("status: got %s, want EXECUTING", tx.Status)
	}
	if !tx.PendingReconciliation {
		t.Error("transaction not flagged for reconciliation")
	}

	res, _ := f.ledger.Reservation(tx.Liquidity.ReservationID)
	if res.Status != domain.ReservationStatusActive {
		t.Errorf("reservation: got %s, want ACTIVE until reconciled", res.Status)
	}
	if got := len(f.sink.OfType(event.TypePayoutCompleted)); got != 0 {
		t.Errorf("payout.completed emitted on timeout: %d", got)
	}

	// The hold is pinned: even a day later the TTL sweeper must not
	// return the capital while the transfer outcome is unknown.
	f.ledger.SetClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	if n := f.ledger.SweepExpired(context.Background()); n != 0 {
		t.Errorf("reconciliation hold swept: got %d, want 0", n)
	}
	res, _ = f.ledger.Reservation(tx.Liquidity.ReservationID)
	if res.Status != domain.ReservationStatusActive {
		t.Errorf("reservation after sweep: got %s, want ACTIVE", res.Status)
	}
}

// ============================================================================
// Test: retry contract
// ============================================================================

func TestRetryFailedPayout_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())
	f.gw.FailWith = &gateway.TransientError{Err: errors.New("timeout")}

	now := time.Now()
	f.orch.SetClock(func() time.Time { return now })

	tx, _ := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if tx.Status != domain.PayoutStatusFailed {
		t.Fatalf("setup: expected FAILED, got %s", tx.Status)
	}

	// Dependency recovers and the backoff window passes; the retry
	// re-runs the whole pipeline.
	f.gw.FailWith = nil
	now = now.Add(time.Second)
	retried, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID)
	if err != nil {
		t.Fatalf("RetryFailedPayout: %v", err)
	}
	if retried.Status != domain.PayoutStatusCompleted {
		t.Errorf("status: got %s, want COMPLETED", retried.Status)
	}
	if retried.CurrentRetry != 1 {
		t.Errorf("currentRetry: got %d, want 1", retried.CurrentRetry)
	}
	if retried.TransactionID != tx.TransactionID {
		t.Error("retry must reuse the same transaction, not create a new one")
	}
}

// Retry bound: maxRetries+1 calls against a persistently failing
// dependency end in ErrMaxRetriesExceeded, and currentRetry never
// exceeds maxRetries.
func TestRetryFailedPayout_Bound(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	f := newFixture(t, 1_000_000, cfg)
	f.gw.FailWith = &gateway.TransientError{Err: errors.New("persistent outage")}

	now := time.Now()
	f.orch.SetClock(func() time.Time { return now })

	tx, _ := f.orch.RequestPayout(context.Background(), validRequest(50_000))

	for i := 1; i <= 3; i++ {
		now = now.Add(time.Minute)
		retried, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if retried.Status != domain.PayoutStatusFailed {
			t.Fatalf("retry %d status: got %s, want FAILED", i, retried.Status)
		}
		if retried.CurrentRetry != i {
			t.Errorf("retry %d counter: got %d, want %d", i, retried.CurrentRetry, i)
		}
	}

	// The fourth call must be refused outright.
	_, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID)
	if !errors.Is(err, payout.ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", err)
	}

	final, _ := f.store.GetPayout(context.Background(), tx.TransactionID)
	if final.CurrentRetry > final.MaxRetries {
		t.Errorf("currentRetry %d exceeded maxRetries %d", final.CurrentRetry, final.MaxRetries)
	}
}

// The backoff is enforced as minimum elapsed time since the last
// failure, not as an in-request sleep: a premature retry is refused
// immediately and attempts nothing.
func TestRetryFailedPayout_BackoffNotElapsed(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryBackoff = 30 * time.Second
	f := newFixture(t, 1_000_000, cfg)
	f.gw.FailWith = &gateway.TransientError{Err: errors.New("timeout")}

	now := time.Now()
	f.orch.SetClock(func() time.Time { return now })

	tx, _ := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if tx.Status != domain.PayoutStatusFailed {
		t.Fatalf("setup: expected FAILED, got %s", tx.Status)
	}
	f.gw.FailWith = nil
	attempts := len(f.gw.Calls())

	// Two seconds after the failure: refused, no transfer attempted,
	// retry counter untouched.
	now = now.Add(2 * time.Second)
	if _, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID); !errors.Is(err, payout.ErrRetryBackoff) {
		t.Fatalf("expected ErrRetryBackoff, got %v", err)
	}
	if got := len(f.gw.Calls()); got != attempts {
		t.Errorf("premature retry reached the gateway: %d calls, want %d", got, attempts)
	}
	stored, _ := f.store.GetPayout(context.Background(), tx.TransactionID)
	if stored.CurrentRetry != 0 {
		t.Errorf("refused retry consumed an attempt: currentRetry %d", stored.CurrentRetry)
	}

	// Past the window the same call goes through.
	now = now.Add(29 * time.Second)
	retried, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID)
	if err != nil {
		t.Fatalf("RetryFailedPayout after backoff: %v", err)
	}
	if retried.Status != domain.PayoutStatusCompleted {
		t.Errorf("status: got %s, want COMPLETED", retried.Status)
	}
}

// Failure reasons mark their own retry eligibility: a wallet rejection
// needs operator remediation, so the retry endpoint refuses it outright.
func TestRetryFailedPayout_NonRetryableReason(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	req := validRequest(50_000)
	req.BeneficiaryAccountID = "acct-kyc"
	tx, _ := f.orch.RequestPayout(context.Background(), req)
	if tx.FailureReason != domain.FailureReasonWalletValidation {
		t.Fatalf("setup: expected WALLET_VALIDATION_FAILED, got %s", tx.FailureReason)
	}

	if _, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID); !errors.Is(err, payout.ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable, got %v", err)
	}
}

func TestRetryFailedPayout_OnlyFailedIsRetryable(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	tx, _ := f.orch.RequestPayout(context.Background(), validRequest(50_000))
	if tx.Status != domain.PayoutStatusCompleted {
		t.Fatalf("setup: expected COMPLETED, got %s", tx.Status)
	}

	if _, err := f.orch.RetryFailedPayout(context.Background(), tx.TransactionID); !errors.Is(err, payout.ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable, got %v", err)
	}
}

func TestRetryFailedPayout_UnknownTransaction(t *testing.T) {
	f := newFixture(t, 1_000_000, fastConfig())

	_, err := f.orch.RetryFailedPayout(context.Background(), uuid.New())
	if !errors.Is(err, payout.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================================
// Test: cession handoff
// ============================================================================

type recordingCessions struct {
	policyID string
	amount   decimal.Decimal
	payoutID string
	calls    int
}

func (r *recordingCessions) ProcessAutomatedCession(ctx context.Context, policyID string, claimAmount decimal.Decimal, payoutID string) ([]*domain.CessionTransaction, error) {
	r.calls++
	r.policyID = policyID
	r.amount = claimAmount
	r.payoutID = payoutID
	return nil, nil
}

func TestRequestPayout_HandsClaimToCessionEngine(t *testing.T) {
	log := observability.NewLoggerWithLevel("payout-test", zerolog.Disabled)
	store := testutil.NewMemoryStore()
	ledger := liquidity.NewLedger(liquidity.DefaultConfig(), nil, nil, log, nil)
	_ = ledger.AddPool(registry.PoolState{
		PoolID:       "pool-1",
		TotalCapital: decimal.NewFromInt(1_000_000),
		Available:    decimal.NewFromInt(1_000_000),
		Currency:     "USD",
	})
	gw := &testutil.FakeLedgerGateway{InitialConfirmations: 10_000}
	wallets := &testutil.FakeWalletRegistry{Wallets: map[string]registry.WalletValidation{
		"acct-good": {IsValid: true, WalletAddress: "0.0.4001"},
	}}
	cessions := &recordingCessions{}

	cfg := fastConfig()
	cfg.OperatorAccountID = "0.0.1001"
	orch := payout.NewOrchestrator(store, ledger, gw, wallets, cessions, nil, cfg, log, nil)

	tx, err := orch.RequestPayout(context.Background(), validRequest(500_000))
	if err != nil {
		t.Fatalf("RequestPayout: %v", err)
	}
	if tx.Status != domain.PayoutStatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", tx.Status)
	}

	if cessions.calls != 1 {
		t.Fatalf("cession calls: got %d, want 1", cessions.calls)
	}
	if cessions.policyID != "pol-1" || cessions.payoutID != "pay-1" {
		t.Errorf("cession identifiers: got %s/%s", cessions.policyID, cessions.payoutID)
	}
	// The gross settled claim, not the net-of-fees amount, drives cession.
	if !cessions.amount.Equal(decimal.NewFromInt(500_000)) {
		t.Errorf("cession claim amount: got %s, want 500000", cessions.amount)
	}
}
