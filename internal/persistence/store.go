package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
)

// PostgresStore persists settlement entities. Inserts use
// ON CONFLICT DO NOTHING so callers can re-run a pipeline step without
// duplicating rows; updates rewrite the whole row keyed by entity ID.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for components that share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ----------------------------------------------------------------------------
// Payouts
// ----------------------------------------------------------------------------

func (s *PostgresStore) SavePayout(ctx context.Context, p *domain.PayoutTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.payouts
			(transaction_id, policy_id, trigger_id, payout_id,
			 beneficiary_account, beneficiary_wallet,
			 payout_amount, currency, status, failure_reason, failure_msg,
			 pool_id, reservation_id, reserved_amount,
			 network_fee, processing_fee, total_fees, net_payout,
			 ledger_tx_ref, consensus_timestamp, finality_confirmations,
			 pending_reconciliation, current_retry, max_retries,
			 initiated_at, failed_at, completed_at, finality_confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
		ON CONFLICT DO NOTHING
	`, payoutArgs(p)...)
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.TransactionID, err)
	}
	return nil
}

func (s *PostgresStore) UpdatePayout(ctx context.Context, p *domain.PayoutTransaction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement.payouts SET
			policy_id = $2, trigger_id = $3, payout_id = $4,
			beneficiary_account = $5, beneficiary_wallet = $6,
			payout_amount = $7, currency = $8,
			status = $9, failure_reason = $10, failure_msg = $11,
			pool_id = $12, reservation_id = $13, reserved_amount = $14,
			network_fee = $15, processing_fee = $16, total_fees = $17, net_payout = $18,
			ledger_tx_ref = $19, consensus_timestamp = $20, finality_confirmations = $21,
			pending_reconciliation = $22, current_retry = $23, max_retries = $24,
			initiated_at = $25, failed_at = $26, completed_at = $27, finality_confirmed_at = $28,
			updated_at = NOW()
		WHERE transaction_id = $1
	`, payoutArgs(p)...)
	if err != nil {
		return fmt.Errorf("update payout %s: %w", p.TransactionID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("update payout %s: row not found", p.TransactionID)
	}
	return nil
}

func (s *PostgresStore) GetPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error) {
	row := s.db.QueryRowContext(ctx, payoutSelect+` WHERE transaction_id = $1`, transactionID)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetPayoutByPayoutID looks up by the business identifier carried on the
// trigger event rather than the settlement-side transaction ID.
func (s *PostgresStore) GetPayoutByPayoutID(ctx context.Context, payoutID string) (*domain.PayoutTransaction, error) {
	row := s.db.QueryRowContext(ctx, payoutSelect+` WHERE payout_id = $1 ORDER BY initiated_at DESC LIMIT 1`, payoutID)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPendingReconciliation returns payouts stuck past their finality
// window, oldest first. These keep their liquidity hold until an
// operator resolves them.
func (s *PostgresStore) ListPendingReconciliation(ctx context.Context, limit int) ([]*domain.PayoutTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		payoutSelect+` WHERE pending_reconciliation = TRUE ORDER BY initiated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PayoutTransaction
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const payoutSelect = `
	SELECT transaction_id, policy_id, trigger_id, payout_id,
	       beneficiary_account, beneficiary_wallet,
	       payout_amount, currency, status, failure_reason, failure_msg,
	       pool_id, reservation_id, reserved_amount,
	       network_fee, processing_fee, total_fees, net_payout,
	       ledger_tx_ref, consensus_timestamp, finality_confirmations,
	       pending_reconciliation, current_retry, max_retries,
	       initiated_at, failed_at, completed_at, finality_confirmed_at
	FROM settlement.payouts`

func payoutArgs(p *domain.PayoutTransaction) []interface{} {
	var (
		poolID         sql.NullString
		reservationID  interface{}
		reservedAmount interface{}
	)
	if p.Liquidity != nil {
		poolID = sql.NullString{String: p.Liquidity.PoolID, Valid: true}
		if p.Liquidity.ReservationID != uuid.Nil {
			reservationID = p.Liquidity.ReservationID
		}
		reservedAmount = p.Liquidity.ReservedAmount
	}
	var consensusTS sql.NullTime
	if !p.ConsensusTimestamp.IsZero() {
		consensusTS = sql.NullTime{Time: p.ConsensusTimestamp, Valid: true}
	}
	return []interface{}{
		p.TransactionID, p.PolicyID, p.TriggerID, p.PayoutID,
		p.BeneficiaryAccountID, p.BeneficiaryWalletAddress,
		p.PayoutAmount, p.Currency,
		string(p.Status), string(p.FailureReason), p.FailureMsg,
		poolID, reservationID, reservedAmount,
		p.Fees.NetworkFee, p.Fees.ProcessingFee, p.Fees.TotalFees, p.Fees.NetPayout,
		p.LedgerTxRef, consensusTS, p.FinalityConfirmations,
		p.PendingReconciliation, p.CurrentRetry, p.MaxRetries,
		p.InitiatedAt, p.FailedAt, p.CompletedAt, p.FinalityConfirmedAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(row rowScanner) (*domain.PayoutTransaction, error) {
	var (
		p              domain.PayoutTransaction
		status, reason string
		poolID         sql.NullString
		reservationID  uuid.NullUUID
		reservedAmount decimal.NullDecimal
		consensusTS    sql.NullTime
		failedAt       sql.NullTime
		completedAt    sql.NullTime
		finalityAt     sql.NullTime
	)
	err := row.Scan(
		&p.TransactionID, &p.PolicyID, &p.TriggerID, &p.PayoutID,
		&p.BeneficiaryAccountID, &p.BeneficiaryWalletAddress,
		&p.PayoutAmount, &p.Currency, &status, &reason, &p.FailureMsg,
		&poolID, &reservationID, &reservedAmount,
		&p.Fees.NetworkFee, &p.Fees.ProcessingFee, &p.Fees.TotalFees, &p.Fees.NetPayout,
		&p.LedgerTxRef, &consensusTS, &p.FinalityConfirmations,
		&p.PendingReconciliation, &p.CurrentRetry, &p.MaxRetries,
		&p.InitiatedAt, &failedAt, &completedAt, &finalityAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PayoutStatus(status)
	p.FailureReason = domain.FailureReason(reason)
	if poolID.Valid {
		p.Liquidity = &domain.LiquidityRef{PoolID: poolID.String}
		if reservationID.Valid {
			p.Liquidity.ReservationID = reservationID.UUID
		}
		if reservedAmount.Valid {
			p.Liquidity.ReservedAmount = reservedAmount.Decimal
		}
	}
	if consensusTS.Valid {
		p.ConsensusTimestamp = consensusTS.Time
	}
	if failedAt.Valid {
		t := failedAt.Time
		p.FailedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if finalityAt.Valid {
		t := finalityAt.Time
		p.FinalityConfirmedAt = &t
	}
	return &p, nil
}

// ----------------------------------------------------------------------------
// Reservations
// ----------------------------------------------------------------------------

func (s *PostgresStore) SaveReservation(ctx context.Context, r *domain.LiquidityReservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.reservations
			(reservation_id, transaction_id, pool_id, reserved_amount, status,
			 hold_for_reconciliation,
			 pool_total, pool_available, pool_reserved, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reservation_id) DO NOTHING
	`, r.ReservationID, r.TransactionID, r.PoolID, r.ReservedAmount, string(r.Status),
		r.HoldForReconciliation,
		r.Snapshot.TotalCapital, r.Snapshot.Available, r.Snapshot.Reserved,
		r.ReservedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ReservationID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateReservation(ctx context.Context, r *domain.LiquidityReservation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement.reservations
		SET status = $2, hold_for_reconciliation = $3, updated_at = NOW()
		WHERE reservation_id = $1
	`, r.ReservationID, string(r.Status), r.HoldForReconciliation)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", r.ReservationID, err)
	}
	return nil
}

// DebitPool permanently removes utilized capital from the pool row, so
// the next bootstrap sees balances net of completed settlements.
func (s *PostgresStore) DebitPool(ctx context.Context, poolID string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement.pools
		SET total_capital = total_capital - $2, available = available - $2, updated_at = NOW()
		WHERE pool_id = $1
	`, poolID, amount)
	if err != nil {
		return fmt.Errorf("debit pool %s: %w", poolID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("debit pool %s: row not found", poolID)
	}
	return nil
}

// ActiveReservations loads non-terminal holds, used to rebuild the
// in-memory liquidity ledger after a restart.
func (s *PostgresStore) ActiveReservations(ctx context.Context) ([]*domain.LiquidityReservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reservation_id, transaction_id, pool_id, reserved_amount, status,
		       hold_for_reconciliation,
		       pool_total, pool_available, pool_reserved, reserved_at, expires_at
		FROM settlement.reservations
		WHERE status = 'ACTIVE'
		ORDER BY reserved_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LiquidityReservation
	for rows.Next() {
		var (
			r      domain.LiquidityReservation
			status string
		)
		if err := rows.Scan(
			&r.ReservationID, &r.TransactionID, &r.PoolID, &r.ReservedAmount, &status,
			&r.HoldForReconciliation,
			&r.Snapshot.TotalCapital, &r.Snapshot.Available, &r.Snapshot.Reserved,
			&r.ReservedAt, &r.ExpiresAt,
		); err != nil {
			return nil, err
		}
		r.Status = domain.ReservationStatus(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Cessions
// ----------------------------------------------------------------------------

func (s *PostgresStore) SaveCession(ctx context.Context, c *domain.CessionTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.cessions
			(cession_id, contract_id, reinsurer_id, policy_id, payout_id,
			 cession_type, status,
			 applicable_amount, gross_amount, cession_percentage,
			 commission_amount, net_amount, retained_amount, currency,
			 check_contract, check_amount, check_limit, check_wallet,
			 check_regulatory, check_fraud,
			 reinsurer_wallet, ledger_tx_ref, failure_msg,
			 initiated_at, executed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (cession_id) DO NOTHING
	`, cessionArgs(c)...)
	if err != nil {
		return fmt.Errorf("insert cession %s: %w", c.CessionID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateCession(ctx context.Context, c *domain.CessionTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement.cessions SET
			contract_id = $2, reinsurer_id = $3, policy_id = $4, payout_id = $5,
			cession_type = $6, status = $7,
			applicable_amount = $8, gross_amount = $9, cession_percentage = $10,
			commission_amount = $11, net_amount = $12, retained_amount = $13, currency = $14,
			check_contract = $15, check_amount = $16, check_limit = $17, check_wallet = $18,
			check_regulatory = $19, check_fraud = $20,
			reinsurer_wallet = $21, ledger_tx_ref = $22, failure_msg = $23,
			initiated_at = $24, executed_at = $25, completed_at = $26,
			updated_at = NOW()
		WHERE cession_id = $1
	`, cessionArgs(c)...)
	if err != nil {
		return fmt.Errorf("update cession %s: %w", c.CessionID, err)
	}
	return nil
}

// CessionsForPayout returns all cession records generated for one claim
// settlement, ordered by contract for stable output.
func (s *PostgresStore) CessionsForPayout(ctx context.Context, payoutID string) ([]*domain.CessionTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cession_id, contract_id, reinsurer_id, policy_id, payout_id,
		       cession_type, status,
		       applicable_amount, gross_amount, cession_percentage,
		       commission_amount, net_amount, retained_amount, currency,
		       check_contract, check_amount, check_limit, check_wallet,
		       check_regulatory, check_fraud,
		       reinsurer_wallet, ledger_tx_ref, failure_msg,
		       initiated_at, executed_at, completed_at
		FROM settlement.cessions
		WHERE payout_id = $1
		ORDER BY contract_id ASC
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CessionTransaction
	for rows.Next() {
		var (
			c            domain.CessionTransaction
			ctype, state string
			executedAt   sql.NullTime
			completedAt  sql.NullTime
		)
		if err := rows.Scan(
			&c.CessionID, &c.ContractID, &c.ReinsurerID, &c.PolicyID, &c.PayoutID,
			&ctype, &state,
			&c.Calculation.ApplicableAmount, &c.Calculation.GrossCessionAmount,
			&c.Calculation.CessionPercentage, &c.Calculation.CommissionAmount,
			&c.Calculation.NetCessionAmount, &c.Calculation.RetainedAmount,
			&c.Calculation.Currency,
			&c.Checks.Contract, &c.Checks.Amount, &c.Checks.Limit, &c.Checks.Wallet,
			&c.Checks.Regulatory, &c.Checks.Fraud,
			&c.ReinsurerWalletAddress, &c.LedgerTxRef, &c.FailureMsg,
			&c.InitiatedAt, &executedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		c.Type = domain.CessionType(ctype)
		c.Status = domain.CessionStatus(state)
		if executedAt.Valid {
			t := executedAt.Time
			c.ExecutedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			c.CompletedAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func cessionArgs(c *domain.CessionTransaction) []interface{} {
	return []interface{}{
		c.CessionID, c.ContractID, c.ReinsurerID, c.PolicyID, c.PayoutID,
		string(c.Type), string(c.Status),
		c.Calculation.ApplicableAmount, c.Calculation.GrossCessionAmount,
		c.Calculation.CessionPercentage, c.Calculation.CommissionAmount,
		c.Calculation.NetCessionAmount, c.Calculation.RetainedAmount,
		c.Calculation.Currency,
		c.Checks.Contract, c.Checks.Amount, c.Checks.Limit, c.Checks.Wallet,
		c.Checks.Regulatory, c.Checks.Fraud,
		c.ReinsurerWalletAddress, c.LedgerTxRef, c.FailureMsg,
		c.InitiatedAt, c.ExecutedAt, c.CompletedAt,
	}
}

// ----------------------------------------------------------------------------
// Trigger dedup
// ----------------------------------------------------------------------------

// IsDuplicateTrigger reports whether a payout was already initiated for
// this trigger. JetStream redelivers on slow acks, so the consumer
// checks before starting a new settlement.
func (s *PostgresStore) IsDuplicateTrigger(ctx context.Context, policyID, triggerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM settlement.payouts
		WHERE policy_id = $1 AND trigger_id = $2
		LIMIT 1
	`, policyID, triggerID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
