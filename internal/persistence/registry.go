package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
)

// PostgresContractRegistry serves reinsurance contract configuration.
// Contracts are written by an upstream admin surface; this side only
// reads, and each query returns an immutable snapshot.
type PostgresContractRegistry struct {
	db *sql.DB
}

func NewPostgresContractRegistry(db *sql.DB) *PostgresContractRegistry {
	return &PostgresContractRegistry{db: db}
}

// ApplicableContracts returns active contracts whose coverage window
// includes the instant and whose risk limit accepts the claim size.
// The window and status filter happens in SQL; the per-claim check runs
// in Go so the same rule applies to every registry implementation.
func (r *PostgresContractRegistry) ApplicableContracts(ctx context.Context, at time.Time, claimAmount decimal.Decimal) ([]domain.ReinsurerContract, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contract_id, reinsurer_id, status, effective_date, expiration_date,
		       cession_percentage, attachment_point, treaty_limit, commission_rate,
		       max_single_risk, reinsurer_wallet
		FROM settlement.contracts
		WHERE status = 'ACTIVE'
		  AND effective_date <= $1
		  AND expiration_date >= $1
		ORDER BY contract_id ASC
	`, at)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer rows.Close()

	var out []domain.ReinsurerContract
	for rows.Next() {
		var (
			c      domain.ReinsurerContract
			status string
		)
		if err := rows.Scan(
			&c.ContractID, &c.ReinsurerID, &status,
			&c.EffectiveDate, &c.ExpirationDate,
			&c.Terms.CessionPercentage, &c.Terms.AttachmentPoint,
			&c.Terms.Limit, &c.Terms.CommissionRate,
			&c.Limits.MaxSingleRisk, &c.ReinsurerWalletAddress,
		); err != nil {
			return nil, err
		}
		c.Status = domain.ContractStatus(status)
		if !c.CoversAt(at, claimAmount) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PostgresPoolRegistry reads liquidity pool configuration. Balances in
// the pools table are the bootstrapped capital; the in-memory ledger is
// authoritative for availability once the process is running.
type PostgresPoolRegistry struct {
	db *sql.DB
}

func NewPostgresPoolRegistry(db *sql.DB) *PostgresPoolRegistry {
	return &PostgresPoolRegistry{db: db}
}

func (r *PostgresPoolRegistry) ListPools(ctx context.Context) ([]registry.PoolState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pool_id, total_capital, available, currency
		FROM settlement.pools
		ORDER BY pool_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var out []registry.PoolState
	for rows.Next() {
		var p registry.PoolState
		if err := rows.Scan(&p.PoolID, &p.TotalCapital, &p.Available, &p.Currency); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresPoolRegistry) GetPool(ctx context.Context, poolID string) (*registry.PoolState, error) {
	var p registry.PoolState
	err := r.db.QueryRowContext(ctx, `
		SELECT pool_id, total_capital, available, currency
		FROM settlement.pools
		WHERE pool_id = $1
	`, poolID).Scan(&p.PoolID, &p.TotalCapital, &p.Available, &p.Currency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
