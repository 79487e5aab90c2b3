package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/liquidity"
)

// PoolHistoryRecorder periodically writes pool balance snapshots so
// reconciliation can compare ledger state against what the pools held
// at any point in time.
type PoolHistoryRecorder struct {
	db     *sql.DB
	ledger *liquidity.Ledger
	log    zerolog.Logger
}

func NewPoolHistoryRecorder(db *sql.DB, ledger *liquidity.Ledger, log zerolog.Logger) *PoolHistoryRecorder {
	return &PoolHistoryRecorder{db: db, ledger: ledger, log: log}
}

// Record writes one snapshot row per pool.
func (r *PoolHistoryRecorder) Record(ctx context.Context) error {
	now := time.Now().UTC()
	for _, poolID := range r.ledger.PoolIDs() {
		snap, err := r.ledger.PoolSnapshot(poolID)
		if err != nil {
			return fmt.Errorf("snapshot pool %s: %w", poolID, err)
		}
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO settlement.pool_history
				(snapshot_id, pool_id, total_capital, available, reserved, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), poolID, snap.TotalCapital, snap.Available, snap.Reserved, now); err != nil {
			return fmt.Errorf("record pool %s: %w", poolID, err)
		}
	}
	return nil
}

// Run records on a fixed interval until ctx is cancelled. Failures are
// logged and retried at the next tick; history gaps are tolerable,
// missing live settlement data is not.
func (r *PoolHistoryRecorder) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Record(ctx); err != nil {
				r.log.Error().Err(err).Msg("pool history snapshot failed")
			}
		}
	}
}
