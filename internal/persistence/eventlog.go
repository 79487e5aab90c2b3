package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
)

// ArchiveWriter appends audit events to Postgres using multi-row
// INSERT. The archive is the queryable copy of the audit trail; the
// JetStream stream stays the distribution channel.
type ArchiveWriter struct {
	db *sql.DB
}

func NewArchiveWriter(db *sql.DB) *ArchiveWriter {
	return &ArchiveWriter{db: db}
}

// WriteBatch writes a batch of events to settlement.event_archive.
// Duplicate event IDs are silently skipped so redelivered batches stay
// idempotent.
func (w *ArchiveWriter) WriteBatch(ctx context.Context, events []event.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.event_archive
		(event_id, event_type, entity_id, policy_id, payout_id, pool_id, contract_id,
		 amount, currency, reason, ledger_ref, payload, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*13)

	for i, e := range events {
		base := i * 13
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13,
		))
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventID, err)
		}
		args = append(args,
			e.EventID, string(e.Type), e.EntityID, e.PolicyID, e.PayoutID,
			e.PoolID, e.ContractID, e.Amount, e.Currency, e.Reason,
			e.LedgerRef, payload, e.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// EventsForEntity loads the archived transitions of one entity in
// occurrence order, for the operator audit endpoint.
func (w *ArchiveWriter) EventsForEntity(ctx context.Context, entityID string, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := w.db.QueryContext(ctx, `
		SELECT payload FROM settlement.event_archive
		WHERE entity_id = $1
		ORDER BY occurred_at ASC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e event.Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("unmarshal archived event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
