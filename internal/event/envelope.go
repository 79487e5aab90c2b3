package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type discriminator for settlement events. String values double as the
// outbound subject suffix, so they are stable wire identifiers.
type Type string

const (
	TypePayoutInitiated   Type = "payout.initiated"
	TypePayoutCompleted   Type = "payout.completed"
	TypePayoutFailed      Type = "payout.failed"
	TypeLiquidityReserved Type = "liquidity.reserved"
	TypeLiquidityReleased Type = "liquidity.released"
	TypeCessionInitiated  Type = "cession.initiated"
	TypeCessionCompleted  Type = "cession.completed"
	TypeCessionFailed     Type = "cession.failed"
)

// Envelope is one audit event: exactly one is emitted per entity state
// transition, carrying enough identifiers and amounts for the audit
// sink to reconstruct the transition without querying the store.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	PolicyID   string          `json:"policy_id,omitempty"`
	PayoutID   string          `json:"payout_id,omitempty"`
	EntityID   string          `json:"entity_id"`
	PoolID     string          `json:"pool_id,omitempty"`
	ContractID string          `json:"contract_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	LedgerRef  string          `json:"ledger_ref,omitempty"`
}

// New builds an envelope with a fresh event ID and the given transition
// timestamp. EntityID is the business identifier of the entity that
// transitioned (transaction, reservation or cession ID).
func New(t Type, entityID string, amount decimal.Decimal, occurredAt time.Time) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		Type:       t,
		OccurredAt: occurredAt,
		EntityID:   entityID,
		Amount:     amount,
	}
}
