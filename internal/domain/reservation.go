package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationStatus is the liquidity reservation lifecycle discriminator.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "ACTIVE"
	ReservationStatusUtilized ReservationStatus = "UTILIZED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
	ReservationStatusExpired  ReservationStatus = "EXPIRED"
)

// Terminal reports whether the reservation can no longer change state.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

// PoolSnapshot captures pool balances at reservation time.
// Informational only; the liquidity ledger is authoritative.
type PoolSnapshot struct {
	TotalCapital decimal.Decimal
	Available    decimal.Decimal
	Reserved     decimal.Decimal
}

// LiquidityReservation is one hold placed against a pool's available
// capital. ACTIVE holds count against availability; UTILIZED means the
// capital permanently left the pool, RELEASED means it returned.
type LiquidityReservation struct {
	ReservationID uuid.UUID
	TransactionID uuid.UUID
	PoolID        string

	ReservedAmount decimal.Decimal
	Status         ReservationStatus

	// HoldForReconciliation pins an ACTIVE hold past its TTL. Set when
	// the transfer was submitted but finality was never observed: the
	// capital may already be gone, so only an operator resolution may
	// settle the hold.
	HoldForReconciliation bool

	ReservedAt time.Time
	ExpiresAt  time.Time

	Snapshot PoolSnapshot
}

// Expired reports whether the hard TTL elapsed while still ACTIVE.
// A hold pinned for reconciliation never expires.
func (r *LiquidityReservation) Expired(now time.Time) bool {
	return r.Status == ReservationStatusActive && !r.HoldForReconciliation && now.After(r.ExpiresAt)
}
