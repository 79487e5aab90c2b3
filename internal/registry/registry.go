// Package registry defines the collaborator contracts the settlement
// core depends on. The surrounding platform owns the data behind them;
// the core only reads validated snapshots.
package registry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
)

// WalletValidation is the wallet registry's verdict on a beneficiary.
type WalletValidation struct {
	IsValid       bool
	WalletAddress string
	Reason        string
}

// WalletRegistry checks that a beneficiary account exists, is ACTIVE,
// has a verified address and has cleared KYC/AML.
type WalletRegistry interface {
	ValidateWallet(ctx context.Context, accountID string) (*WalletValidation, error)
}

// PoolState is a pool's capital snapshot as known to the pool registry.
type PoolState struct {
	PoolID       string
	TotalCapital decimal.Decimal
	Available    decimal.Decimal
	Currency     string
}

// PoolRegistry supplies risk pool snapshots for liquidity ledger
// bootstrap. Authoritative mutation happens only through the ledger.
type PoolRegistry interface {
	ListPools(ctx context.Context) ([]PoolState, error)
	GetPool(ctx context.Context, poolID string) (*PoolState, error)
}

// ContractRegistry supplies reinsurance contracts able to cover a claim
// of the given size at the given instant.
type ContractRegistry interface {
	ApplicableContracts(ctx context.Context, at time.Time, claimAmount decimal.Decimal) ([]domain.ReinsurerContract, error)
}
