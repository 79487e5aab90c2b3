// Package testutil provides in-memory collaborator fakes shared by the
// settlement engine's unit tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/gateway"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
)

// FakeLedgerGateway records transfers and answers with scripted
// results. Zero value is a gateway that accepts everything.
type FakeLedgerGateway struct {
	mu    sync.Mutex
	calls []gateway.TransferRequest

	// FailWith, when set, is returned by every Transfer call.
	FailWith error
	// FailFor maps destination addresses to errors, overriding success
	// for just those destinations.
	FailFor map[string]error
	// Fee charged per transfer.
	Fee decimal.Decimal
	// InitialConfirmations returned with the transfer result.
	InitialConfirmations int64
	// ConfirmationsFn overrides the Confirmations answer when set.
	ConfirmationsFn func(txRef string) (int64, error)
}

func (f *FakeLedgerGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.FailWith != nil {
		return nil, f.FailWith
	}
	if err, ok := f.FailFor[req.ToAddress]; ok {
		return nil, err
	}
	return &gateway.TransferResult{
		TxRef:                 "tx-" + uuid.NewString()[:8],
		ConsensusTimestamp:    time.Now(),
		Fee:                   f.Fee,
		FinalityConfirmations: f.InitialConfirmations,
	}, nil
}

func (f *FakeLedgerGateway) Confirmations(ctx context.Context, txRef string) (int64, error) {
	if f.ConfirmationsFn != nil {
		return f.ConfirmationsFn(txRef)
	}
	return f.InitialConfirmations, nil
}

// Calls returns a copy of the recorded transfer requests.
func (f *FakeLedgerGateway) Calls() []gateway.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.TransferRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

// FakeWalletRegistry validates from a static map. Unknown accounts are
// invalid.
type FakeWalletRegistry struct {
	Wallets map[string]registry.WalletValidation
}

func (f *FakeWalletRegistry) ValidateWallet(ctx context.Context, accountID string) (*registry.WalletValidation, error) {
	if v, ok := f.Wallets[accountID]; ok {
		return &v, nil
	}
	return &registry.WalletValidation{IsValid: false, Reason: "account not registered"}, nil
}

// FakeContractRegistry filters a static contract list the way the
// Postgres registry does: ACTIVE, inside the effective window, and with
// capacity for the claim.
type FakeContractRegistry struct {
	Contracts []domain.ReinsurerContract
	Err       error
}

func (f *FakeContractRegistry) ApplicableContracts(ctx context.Context, at time.Time, claimAmount decimal.Decimal) ([]domain.ReinsurerContract, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]domain.ReinsurerContract, 0)
	for _, c := range f.Contracts {
		if c.CoversAt(at, claimAmount) {
			out = append(out, c)
		}
	}
	return out, nil
}

// RecordingSink captures emitted events for assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (s *RecordingSink) Emit(evt event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

// Events returns a copy of everything emitted so far.
func (s *RecordingSink) Events() []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns the emitted events of one type, in order.
func (s *RecordingSink) OfType(t event.Type) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, 0)
	for _, evt := range s.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// MemoryStore is an in-memory stand-in for the Postgres store, keyed by
// business identifiers like the real one.
type MemoryStore struct {
	mu           sync.Mutex
	payouts      map[uuid.UUID]domain.PayoutTransaction
	reservations map[uuid.UUID]domain.LiquidityReservation
	cessions     map[uuid.UUID]domain.CessionTransaction
	poolDebits   map[string]decimal.Decimal

	// Err, when set, is returned by every write.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:      make(map[uuid.UUID]domain.PayoutTransaction),
		reservations: make(map[uuid.UUID]domain.LiquidityReservation),
		cessions:     make(map[uuid.UUID]domain.CessionTransaction),
		poolDebits:   make(map[string]decimal.Decimal),
	}
}

func (m *MemoryStore) SavePayout(ctx context.Context, p *domain.PayoutTransaction) error {
	return m.putPayout(p)
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, p *domain.PayoutTransaction) error {
	return m.putPayout(p)
}

func (m *MemoryStore) putPayout(p *domain.PayoutTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.payouts[p.TransactionID] = *p
	return nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[transactionID]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) SaveReservation(ctx context.Context, r *domain.LiquidityReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.reservations[r.ReservationID] = *r
	return nil
}

func (m *MemoryStore) UpdateReservation(ctx context.Context, r *domain.LiquidityReservation) error {
	return m.SaveReservation(ctx, r)
}

func (m *MemoryStore) DebitPool(ctx context.Context, poolID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.poolDebits[poolID] = m.poolDebits[poolID].Add(amount)
	return nil
}

// PoolDebit returns the accumulated debit recorded against one pool.
func (m *MemoryStore) PoolDebit(poolID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolDebits[poolID]
}

// Reservation returns the stored copy of one reservation row.
func (m *MemoryStore) Reservation(id uuid.UUID) (domain.LiquidityReservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	return r, ok
}

func (m *MemoryStore) SaveCession(ctx context.Context, c *domain.CessionTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.cessions[c.CessionID] = *c
	return nil
}

func (m *MemoryStore) UpdateCession(ctx context.Context, c *domain.CessionTransaction) error {
	return m.SaveCession(ctx, c)
}

func (m *MemoryStore) Cessions() []domain.CessionTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CessionTransaction, 0, len(m.cessions))
	for _, c := range m.cessions {
		out = append(out, c)
	}
	return out
}
