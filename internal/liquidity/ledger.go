// Package liquidity is the single source of truth for risk pool capital.
// All reserve/release/debit operations are linearizable per pool: each
// pool carries its own mutex and every balance mutation happens inside
// that critical section. The ledger itself is an injected service with
// an explicit lifecycle, never ambient state.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrReservationExpired    = errors.New("reservation expired")
)

// ReservationStore persists reservation lifecycle transitions and the
// permanent pool debits of utilized holds, so a restarted ledger can be
// rebuilt without over-stating availability.
type ReservationStore interface {
	SaveReservation(ctx context.Context, res *domain.LiquidityReservation) error
	UpdateReservation(ctx context.Context, res *domain.LiquidityReservation) error
	DebitPool(ctx context.Context, poolID string, amount decimal.Decimal) error
}

// pool holds one risk pool's balances. Its mutex serializes every
// mutation against the pool, including status transitions of its
// reservations: two concurrent reserves can never both succeed when
// their combined amount exceeds availability.
type pool struct {
	mu        sync.Mutex
	id        string
	currency  string
	total     decimal.Decimal
	available decimal.Decimal
	reserved  decimal.Decimal
}

type reservationEntry struct {
	res  *domain.LiquidityReservation
	pool *pool
}

// Ledger tracks pool capital and the holds placed against it.
type Ledger struct {
	mu           sync.RWMutex
	pools        map[string]*pool
	reservations map[uuid.UUID]*reservationEntry

	ttl     time.Duration
	store   ReservationStore
	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Config tunes the ledger.
type Config struct {
	ReservationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{ReservationTTL: 24 * time.Hour}
}

func NewLedger(cfg Config, store ReservationStore, sink event.Sink, log zerolog.Logger, metrics *observability.Metrics) *Ledger {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	return &Ledger{
		pools:        make(map[string]*pool),
		reservations: make(map[uuid.UUID]*reservationEntry),
		ttl:          cfg.ReservationTTL,
		store:        store,
		sink:         sink,
		log:          log,
		metrics:      metrics,
		now:          time.Now,
	}
}

// SetClock injects a clock for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// AddPool registers a pool from its registry snapshot. Re-adding an
// existing pool is rejected; pool balances are owned by the ledger
// after bootstrap.
func (l *Ledger) AddPool(state registry.PoolState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pools[state.PoolID]; exists {
		return fmt.Errorf("pool %s already registered", state.PoolID)
	}
	l.pools[state.PoolID] = &pool{
		id:        state.PoolID,
		currency:  state.Currency,
		total:     state.TotalCapital,
		available: state.Available,
		reserved:  decimal.Zero,
	}
	return nil
}

// RestoreReservation re-applies a durable ACTIVE hold to its pool
// during startup. The pool snapshot loaded from the registry does not
// know about in-flight holds; without this step a restart would hand
// the same capital out twice.
func (l *Ledger) RestoreReservation(res *domain.LiquidityReservation) error {
	if res.Status != domain.ReservationStatusActive {
		return fmt.Errorf("reservation %s is %s, only ACTIVE holds can be restored", res.ReservationID, res.Status)
	}
	p, err := l.getPool(res.PoolID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.available.LessThan(res.ReservedAmount) {
		p.mu.Unlock()
		return fmt.Errorf("pool %s has %s available, cannot restore hold of %s",
			res.PoolID, p.available, res.ReservedAmount)
	}
	p.available = p.available.Sub(res.ReservedAmount)
	p.reserved = p.reserved.Add(res.ReservedAmount)
	p.mu.Unlock()

	l.mu.Lock()
	l.reservations[res.ReservationID] = &reservationEntry{res: res, pool: p}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.ReservationsActive.WithLabelValues(res.PoolID).Inc()
	}
	return nil
}

func (l *Ledger) getPool(poolID string) (*pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return p, nil
}

// CheckLiquidity is a read-only, advisory check. A passing check does
// not guarantee a later reserve succeeds; availability is re-validated
// atomically inside Reserve.
func (l *Ledger) CheckLiquidity(poolID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	p, err := l.getPool(poolID)
	if err != nil {
		return false, decimal.Zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.GreaterThanOrEqual(amount), p.available, nil
}

// Reserve atomically places a hold against the pool's available
// capital. The check and the decrement happen inside the pool's
// critical section.
func (l *Ledger) Reserve(ctx context.Context, poolID string, amount decimal.Decimal, transactionID uuid.UUID) (*domain.LiquidityReservation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("reserve amount must be positive, got %s", amount)
	}

	p, err := l.getPool(poolID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.available.LessThan(amount) {
		p.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ReserveRejections.WithLabelValues(poolID).Inc()
		}
		return nil, fmt.Errorf("%w: pool %s has %s, requested %s",
			ErrInsufficientLiquidity, poolID, p.available, amount)
	}

	now := l.now()
	p.available = p.available.Sub(amount)
	p.reserved = p.reserved.Add(amount)

	res := &domain.LiquidityReservation{
		ReservationID:  uuid.New(),
		TransactionID:  transactionID,
		PoolID:         poolID,
		ReservedAmount: amount,
		Status:         domain.ReservationStatusActive,
		ReservedAt:     now,
		ExpiresAt:      now.Add(l.ttl),
		Snapshot: domain.PoolSnapshot{
			TotalCapital: p.total,
			Available:    p.available,
			Reserved:     p.reserved,
		},
	}
	p.mu.Unlock()

	l.mu.Lock()
	l.reservations[res.ReservationID] = &reservationEntry{res: res, pool: p}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveReservation(ctx, res); err != nil {
			// Undo the hold: a reservation that is not durable must
			// not count against the pool.
			l.rollbackReserve(res.ReservationID)
			return nil, fmt.Errorf("persist reservation: %w", err)
		}
	}

	if l.metrics != nil {
		l.metrics.ReservationsCreated.WithLabelValues(poolID).Inc()
		l.metrics.ReservationsActive.WithLabelValues(poolID).Inc()
	}

	evt := event.New(event.TypeLiquidityReserved, res.ReservationID.String(), amount, now)
	evt.PoolID = poolID
	l.sink.Emit(evt)

	return res, nil
}

func (l *Ledger) rollbackReserve(reservationID uuid.UUID) {
	l.mu.Lock()
	entry, ok := l.reservations[reservationID]
	if ok {
		delete(l.reservations, reservationID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	entry.pool.mu.Lock()
	entry.pool.available = entry.pool.available.Add(entry.res.ReservedAmount)
	entry.pool.reserved = entry.pool.reserved.Sub(entry.res.ReservedAmount)
	entry.pool.mu.Unlock()
}

// Release settles a hold. utilized=true debits the capital out of the
// pool permanently; utilized=false returns it to available. Idempotent:
// releasing an already-terminal reservation is a successful no-op, which
// is what makes retry cleanup paths safe to run more than once.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID, utilized bool) error {
	l.mu.RLock()
	entry, ok := l.reservations[reservationID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	p := entry.pool
	res := entry.res

	p.mu.Lock()
	if res.Status.Terminal() {
		p.mu.Unlock()
		return nil
	}

	p.reserved = p.reserved.Sub(res.ReservedAmount)
	if utilized {
		res.Status = domain.ReservationStatusUtilized
		p.total = p.total.Sub(res.ReservedAmount)
	} else {
		res.Status = domain.ReservationStatusReleased
		p.available = p.available.Add(res.ReservedAmount)
	}
	p.mu.Unlock()

	if utilized && l.store != nil {
		// The capital left the pool for good; the registry row must
		// reflect that or the next bootstrap re-counts it.
		if err := l.store.DebitPool(ctx, p.id, res.ReservedAmount); err != nil {
			l.log.Error().Err(err).
				Str("pool_id", p.id).
				Str("amount", res.ReservedAmount.String()).
				Msg("pool debit not persisted")
			if l.metrics != nil {
				l.metrics.StoreErrors.WithLabelValues("pool").Inc()
			}
		}
	}

	l.finishRelease(ctx, res, p.id)
	return nil
}

// HoldForReconciliation pins an ACTIVE reservation so the TTL sweeper
// cannot expire it. Used when the transfer behind the hold was
// submitted but never confirmed: releasing the capital would over-state
// availability if the transfer actually settled.
func (l *Ledger) HoldForReconciliation(ctx context.Context, reservationID uuid.UUID) error {
	l.mu.RLock()
	entry, ok := l.reservations[reservationID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	p := entry.pool
	res := entry.res

	p.mu.Lock()
	if res.Status.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("reservation %s is %s, cannot pin for reconciliation", reservationID, res.Status)
	}
	res.HoldForReconciliation = true
	p.mu.Unlock()

	if l.store != nil {
		if err := l.store.UpdateReservation(ctx, res); err != nil {
			l.log.Error().Err(err).
				Str("reservation_id", reservationID.String()).
				Msg("reconciliation pin not persisted")
			if l.metrics != nil {
				l.metrics.StoreErrors.WithLabelValues("reservation").Inc()
			}
		}
	}
	return nil
}

func (l *Ledger) finishRelease(ctx context.Context, res *domain.LiquidityReservation, poolID string) {
	if l.store != nil {
		if err := l.store.UpdateReservation(ctx, res); err != nil {
			l.log.Error().Err(err).
				Str("reservation_id", res.ReservationID.String()).
				Msg("reservation release not persisted")
			if l.metrics != nil {
				l.metrics.StoreErrors.WithLabelValues("reservation").Inc()
			}
		}
	}

	if l.metrics != nil {
		l.metrics.ReservationsActive.WithLabelValues(poolID).Dec()
		l.metrics.ReservationsReleased.WithLabelValues(poolID, string(res.Status)).Inc()
	}

	evt := event.New(event.TypeLiquidityReleased, res.ReservationID.String(), res.ReservedAmount, l.now())
	evt.PoolID = poolID
	evt.Reason = string(res.Status)
	l.sink.Emit(evt)
}

// PoolSnapshot returns the pool's current balances.
func (l *Ledger) PoolSnapshot(poolID string) (*domain.PoolSnapshot, error) {
	p, err := l.getPool(poolID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return &domain.PoolSnapshot{
		TotalCapital: p.total,
		Available:    p.available,
		Reserved:     p.reserved,
	}, nil
}

// PoolIDs returns the identifiers of every registered pool, sorted.
func (l *Ledger) PoolIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reservation returns a reservation by its business identifier.
func (l *Ledger) Reservation(reservationID uuid.UUID) (*domain.LiquidityReservation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	return entry.res, nil
}

// SweepExpired releases every ACTIVE reservation whose TTL elapsed,
// marking it EXPIRED and returning the capital to available. Returns
// the number of reservations swept.
func (l *Ledger) SweepExpired(ctx context.Context) int {
	now := l.now()

	l.mu.RLock()
	candidates := make([]*reservationEntry, 0)
	for _, entry := range l.reservations {
		candidates = append(candidates, entry)
	}
	l.mu.RUnlock()

	swept := 0
	for _, entry := range candidates {
		p := entry.pool
		res := entry.res

		p.mu.Lock()
		if !res.Expired(now) {
			p.mu.Unlock()
			continue
		}
		res.Status = domain.ReservationStatusExpired
		p.reserved = p.reserved.Sub(res.ReservedAmount)
		p.available = p.available.Add(res.ReservedAmount)
		p.mu.Unlock()

		l.log.Warn().
			Str("reservation_id", res.ReservationID.String()).
			Str("pool_id", p.id).
			Str("amount", res.ReservedAmount.String()).
			Msg("reservation expired unclaimed")
		if l.metrics != nil {
			l.metrics.ReservationsExpired.WithLabelValues(p.id).Inc()
		}
		l.finishRelease(ctx, res, p.id)
		swept++
	}
	return swept
}

// RunExpirySweeper periodically sweeps expired reservations until ctx
// is cancelled.
func (l *Ledger) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := l.SweepExpired(ctx); n > 0 {
				l.log.Info().Int("count", n).Msg("swept expired reservations")
			}
		}
	}
}
