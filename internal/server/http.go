package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/liquidity"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/payout"
)

// PayoutReader serves payout lookups for the operator surface.
type PayoutReader interface {
	GetPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error)
	GetPayoutByPayoutID(ctx context.Context, payoutID string) (*domain.PayoutTransaction, error)
	ListPendingReconciliation(ctx context.Context, limit int) ([]*domain.PayoutTransaction, error)
	CessionsForPayout(ctx context.Context, payoutID string) ([]*domain.CessionTransaction, error)
}

// PayoutRetrier re-runs a failed settlement.
type PayoutRetrier interface {
	RetryFailedPayout(ctx context.Context, transactionID uuid.UUID) (*domain.PayoutTransaction, error)
}

// AuditReader serves the archived event trail of one entity.
type AuditReader interface {
	EventsForEntity(ctx context.Context, entityID string, limit int) ([]event.Envelope, error)
}

// Server is the operator HTTP API: payout status, retries, the
// reconciliation queue and pool balances. This surface is read-mostly;
// the only mutation it offers is the retry of a failed payout.
type Server struct {
	reader  PayoutReader
	retrier PayoutRetrier
	audit   AuditReader
	pools   *liquidity.Ledger
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func New(
	reader PayoutReader,
	retrier PayoutRetrier,
	audit AuditReader,
	pools *liquidity.Ledger,
	health *observability.HealthChecker,
	log zerolog.Logger,
) *Server {
	return &Server{
		reader:  reader,
		retrier: retrier,
		audit:   audit,
		pools:   pools,
		health:  health,
		log:     log,
	}
}

// Router builds the chi router with all operator routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/payouts/{transactionID}", s.getPayout)
		r.Get("/payouts/{transactionID}/cessions", s.getPayoutCessions)
		r.Get("/payouts/{transactionID}/events", s.getPayoutEvents)
		r.Post("/payouts/{transactionID}/retry", s.retryPayout)
		r.Get("/reconciliation", s.listReconciliation)
		r.Get("/pools/{poolID}", s.getPool)
	})

	return r
}

func (s *Server) getPayout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	tx, err := s.reader.GetPayout(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", id.String()).Msg("payout lookup failed")
		writeError(w, http.StatusInternalServerError, "payout lookup failed")
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "payout not found")
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse(tx))
}

func (s *Server) getPayoutCessions(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.loadPayout(w, r)
	if !ok {
		return
	}
	cessions, err := s.reader.CessionsForPayout(r.Context(), tx.PayoutID)
	if err != nil {
		s.log.Error().Err(err).Str("payout_id", tx.PayoutID).Msg("cession lookup failed")
		writeError(w, http.StatusInternalServerError, "cession lookup failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(cessions))
	for _, c := range cessions {
		out = append(out, cessionResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": tx.PayoutID,
		"cessions":  out,
	})
}

func (s *Server) getPayoutEvents(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.loadPayout(w, r)
	if !ok {
		return
	}
	events, err := s.audit.EventsForEntity(r.Context(), tx.TransactionID.String(), 200)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", tx.TransactionID.String()).Msg("event lookup failed")
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.TransactionID,
		"events":         events,
	})
}

func (s *Server) retryPayout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	tx, err := s.retrier.RetryFailedPayout(r.Context(), id)
	switch {
	case errors.Is(err, payout.ErrNotFound):
		writeError(w, http.StatusNotFound, "payout not found")
	case errors.Is(err, payout.ErrNotRetryable):
		writeError(w, http.StatusConflict, "payout is not in a retryable state")
	case errors.Is(err, payout.ErrRetryBackoff):
		writeError(w, http.StatusTooManyRequests, "retry backoff has not elapsed")
	case errors.Is(err, payout.ErrMaxRetriesExceeded):
		writeError(w, http.StatusConflict, "maximum retry attempts exhausted")
	case err != nil:
		s.log.Error().Err(err).Str("transaction_id", id.String()).Msg("retry failed")
		writeError(w, http.StatusInternalServerError, "retry failed")
	default:
		writeJSON(w, http.StatusOK, payoutResponse(tx))
	}
}

func (s *Server) listReconciliation(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	txs, err := s.reader.ListPendingReconciliation(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("reconciliation list failed")
		writeError(w, http.StatusInternalServerError, "reconciliation list failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(txs))
	for _, tx := range txs {
		out = append(out, payoutResponse(tx))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(out),
		"payouts": out,
	})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	snap, err := s.pools.PoolSnapshot(poolID)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_id":       poolID,
		"total_capital": snap.TotalCapital,
		"available":     snap.Available,
		"reserved":      snap.Reserved,
	})
}

func (s *Server) loadPayout(w http.ResponseWriter, r *http.Request) (*domain.PayoutTransaction, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction ID")
		return nil, false
	}
	tx, err := s.reader.GetPayout(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", id.String()).Msg("payout lookup failed")
		writeError(w, http.StatusInternalServerError, "payout lookup failed")
		return nil, false
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "payout not found")
		return nil, false
	}
	return tx, true
}

func payoutResponse(tx *domain.PayoutTransaction) map[string]interface{} {
	resp := map[string]interface{}{
		"transaction_id":         tx.TransactionID,
		"policy_id":              tx.PolicyID,
		"trigger_id":             tx.TriggerID,
		"payout_id":              tx.PayoutID,
		"beneficiary_account":    tx.BeneficiaryAccountID,
		"payout_amount":          tx.PayoutAmount,
		"currency":               tx.Currency,
		"status":                 tx.Status,
		"fees":                   feeResponse(tx),
		"pending_reconciliation": tx.PendingReconciliation,
		"current_retry":          tx.CurrentRetry,
		"max_retries":            tx.MaxRetries,
		"initiated_at":           tx.InitiatedAt,
	}
	if tx.FailureReason != domain.FailureReasonNone {
		resp["failure_reason"] = tx.FailureReason
		resp["failure_message"] = tx.FailureMsg
	}
	if tx.Liquidity != nil {
		resp["pool_id"] = tx.Liquidity.PoolID
		if tx.Liquidity.ReservationID != uuid.Nil {
			resp["reservation_id"] = tx.Liquidity.ReservationID
		}
	}
	if tx.LedgerTxRef != "" {
		resp["ledger_tx_ref"] = tx.LedgerTxRef
		resp["finality_confirmations"] = tx.FinalityConfirmations
	}
	if tx.CompletedAt != nil {
		resp["completed_at"] = tx.CompletedAt
	}
	return resp
}

func feeResponse(tx *domain.PayoutTransaction) map[string]interface{} {
	return map[string]interface{}{
		"network_fee":    tx.Fees.NetworkFee,
		"processing_fee": tx.Fees.ProcessingFee,
		"total_fees":     tx.Fees.TotalFees,
		"net_payout":     tx.Fees.NetPayout,
	}
}

func cessionResponse(c *domain.CessionTransaction) map[string]interface{} {
	resp := map[string]interface{}{
		"cession_id":        c.CessionID,
		"contract_id":       c.ContractID,
		"reinsurer_id":      c.ReinsurerID,
		"status":            c.Status,
		"applicable_amount": c.Calculation.ApplicableAmount,
		"gross_amount":      c.Calculation.GrossCessionAmount,
		"commission_amount": c.Calculation.CommissionAmount,
		"net_amount":        c.Calculation.NetCessionAmount,
		"retained_amount":   c.Calculation.RetainedAmount,
		"currency":          c.Calculation.Currency,
		"initiated_at":      c.InitiatedAt,
	}
	if c.LedgerTxRef != "" {
		resp["ledger_tx_ref"] = c.LedgerTxRef
	}
	if c.FailureMsg != "" {
		resp["failure_message"] = c.FailureMsg
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
