package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/google/uuid"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/liquidity"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/payout"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/registry"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/server"
)

type fakeReader struct {
	payouts  map[uuid.UUID]*domain.PayoutTransaction
	pending  []*domain.PayoutTransaction
	cessions map[string][]*domain.CessionTransaction
}

func (f *fakeReader) GetPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutTransaction, error) {
	return f.payouts[id], nil
}

func (f *fakeReader) GetPayoutByPayoutID(ctx context.Context, payoutID string) (*domain.PayoutTransaction, error) {
	for _, p := range f.payouts {
		if p.PayoutID == payoutID {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeReader) ListPendingReconciliation(ctx context.Context, limit int) ([]*domain.PayoutTransaction, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeReader) CessionsForPayout(ctx context.Context, payoutID string) ([]*domain.CessionTransaction, error) {
	return f.cessions[payoutID], nil
}

type fakeRetrier struct {
	result *domain.PayoutTransaction
	err    error
	called uuid.UUID
}

func (f *fakeRetrier) RetryFailedPayout(ctx context.Context, id uuid.UUID) (*domain.PayoutTransaction, error) {
	f.called = id
	return f.result, f.err
}

type fakeAudit struct {
	events []event.Envelope
}

func (f *fakeAudit) EventsForEntity(ctx context.Context, entityID string, limit int) ([]event.Envelope, error) {
	return f.events, nil
}

func samplePayout() *domain.PayoutTransaction {
	return &domain.PayoutTransaction{
		TransactionID:        uuid.New(),
		PolicyID:             "pol-1",
		TriggerID:            "trig-1",
		PayoutID:             "pay-1",
		BeneficiaryAccountID: "acct-1",
		PayoutAmount:         decimal.NewFromInt(50_000),
		Currency:             "USD",
		Status:               domain.PayoutStatusCompleted,
		InitiatedAt:          time.Now().UTC(),
	}
}

func newTestServer(reader *fakeReader, retrier *fakeRetrier) http.Handler {
	log := observability.NewLoggerWithLevel("server-test", zerolog.Disabled)
	pools := liquidity.NewLedger(liquidity.DefaultConfig(), nil, nil, log, nil)
	_ = pools.AddPool(registry.PoolState{
		PoolID:       "pool-1",
		TotalCapital: decimal.NewFromInt(1_000_000),
		Available:    decimal.NewFromInt(1_000_000),
		Currency:     "USD",
	})
	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv := server.New(reader, retrier, &fakeAudit{}, pools, health, log)
	return srv.Router()
}

// ============================================================================
// Test: payout lookup
// ============================================================================

func TestGetPayout_Found(t *testing.T) {
	tx := samplePayout()
	reader := &fakeReader{payouts: map[uuid.UUID]*domain.PayoutTransaction{tx.TransactionID: tx}}
	h := newTestServer(reader, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/payouts/"+tx.TransactionID.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "COMPLETED" {
		t.Errorf("status field: got %v", body["status"])
	}
	if body["payout_id"] != "pay-1" {
		t.Errorf("payout_id field: got %v", body["payout_id"])
	}
}

func TestGetPayout_NotFound(t *testing.T) {
	h := newTestServer(&fakeReader{payouts: map[uuid.UUID]*domain.PayoutTransaction{}}, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/payouts/"+uuid.NewString(), nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestGetPayout_BadID(t *testing.T) {
	h := newTestServer(&fakeReader{}, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/payouts/not-a-uuid", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

// ============================================================================
// Test: retry endpoint
// ============================================================================

func TestRetryPayout_Success(t *testing.T) {
	tx := samplePayout()
	retrier := &fakeRetrier{result: tx}
	h := newTestServer(&fakeReader{}, retrier)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payouts/"+tx.TransactionID.String()+"/retry", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if retrier.called != tx.TransactionID {
		t.Error("retrier not invoked with the transaction ID")
	}
}

func TestRetryPayout_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", payout.ErrNotFound, http.StatusNotFound},
		{"not retryable", payout.ErrNotRetryable, http.StatusConflict},
		{"backoff not elapsed", payout.ErrRetryBackoff, http.StatusTooManyRequests},
		{"retries exhausted", payout.ErrMaxRetriesExceeded, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&fakeReader{}, &fakeRetrier{err: tc.err})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payouts/"+uuid.NewString()+"/retry", nil))
			if rec.Code != tc.want {
				t.Errorf("status: got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

// ============================================================================
// Test: reconciliation queue and pools
// ============================================================================

func TestListReconciliation(t *testing.T) {
	stuck := samplePayout()
	stuck.Status = domain.PayoutStatusExecuting
	stuck.PendingReconciliation = true
	h := newTestServer(&fakeReader{pending: []*domain.PayoutTransaction{stuck}}, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body struct {
		Count   int                      `json:"count"`
		Payouts []map[string]interface{} `json:"payouts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Payouts) != 1 {
		t.Fatalf("count: got %d", body.Count)
	}
	if body.Payouts[0]["pending_reconciliation"] != true {
		t.Error("reconciliation flag missing from response")
	}
}

func TestListReconciliation_BadLimit(t *testing.T) {
	h := newTestServer(&fakeReader{}, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation?limit=0", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestGetPool(t *testing.T) {
	h := newTestServer(&fakeReader{}, &fakeRetrier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/pools/pool-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/pools/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown pool status: got %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(&fakeReader{}, &fakeRetrier{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, rec.Code)
		}
	}
}
