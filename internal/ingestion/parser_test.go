package ingestion_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/ingestion"
)

// ============================================================================
// Test: trigger parsing
// ============================================================================

func validTriggerJSON() string {
	return `{
		"trigger_id": "trig-42",
		"policy_id": "pol-7",
		"payout_id": "pay-7",
		"beneficiary_account": "acct-123",
		"pool_id": "pool-usd",
		"payout_amount": "50000.00",
		"currency": "USD",
		"triggered_at": "2026-03-01T12:00:00Z"
	}`
}

func TestParseTrigger_Valid(t *testing.T) {
	req, err := ingestion.ParseTrigger([]byte(validTriggerJSON()))
	if err != nil {
		t.Fatalf("ParseTrigger: %v", err)
	}
	if req.TriggerID != "trig-42" || req.PolicyID != "pol-7" || req.PayoutID != "pay-7" {
		t.Errorf("identifiers: %+v", req)
	}
	if req.BeneficiaryAccountID != "acct-123" || req.PoolID != "pool-usd" {
		t.Errorf("routing fields: %+v", req)
	}
	if !req.Amount.Equal(decimal.RequireFromString("50000.00")) {
		t.Errorf("amount: got %s", req.Amount)
	}
	if req.Currency != "USD" {
		t.Errorf("currency: got %s", req.Currency)
	}
}

func TestParseTrigger_DefaultsCurrency(t *testing.T) {
	payload := strings.Replace(validTriggerJSON(), `"currency": "USD",`, "", 1)
	req, err := ingestion.ParseTrigger([]byte(payload))
	if err != nil {
		t.Fatalf("ParseTrigger: %v", err)
	}
	if req.Currency != "USD" {
		t.Errorf("currency default: got %s", req.Currency)
	}
}

func TestParseTrigger_MissingFields(t *testing.T) {
	cases := []struct {
		name    string
		snippet string
	}{
		{"trigger_id", `"trigger_id": "trig-42",`},
		{"policy_id", `"policy_id": "pol-7",`},
		{"payout_id", `"payout_id": "pay-7",`},
		{"beneficiary_account", `"beneficiary_account": "acct-123",`},
		{"pool_id", `"pool_id": "pool-usd",`},
		{"payout_amount", `"payout_amount": "50000.00",`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := strings.Replace(validTriggerJSON(), tc.snippet, "", 1)
			if _, err := ingestion.ParseTrigger([]byte(payload)); err == nil {
				t.Errorf("missing %s accepted", tc.name)
			}
		})
	}
}

func TestParseTrigger_BadAmounts(t *testing.T) {
	for _, amount := range []string{"0", "-100", "abc"} {
		payload := strings.Replace(validTriggerJSON(), `"50000.00"`, `"`+amount+`"`, 1)
		if _, err := ingestion.ParseTrigger([]byte(payload)); err == nil {
			t.Errorf("amount %q accepted", amount)
		}
	}
}

func TestParseTrigger_MalformedJSON(t *testing.T) {
	if _, err := ingestion.ParseTrigger([]byte(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestParseTrigger_BadTimestamp(t *testing.T) {
	payload := strings.Replace(validTriggerJSON(), "2026-03-01T12:00:00Z", "yesterday", 1)
	if _, err := ingestion.ParseTrigger([]byte(payload)); err == nil {
		t.Error("unparseable triggered_at accepted")
	}
}
