package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/payout"
)

// triggerJSON is the wire format of a confirmed parametric trigger.
// Field names use snake_case to match upstream producers.
type triggerJSON struct {
	TriggerID          string `json:"trigger_id"`
	PolicyID           string `json:"policy_id"`
	PayoutID           string `json:"payout_id"`
	BeneficiaryAccount string `json:"beneficiary_account"`
	PoolID             string `json:"pool_id"`
	PayoutAmount       string `json:"payout_amount"`
	Currency           string `json:"currency"`
	TriggeredAt        string `json:"triggered_at"`
}

// ParseTrigger validates a confirmed-trigger payload and converts it
// into a payout request. Amounts travel as decimal strings; anything
// non-positive or non-numeric rejects the whole message.
func ParseTrigger(data []byte) (payout.Request, error) {
	var j triggerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return payout.Request{}, fmt.Errorf("parse trigger: %w", err)
	}

	for field, v := range map[string]string{
		"trigger_id":          j.TriggerID,
		"policy_id":           j.PolicyID,
		"payout_id":           j.PayoutID,
		"beneficiary_account": j.BeneficiaryAccount,
		"pool_id":             j.PoolID,
		"payout_amount":       j.PayoutAmount,
	} {
		if strings.TrimSpace(v) == "" {
			return payout.Request{}, fmt.Errorf("trigger missing %s", field)
		}
	}

	amount, err := decimal.NewFromString(j.PayoutAmount)
	if err != nil {
		return payout.Request{}, fmt.Errorf("parse payout_amount %q: %w", j.PayoutAmount, err)
	}
	if !amount.IsPositive() {
		return payout.Request{}, fmt.Errorf("payout_amount must be positive, got %s", amount)
	}

	if j.TriggeredAt != "" {
		if _, err := time.Parse(time.RFC3339, j.TriggeredAt); err != nil {
			return payout.Request{}, fmt.Errorf("parse triggered_at %q: %w", j.TriggeredAt, err)
		}
	}

	currency := j.Currency
	if currency == "" {
		currency = "USD"
	}

	return payout.Request{
		PolicyID:             j.PolicyID,
		TriggerID:            j.TriggerID,
		PayoutID:             j.PayoutID,
		BeneficiaryAccountID: j.BeneficiaryAccount,
		PoolID:               j.PoolID,
		Amount:               amount,
		Currency:             currency,
	}, nil
}
