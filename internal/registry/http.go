package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// HTTPWalletRegistry queries the platform wallet service. A negative
// verdict is data, not an error: the caller decides what a failed
// validation means for its flow.
type HTTPWalletRegistry struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewHTTPWalletRegistry(baseURL string, log zerolog.Logger) *HTTPWalletRegistry {
	return &HTTPWalletRegistry{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type walletValidationJSON struct {
	IsValid       bool   `json:"is_valid"`
	WalletAddress string `json:"wallet_address"`
	Reason        string `json:"reason,omitempty"`
}

func (r *HTTPWalletRegistry) ValidateWallet(ctx context.Context, accountID string) (*WalletValidation, error) {
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/validation", r.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build wallet request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read wallet response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &WalletValidation{IsValid: false, Reason: "account not found"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet registry returned %d", resp.StatusCode)
	}

	var j walletValidationJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode wallet response: %w", err)
	}
	return &WalletValidation{
		IsValid:       j.IsValid,
		WalletAddress: j.WalletAddress,
		Reason:        j.Reason,
	}, nil
}
