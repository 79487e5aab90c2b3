package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HTTPClient talks to the ledger node's REST API. Transfers carry the
// memo as the idempotency token, so resubmitting after a transient
// failure returns the original transaction instead of moving funds
// twice.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// HTTPConfig configures the ledger client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewHTTPClient(cfg HTTPConfig, log zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type transferJSON struct {
	Amount      string `json:"amount"`
	FromAccount string `json:"from_account"`
	ToAddress   string `json:"to_address"`
	Memo        string `json:"memo"`
}

type transferResultJSON struct {
	TxRef              string `json:"tx_ref"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Fee                string `json:"fee"`
	Confirmations      int64  `json:"confirmations"`
	Error              string `json:"error,omitempty"`
}

// Transfer submits a transfer. A 4xx answer is a definitive rejection;
// 5xx and network failures are transient because the node may have
// accepted the transfer before failing to answer.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(transferJSON{
		Amount:      req.Amount.String(),
		FromAccount: req.FromAccount,
		ToAddress:   req.ToAddress,
		Memo:        req.Memo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("ledger returned %d: %s", resp.StatusCode, raw)}
	case resp.StatusCode >= 400:
		var j transferResultJSON
		if err := json.Unmarshal(raw, &j); err == nil && j.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrTransferRejected, j.Error)
		}
		return nil, fmt.Errorf("%w: status %d", ErrTransferRejected, resp.StatusCode)
	}

	var j transferResultJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode transfer result: %w", err)}
	}
	if j.TxRef == "" {
		return nil, &TransientError{Err: fmt.Errorf("transfer result missing tx_ref")}
	}

	result := &TransferResult{
		TxRef:                 j.TxRef,
		FinalityConfirmations: j.Confirmations,
	}
	if j.ConsensusTimestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, j.ConsensusTimestamp)
		if err != nil {
			c.log.Warn().Str("tx_ref", j.TxRef).Str("raw", j.ConsensusTimestamp).Msg("unparseable consensus timestamp")
		} else {
			result.ConsensusTimestamp = ts
		}
	}
	if j.Fee != "" {
		fee, err := decimal.NewFromString(j.Fee)
		if err == nil {
			result.Fee = fee
		}
	}
	return result, nil
}

type confirmationsJSON struct {
	TxRef         string `json:"tx_ref"`
	Confirmations int64  `json:"confirmations"`
}

// Confirmations polls the current finality count of a transaction.
func (c *HTTPClient) Confirmations(ctx context.Context, txRef string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transactions/"+txRef, nil)
	if err != nil {
		return 0, fmt.Errorf("build confirmations request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, &TransientError{Err: err}
	}

	if resp.StatusCode >= 500 {
		return 0, &TransientError{Err: fmt.Errorf("ledger returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("transaction %s lookup failed: status %d", txRef, resp.StatusCode)
	}

	var j confirmationsJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return 0, &TransientError{Err: fmt.Errorf("decode confirmations: %w", err)}
	}
	return j.Confirmations, nil
}
