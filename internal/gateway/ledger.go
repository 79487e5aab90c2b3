package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerGateway executes token transfers on the distributed ledger.
// A single well-typed method replaces the optional-method probing the
// surrounding platform used for its ledger nodes: every implementation
// can transfer, or it is not a gateway.
type LedgerGateway interface {
	// Transfer submits a transfer and returns its ledger reference.
	// Memo doubles as the client-supplied idempotency token so a
	// lost-response-but-succeeded transfer is not double-submitted.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// Confirmations returns the current finality confirmation count
	// for a previously submitted transfer.
	Confirmations(ctx context.Context, txRef string) (int64, error)
}

// TransferRequest is one transfer instruction.
type TransferRequest struct {
	Amount      decimal.Decimal
	FromAccount string
	ToAddress   string
	Memo        string
}

// TransferResult is the ledger's acknowledgement of a transfer.
type TransferResult struct {
	TxRef                 string
	ConsensusTimestamp    time.Time
	Fee                   decimal.Decimal
	FinalityConfirmations int64
}

// ErrTransferRejected marks a definitive ledger rejection: the transfer
// was seen and refused, retrying the same request cannot succeed.
var ErrTransferRejected = errors.New("ledger transfer rejected")

// TransientError wraps a network/timeout failure where the transfer
// outcome is unknown and a retry (with the same memo) is safe.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ledger failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable infrastructure failure
// as opposed to a rejection.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// accountIDPattern matches the ledger's shard.realm.num account format.
var accountIDPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidAccountID reports whether addr matches the ledger's
// account-identifier format.
func ValidAccountID(addr string) bool {
	return accountIDPattern.MatchString(addr)
}
