// Package ton talks to the TON blockchain through a toncenter-style JSON API.
package ton

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"
)

// TxStatus is the observed state of an on-chain transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// TxState describes a transaction as reported by the chain. ExitCode is set
// only for failed transactions.
type TxState struct {
	Hash          string          `json:"hash"`
	Status        TxStatus        `json:"status"`
	Confirmations int             `json:"confirmations"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// Client is the blockchain capability consumed by the settlement engine and
// the reconciliation auditor.
type Client interface {
	// GetTransactionState reports a transaction's status; it returns
	// confirmed only once at least minConfirmations are observed.
	GetTransactionState(ctx context.Context, txRef string, minConfirmations int) (*TxState, error)
	// GetTransaction fetches a transaction without a confirmation threshold,
	// including its observed transfer amount.
	GetTransaction(ctx context.Context, txRef string) (*TxState, error)
	// SendTransfer broadcasts a transfer and returns its transaction
	// reference.
	SendTransfer(ctx context.Context, toAddress string, amount decimal.Decimal, memo string) (string, error)
}

var addressPattern = regexp.MustCompile(`^[UEk][Qf][A-Za-z0-9_-]{46}$`)

// ValidateAddress reports whether s looks like a user-friendly TON address.
func ValidateAddress(s string) bool {
	return addressPattern.MatchString(s)
}
