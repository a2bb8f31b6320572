// internal/domain/chain.go
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a freshly generated key pair. PrivateKey is plaintext and must
// be encrypted before it leaves the key manager.
type Wallet struct {
	Address    string
	PrivateKey string
	PublicKey  string
	Network    Network
	CreatedAt  time.Time
}

// TxStatus is the monitor's view of an on-chain transaction.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusConfirming TxStatus = "confirming"
	TxStatusConfirmed  TxStatus = "confirmed"
	TxStatusFailed     TxStatus = "failed"
	TxStatusExpired    TxStatus = "expired"
)

// DeriveTxStatus maps a confirmation count to a status. A chain-reported
// failure wins regardless of confirmations.
func DeriveTxStatus(confirmations, required int, failed bool) TxStatus {
	switch {
	case failed:
		return TxStatusFailed
	case confirmations <= 0:
		return TxStatusPending
	case confirmations < required:
		return TxStatusConfirming
	default:
		return TxStatusConfirmed
	}
}

// ChainTransaction is an incoming transfer as reported by a chain provider.
type ChainTransaction struct {
	Hash          string
	Address       string
	Amount        decimal.Decimal
	Confirmations int
	BlockNumber   *int64
	Failed        bool
	FailReason    string
	SeenAt        time.Time
}

// ChainProvider reports incoming transfers to an address. Implementations
// talk to a node or an indexer for one network.
type ChainProvider interface {
	Network() Network
	IncomingTransactions(ctx context.Context, address string) ([]ChainTransaction, error)
}

// AddressTracker is implemented by providers that must be told about an
// address before they can report on it (block scanners). since is when the
// address started receiving funds; zero means now.
type AddressTracker interface {
	TrackAddress(address string, since time.Time)
	UntrackAddress(address string)
}

// BlockSubscription streams new block heights until Unsubscribe is called
// or an error is delivered on Err.
type BlockSubscription interface {
	Heads() <-chan int64
	Err() <-chan error
	Unsubscribe()
}

// BlockSubscriber is implemented by providers that can push new blocks.
type BlockSubscriber interface {
	SubscribeBlocks(ctx context.Context) (BlockSubscription, error)
}

// WatchRequest registers a payment address with the transaction monitor.
type WatchRequest struct {
	PaymentID             string
	Address               string
	Network               Network
	RequestedAmount       decimal.Decimal
	RequiredConfirmations int
	CreatedAt             time.Time
	ExpiresAt             time.Time
}
