// internal/domain/payment.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment state machine.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusConfirmed     PaymentStatus = "confirmed"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusExpired       PaymentStatus = "expired"
	PaymentStatusCancelled     PaymentStatus = "cancelled"
)

// progress ranks the happy-path states; terminal alternates are absent.
var progress = map[PaymentStatus]int{
	PaymentStatusPending:       0,
	PaymentStatusPartiallyPaid: 1,
	PaymentStatusPaid:          2,
	PaymentStatusConfirmed:     3,
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPartiallyPaid, PaymentStatusPaid,
		PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired,
		PaymentStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
		return true
	}
	return false
}

// Rank returns the happy-path position of s, or -1 for the alternate
// terminal states.
func (s PaymentStatus) Rank() int {
	if r, ok := progress[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether from -> to is allowed.
//
// Happy path moves forward only (Pending -> PartiallyPaid -> Paid ->
// Confirmed, skipping allowed). Failed is reachable from Pending,
// PartiallyPaid and Paid; Expired and Cancelled only from Pending.
func CanTransition(from, to PaymentStatus) bool {
	if from.IsTerminal() || from == to || !to.Valid() {
		return false
	}
	switch to {
	case PaymentStatusFailed:
		return true
	case PaymentStatusExpired, PaymentStatusCancelled:
		return from == PaymentStatusPending
	}
	return to.Rank() > from.Rank()
}

// Payment is a requested cryptocurrency payment.
type Payment struct {
	ID                    string
	ExternalPaymentID     string
	CurrencyID            int64
	CurrencySymbol        string
	Network               Network
	AddressID             int64
	Address               string
	RequestedAmount       decimal.Decimal
	ReceivedAmount        *decimal.Decimal
	Status                PaymentStatus
	TransactionHash       *string
	Confirmations         int
	RequiredConfirmations int
	BuyerID               *string
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ExpiresAt             time.Time
	CompletedAt           *time.Time
	// Version increments on every write; stores use it for optimistic concurrency.
	Version int64
}

// IsExpired reports whether the payment is past its expiry at now.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// Clone returns a deep copy so callers can't mutate stored state.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	if p.ReceivedAmount != nil {
		v := *p.ReceivedAmount
		c.ReceivedAmount = &v
	}
	if p.TransactionHash != nil {
		v := *p.TransactionHash
		c.TransactionHash = &v
	}
	if p.BuyerID != nil {
		v := *p.BuyerID
		c.BuyerID = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		c.CompletedAt = &v
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// GroupKey is the realtime group clients join to follow this payment.
func GroupKey(paymentID string) string {
	return "payment_" + paymentID
}
