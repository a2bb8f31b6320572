// internal/domain/events.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names an externally observable event.
type EventKind string

const (
	EventPaymentCreated       EventKind = "PaymentCreated"
	EventPaymentStatusChanged EventKind = "PaymentStatusChanged"
	EventTransactionDetected  EventKind = "TransactionDetected"
	EventTransactionUpdated   EventKind = "TransactionUpdated"
	EventTransactionConfirmed EventKind = "TransactionConfirmed"
	EventTransactionFailed    EventKind = "TransactionFailed"
	EventRateRefreshed        EventKind = "RateRefreshed"
)

// IsChainEvent reports whether the kind is raised by the transaction monitor.
func (k EventKind) IsChainEvent() bool {
	switch k {
	case EventTransactionDetected, EventTransactionUpdated, EventTransactionConfirmed, EventTransactionFailed:
		return true
	}
	return false
}

// Event is the envelope carried on the events bus.
type Event struct {
	ID         string
	Kind       EventKind
	PaymentID  string
	OccurredAt time.Time
	Payload    any
}

// PaymentCreatedPayload accompanies EventPaymentCreated.
type PaymentCreatedPayload struct {
	PaymentID         string          `json:"payment_id"`
	ExternalPaymentID string          `json:"external_payment_id"`
	Currency          string          `json:"currency"`
	Address           string          `json:"address"`
	RequestedAmount   decimal.Decimal `json:"requested_amount"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// PaymentStatusChangedPayload accompanies EventPaymentStatusChanged.
type PaymentStatusChangedPayload struct {
	PaymentID         string           `json:"payment_id"`
	ExternalPaymentID string           `json:"external_payment_id"`
	OldStatus         PaymentStatus    `json:"old_status"`
	NewStatus         PaymentStatus    `json:"new_status"`
	TransactionHash   *string          `json:"transaction_hash,omitempty"`
	ReceivedAmount    *decimal.Decimal `json:"received_amount,omitempty"`
	Confirmations     int              `json:"confirmations"`
}

// ChainEvent is the payload of every monitor-raised event.
type ChainEvent struct {
	PaymentID     string          `json:"payment_id"`
	Hash          string          `json:"hash"`
	Address       string          `json:"address"`
	Network       Network         `json:"network"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Required      int             `json:"required"`
	OldStatus     TxStatus        `json:"old_status,omitempty"`
	NewStatus     TxStatus        `json:"new_status"`
	Reason        string          `json:"reason,omitempty"`

	// TotalReceived sums the address's live (not failed) transfers and
	// MinConfirmations is the lowest confirmation count among them.
	TotalReceived    decimal.Decimal `json:"total_received"`
	MinConfirmations int             `json:"min_confirmations"`

	// CoveredConfirmations is the depth at which the live transfers, deepest
	// first, add up to the requested amount. Zero while they fall short.
	CoveredConfirmations int `json:"covered_confirmations"`
}

// ReasonPaymentExpired marks a TransactionFailed raised because the payment
// expired before its funds were in.
const ReasonPaymentExpired = "payment expired before it was fully paid"
