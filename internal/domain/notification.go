// internal/domain/notification.go
package domain

import "time"

// Priority orders notifications; higher values are delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// PriorityFor derives the delivery priority of an event.
func PriorityFor(ev Event) Priority {
	switch ev.Kind {
	case EventPaymentStatusChanged:
		if p, ok := ev.Payload.(PaymentStatusChangedPayload); ok && p.NewStatus == PaymentStatusExpired {
			return PriorityNormal
		}
		return PriorityHigh
	case EventTransactionDetected, EventTransactionConfirmed, EventTransactionFailed:
		return PriorityHigh
	case EventTransactionUpdated:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// NotificationItem is one queued realtime notification.
type NotificationItem struct {
	ID          string
	PaymentID   string
	Kind        EventKind
	Payload     any
	Priority    Priority
	EnqueuedAt  time.Time
	RetryCount  int
	LastRetryAt *time.Time
}

// NotificationFromEvent builds the queue item for ev.
func NotificationFromEvent(ev Event, now time.Time) NotificationItem {
	return NotificationItem{
		ID:         ev.ID,
		PaymentID:  ev.PaymentID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Priority:   PriorityFor(ev),
		EnqueuedAt: now,
	}
}
