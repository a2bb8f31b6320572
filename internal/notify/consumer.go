package notify

import (
	"context"
	"fmt"

	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"
)

// Consume enqueues every event of sub until the subscription closes or ctx
// is done.
func (d *Dispatcher) Consume(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := d.Enqueue(domain.NotificationFromEvent(ev, d.now())); err != nil {
				d.reporter.Report("dispatcher.consume", fmt.Errorf("enqueue %s for %s: %w", ev.Kind, ev.PaymentID, err))
			}
		}
	}
}
