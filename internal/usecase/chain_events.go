// internal/usecase/chain_events.go
package usecase

import (
	"context"
	"fmt"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"

	"go.uber.org/zap"
)

// ConsumeChainEvents applies monitor events to payments until the
// subscription closes or ctx is done. Each failure is reported and the
// loop moves on to the next event.
func (uc *PaymentUsecase) ConsumeChainEvents(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := uc.HandleChainEvent(ctx, ev); err != nil {
				uc.reporter.Report("lifecycle.chain_event",
					fmt.Errorf("%s for payment %s: %w", ev.Kind, ev.PaymentID, err))
			}
		}
	}
}

// HandleChainEvent maps one monitor event onto UpdateStatus.
//
// Funds covering the requested amount move the payment to Paid at one
// confirmation and to Confirmed at the required count; anything less is
// PartiallyPaid. The depth used is that of the transfers that cover the
// amount, so extra unconfirmed transfers do not hold the payment back.
// Status never moves backwards here: a reorg only lowers the transaction's
// own status, the payment keeps its highest observation.
//
// A failure fails the payment when nothing live is left, or when the
// payment expired short of the requested amount.
func (uc *PaymentUsecase) HandleChainEvent(ctx context.Context, ev domain.Event) error {
	if !ev.Kind.IsChainEvent() {
		return nil
	}
	ce, ok := ev.Payload.(domain.ChainEvent)
	if !ok {
		return apperr.Validation("PaymentUsecase.HandleChainEvent", "unexpected payload %T", ev.Payload)
	}

	unlock, err := uc.locker.Lock(ctx, paymentLockKey(ce.PaymentID))
	if err != nil {
		return fmt.Errorf("lock payment: %w", err)
	}
	defer unlock()

	p, err := uc.payments.GetByID(ctx, ce.PaymentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return nil
	}

	req := UpdateStatusRequest{PaymentID: p.ID}
	if ce.Hash != "" && p.TransactionHash == nil {
		// keep the first transaction seen as the reference hash
		hash := ce.Hash
		req.TransactionHash = &hash
	}

	if ev.Kind == domain.EventTransactionFailed && failsPayment(p, ce) {
		req.Status = domain.PaymentStatusFailed
		if ce.TotalReceived.IsPositive() {
			received := ce.TotalReceived
			req.ReceivedAmount = &received
		}
		uc.logger.Warn("payment transaction failed",
			zap.String("payment_id", p.ID),
			zap.String("tx_hash", ce.Hash),
			zap.String("reason", ce.Reason))
		_, err := uc.applyLocked(ctx, p, req)
		return err
	}

	received := ce.TotalReceived
	req.ReceivedAmount = &received
	confirmations := ce.MinConfirmations
	if received.GreaterThanOrEqual(p.RequestedAmount) {
		confirmations = ce.CoveredConfirmations
	}
	req.Confirmations = &confirmations

	target := targetStatus(p, ce)
	if target.Rank() <= p.Status.Rank() {
		target = p.Status
	}
	req.Status = target

	if target == p.Status {
		_, err = uc.refreshDetails(ctx, p, req)
		return err
	}
	_, err = uc.applyLocked(ctx, p, req)
	return err
}

func targetStatus(p *domain.Payment, ce domain.ChainEvent) domain.PaymentStatus {
	if !ce.TotalReceived.IsPositive() {
		return domain.PaymentStatusPending
	}
	if ce.TotalReceived.LessThan(p.RequestedAmount) {
		return domain.PaymentStatusPartiallyPaid
	}
	switch {
	case ce.CoveredConfirmations >= p.RequiredConfirmations:
		return domain.PaymentStatusConfirmed
	case ce.CoveredConfirmations >= 1:
		return domain.PaymentStatusPaid
	default:
		return domain.PaymentStatusPartiallyPaid
	}
}

func failsPayment(p *domain.Payment, ce domain.ChainEvent) bool {
	if ce.TotalReceived.IsZero() {
		return true
	}
	return ce.Reason == domain.ReasonPaymentExpired && ce.TotalReceived.LessThan(p.RequestedAmount)
}
