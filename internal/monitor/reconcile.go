// internal/monitor/reconcile.go
package monitor

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-payment-service/internal/domain"
)

// MonitoredTransaction is the monitor's private record of a transfer to a
// watched address.
type MonitoredTransaction struct {
	Hash          string
	Address       string
	Amount        decimal.Decimal
	Confirmations int
	Status        domain.TxStatus
	PrevStatus    domain.TxStatus

	confirmedSent bool
}

func (t *MonitoredTransaction) live() bool {
	return t.Status != domain.TxStatusFailed && t.Status != domain.TxStatusExpired
}

type pending struct {
	kind domain.EventKind
	ce   domain.ChainEvent
}

// reconcile diffs the provider's view against the recorded transactions and
// returns the events to raise, in order. Must hold w.mu.
func (m *Monitor) reconcile(w *watch, txs []domain.ChainTransaction) []domain.Event {
	req := w.req
	var out []pending

	emit := func(kind domain.EventKind, t *MonitoredTransaction, reason string) {
		out = append(out, pending{kind: kind, ce: domain.ChainEvent{
			PaymentID:     req.PaymentID,
			Hash:          t.Hash,
			Address:       req.Address,
			Network:       req.Network,
			Amount:        t.Amount,
			Confirmations: t.Confirmations,
			Required:      req.RequiredConfirmations,
			OldStatus:     t.PrevStatus,
			NewStatus:     t.Status,
			Reason:        reason,
		}})
	}

	seen := make(map[string]struct{}, len(txs))
	for _, ct := range txs {
		seen[ct.Hash] = struct{}{}
		status := domain.DeriveTxStatus(ct.Confirmations, req.RequiredConfirmations, ct.Failed)

		t, known := w.txs[ct.Hash]
		if !known {
			t = &MonitoredTransaction{
				Hash:          ct.Hash,
				Address:       req.Address,
				Amount:        ct.Amount,
				Confirmations: ct.Confirmations,
				Status:        status,
			}
			w.txs[ct.Hash] = t

			m.logger.Info("transaction detected",
				zap.String("payment_id", req.PaymentID), zap.String("tx_hash", ct.Hash), zap.Int("confirmations", ct.Confirmations))
			emit(domain.EventTransactionDetected, t, "")
			switch status {
			case domain.TxStatusFailed:
				emit(domain.EventTransactionFailed, t, failReason(ct))
			case domain.TxStatusConfirmed:
				t.confirmedSent = true
				emit(domain.EventTransactionConfirmed, t, "")
			}
			continue
		}

		if !t.live() {
			continue
		}

		if ct.Failed {
			t.PrevStatus, t.Status = t.Status, domain.TxStatusFailed
			t.Confirmations = ct.Confirmations
			emit(domain.EventTransactionFailed, t, failReason(ct))
			continue
		}

		if ct.Confirmations == t.Confirmations {
			continue
		}
		if ct.Confirmations < t.Confirmations {
			m.logger.Warn("confirmation count regressed",
				zap.String("payment_id", req.PaymentID), zap.String("tx_hash", ct.Hash),
				zap.Int("confirmations", ct.Confirmations), zap.Int("previous", t.Confirmations))
		}
		t.PrevStatus, t.Status = t.Status, status
		t.Confirmations = ct.Confirmations
		emit(domain.EventTransactionUpdated, t, "")
		if status == domain.TxStatusConfirmed && !t.confirmedSent {
			t.confirmedSent = true
			emit(domain.EventTransactionConfirmed, t, "")
		}
	}

	// transfers the provider stopped reporting fell out of the chain
	for hash, t := range w.txs {
		if _, ok := seen[hash]; ok || !t.live() || t.Confirmations == 0 {
			continue
		}
		m.logger.Warn("transaction no longer reported", zap.String("payment_id", req.PaymentID), zap.String("tx_hash", hash))
		t.PrevStatus, t.Status = t.Status, domain.TxStatusPending
		t.Confirmations = 0
		emit(domain.EventTransactionUpdated, t, "")
	}

	if req.ExpiresAt.Before(m.now()) {
		for _, t := range w.txs {
			if t.Status != domain.TxStatusPending {
				continue
			}
			t.PrevStatus, t.Status = t.Status, domain.TxStatusExpired
			w.expired = true
			emit(domain.EventTransactionFailed, t, domain.ReasonPaymentExpired)
		}
		// mined but short: the payment cannot complete any more
		if !w.expired {
			sum := totals(w.txs, req.RequestedAmount)
			if sum.received.IsPositive() && sum.received.LessThan(req.RequestedAmount) {
				w.expired = true
				m.logger.Warn("payment expired underpaid",
					zap.String("payment_id", req.PaymentID), zap.String("received", sum.received.String()))
				emit(domain.EventTransactionFailed, &MonitoredTransaction{
					Address:       req.Address,
					Confirmations: sum.minConf,
					Status:        domain.TxStatusExpired,
				}, domain.ReasonPaymentExpired)
			}
		}
	}

	if len(out) == 0 {
		return nil
	}

	sum := totals(w.txs, req.RequestedAmount)
	events := make([]domain.Event, 0, len(out))
	for _, p := range out {
		p.ce.TotalReceived = sum.received
		p.ce.MinConfirmations = sum.minConf
		p.ce.CoveredConfirmations = sum.covered
		events = append(events, domain.Event{
			Kind:      p.kind,
			PaymentID: req.PaymentID,
			Payload:   p.ce,
		})
	}
	return events
}

type summary struct {
	received decimal.Decimal
	minConf  int
	covered  int
}

// totals sums the live transfers. covered is the confirmation count of the
// shallowest transfer needed to reach requested when they are taken deepest
// first, so unconfirmed dust never holds back a payment already covered.
func totals(txs map[string]*MonitoredTransaction, requested decimal.Decimal) summary {
	live := make([]*MonitoredTransaction, 0, len(txs))
	for _, t := range txs {
		if t.live() {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Confirmations > live[j].Confirmations })

	s := summary{received: decimal.Zero}
	reached := false
	for _, t := range live {
		s.received = s.received.Add(t.Amount)
		s.minConf = t.Confirmations
		if !reached && s.received.GreaterThanOrEqual(requested) {
			reached = true
			s.covered = t.Confirmations
		}
	}
	return s
}

func failReason(ct domain.ChainTransaction) string {
	if ct.FailReason != "" {
		return ct.FailReason
	}
	return "transaction reverted"
}
