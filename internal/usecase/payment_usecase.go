// internal/usecase/payment_usecase.go
package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/lock"
	"crypto-payment-service/internal/metrics"
	"crypto-payment-service/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultTTLMinutes = 30
	MaxTTLMinutes     = 7 * 24 * 60
	defaultPageSize   = 20
	maxPageSize       = 100
	expiryBatchSize   = 100
)

// AddressAllocator hands out claimed one-time addresses.
type AddressAllocator interface {
	Allocate(ctx context.Context, currency *domain.CryptoCurrency) (*domain.PaymentAddress, error)
}

// AddressWatcher is the transaction monitor's registration surface.
type AddressWatcher interface {
	Watch(req domain.WatchRequest) error
	Unwatch(address string)
}

// EventPublisher puts events on the in-process bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// ErrorReporter receives failures that must not propagate to the caller.
type ErrorReporter interface {
	Report(component string, err error)
}

type CreatePaymentRequest struct {
	ExternalPaymentID string
	Currency          string
	Amount            decimal.Decimal
	BuyerID           *string
	TTLMinutes        int
	Metadata          map[string]string
}

type UpdateStatusRequest struct {
	PaymentID       string
	Status          domain.PaymentStatus
	TransactionHash *string
	ReceivedAmount  *decimal.Decimal
	Confirmations   *int
}

// PaymentUsecase owns the payment state machine. UpdateStatus is the only
// write path for an existing payment.
type PaymentUsecase struct {
	payments   repository.PaymentRepository
	currencies repository.CurrencyRepository
	allocator  AddressAllocator
	watcher    AddressWatcher
	publisher  EventPublisher
	reporter   ErrorReporter
	locker     lock.Locker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewPaymentUsecase(
	payments repository.PaymentRepository,
	currencies repository.CurrencyRepository,
	allocator AddressAllocator,
	watcher AddressWatcher,
	publisher EventPublisher,
	reporter ErrorReporter,
	locker lock.Locker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PaymentUsecase {
	return &PaymentUsecase{
		payments:   payments,
		currencies: currencies,
		allocator:  allocator,
		watcher:    watcher,
		publisher:  publisher,
		reporter:   reporter,
		locker:     locker,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

func externalLockKey(externalID string) string { return "payment:ext:" + externalID }
func paymentLockKey(id string) string          { return "payment:" + id }

// ============================================================================
// CREATION
// ============================================================================

// CreatePayment is idempotent on ExternalPaymentID: an existing payment is
// returned unchanged whatever the rest of the request says.
func (uc *PaymentUsecase) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.Payment, error) {
	const op = "PaymentUsecase.CreatePayment"

	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	if req.ExternalPaymentID == "" {
		return nil, apperr.Validation(op, "external payment id is required")
	}

	if existing, err := uc.findByExternalID(ctx, req.ExternalPaymentID); err != nil || existing != nil {
		return existing, err
	}

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	unlock, err := uc.locker.Lock(ctx, externalLockKey(req.ExternalPaymentID))
	if err != nil {
		return nil, fmt.Errorf("lock external id: %w", err)
	}
	defer unlock()

	// another caller may have finished while we waited
	if existing, err := uc.findByExternalID(ctx, req.ExternalPaymentID); err != nil || existing != nil {
		return existing, err
	}

	currency, err := uc.currencies.GetBySymbol(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	addr, err := uc.allocator.Allocate(ctx, currency)
	if err != nil {
		return nil, err
	}

	ttl := req.TTLMinutes
	if ttl == 0 {
		ttl = DefaultTTLMinutes
	}
	now := uc.now()
	payment := &domain.Payment{
		ID:                    uuid.NewString(),
		ExternalPaymentID:     req.ExternalPaymentID,
		CurrencyID:            currency.ID,
		CurrencySymbol:        currency.Symbol,
		Network:               currency.Network,
		AddressID:             addr.ID,
		Address:               addr.Address,
		RequestedAmount:       req.Amount,
		Status:                domain.PaymentStatusPending,
		RequiredConfirmations: currency.RequiredConfirmations,
		BuyerID:               req.BuyerID,
		Metadata:              req.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
		ExpiresAt:             now.Add(time.Duration(ttl) * time.Minute),
	}

	if err := uc.payments.Create(ctx, payment); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			// lost a race with a replica that does not share our lock
			uc.logger.Warn("payment created concurrently, returning existing",
				zap.String("external_payment_id", req.ExternalPaymentID),
				zap.Int64("burned_address_id", addr.ID))
			return uc.payments.GetByExternalID(ctx, req.ExternalPaymentID)
		}
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	uc.logger.Info("payment created",
		zap.String("payment_id", payment.ID),
		zap.String("external_payment_id", payment.ExternalPaymentID),
		zap.String("currency", currency.Symbol),
		zap.String("address", addr.Address),
		zap.String("amount", req.Amount.String()),
		zap.Time("expires_at", payment.ExpiresAt))
	uc.metrics.PaymentsCreated.WithLabelValues(currency.Symbol).Inc()

	uc.watch(payment)
	uc.publish(ctx, domain.Event{
		Kind:      domain.EventPaymentCreated,
		PaymentID: payment.ID,
		Payload: domain.PaymentCreatedPayload{
			PaymentID:         payment.ID,
			ExternalPaymentID: payment.ExternalPaymentID,
			Currency:          currency.Symbol,
			Address:           payment.Address,
			RequestedAmount:   payment.RequestedAmount,
			ExpiresAt:         payment.ExpiresAt,
		},
	})

	return payment, nil
}

func validateCreate(req CreatePaymentRequest) error {
	const op = "PaymentUsecase.CreatePayment"
	if strings.TrimSpace(req.Currency) == "" {
		return apperr.Validation(op, "currency is required")
	}
	if !req.Amount.IsPositive() {
		return apperr.Validation(op, "amount must be positive, got %s", req.Amount.String())
	}
	if req.TTLMinutes < 0 || req.TTLMinutes > MaxTTLMinutes {
		return apperr.Validation(op, "ttl must be between 0 and %d minutes", MaxTTLMinutes)
	}
	return nil
}

func (uc *PaymentUsecase) findByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	p, err := uc.payments.GetByExternalID(ctx, externalID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, nil
	}
	return p, err
}

func (uc *PaymentUsecase) watch(p *domain.Payment) {
	err := uc.watcher.Watch(domain.WatchRequest{
		PaymentID:             p.ID,
		Address:               p.Address,
		Network:               p.Network,
		RequestedAmount:       p.RequestedAmount,
		RequiredConfirmations: p.RequiredConfirmations,
		CreatedAt:             p.CreatedAt,
		ExpiresAt:             p.ExpiresAt,
	})
	if err != nil {
		uc.reporter.Report("lifecycle.watch", err)
	}
}

func (uc *PaymentUsecase) publish(ctx context.Context, ev domain.Event) {
	if err := uc.publisher.Publish(ctx, ev); err != nil {
		uc.reporter.Report("lifecycle.publish", fmt.Errorf("publish %s for %s: %w", ev.Kind, ev.PaymentID, err))
	}
}

// ============================================================================
// QUERIES
// ============================================================================

func (uc *PaymentUsecase) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	return uc.payments.GetByID(ctx, id)
}

func (uc *PaymentUsecase) GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return uc.payments.GetByExternalID(ctx, externalID)
}

func (uc *PaymentUsecase) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*domain.Payment, error) {
	if buyerID == "" {
		return nil, apperr.Validation("PaymentUsecase.ListByBuyer", "buyer id is required")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return uc.payments.ListByBuyer(ctx, buyerID, limit, offset)
}

// ============================================================================
// STATUS UPDATES
// ============================================================================

// UpdateStatus applies a status change under the payment's lock.
//
// Same status is a no-op and terminal payments are returned unchanged. Any
// other disallowed transition is a validation error.
func (uc *PaymentUsecase) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*domain.Payment, error) {
	if !req.Status.Valid() {
		return nil, apperr.Validation("PaymentUsecase.UpdateStatus", "unknown status %q", req.Status)
	}

	unlock, err := uc.locker.Lock(ctx, paymentLockKey(req.PaymentID))
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	defer unlock()

	p, err := uc.payments.GetByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	return uc.applyLocked(ctx, p, req)
}

// CancelPayment cancels a payment that has not yet received funds.
func (uc *PaymentUsecase) CancelPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: id, Status: domain.PaymentStatusCancelled})
}

// applyLocked must run with the payment's lock held and p freshly read.
func (uc *PaymentUsecase) applyLocked(ctx context.Context, p *domain.Payment, req UpdateStatusRequest) (*domain.Payment, error) {
	if p.Status.IsTerminal() {
		if req.Status != p.Status {
			uc.logger.Info("ignoring transition on terminal payment",
				zap.String("payment_id", p.ID),
				zap.String("status", string(p.Status)),
				zap.String("requested", string(req.Status)))
		}
		return p, nil
	}

	if req.Status == p.Status {
		return p, nil
	}

	if !domain.CanTransition(p.Status, req.Status) {
		return nil, &apperr.Error{
			Kind:    apperr.KindValidation,
			Op:      "PaymentUsecase.UpdateStatus",
			Message: fmt.Sprintf("cannot move payment %s from %s to %s", p.ID, p.Status, req.Status),
			Err:     apperr.ErrInvalidTransition,
		}
	}

	old := p.Status
	now := uc.now()
	next := p.Clone()
	next.Status = req.Status
	mergeDetails(next, req)
	next.UpdatedAt = now
	if req.Status == domain.PaymentStatusConfirmed || req.Status == domain.PaymentStatusFailed {
		next.CompletedAt = &now
	}

	if err := uc.payments.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("persist status change: %w", err)
	}

	uc.logger.Info("payment status changed",
		zap.String("payment_id", next.ID),
		zap.String("from", string(old)),
		zap.String("to", string(next.Status)),
		zap.Int("confirmations", next.Confirmations))
	uc.metrics.StatusTransitions.WithLabelValues(string(old), string(next.Status)).Inc()

	if next.Status.IsTerminal() {
		uc.watcher.Unwatch(next.Address)
	}

	uc.publish(ctx, domain.Event{
		Kind:      domain.EventPaymentStatusChanged,
		PaymentID: next.ID,
		Payload: domain.PaymentStatusChangedPayload{
			PaymentID:         next.ID,
			ExternalPaymentID: next.ExternalPaymentID,
			OldStatus:         old,
			NewStatus:         next.Status,
			TransactionHash:   next.TransactionHash,
			ReceivedAmount:    next.ReceivedAmount,
			Confirmations:     next.Confirmations,
		},
	})
	return next, nil
}

// refreshDetails records newer chain observations on a payment whose status
// does not change. Nothing is emitted.
func (uc *PaymentUsecase) refreshDetails(ctx context.Context, p *domain.Payment, req UpdateStatusRequest) (*domain.Payment, error) {
	next := p.Clone()
	if !mergeDetails(next, req) {
		return p, nil
	}
	next.UpdatedAt = uc.now()
	if err := uc.payments.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("persist payment details: %w", err)
	}
	return next, nil
}

// mergeDetails copies transaction details onto p. Confirmations never go
// down. It reports whether anything changed.
func mergeDetails(p *domain.Payment, req UpdateStatusRequest) bool {
	changed := false
	if req.TransactionHash != nil && (p.TransactionHash == nil || *p.TransactionHash != *req.TransactionHash) {
		h := *req.TransactionHash
		p.TransactionHash = &h
		changed = true
	}
	if req.ReceivedAmount != nil && (p.ReceivedAmount == nil || !p.ReceivedAmount.Equal(*req.ReceivedAmount)) {
		v := *req.ReceivedAmount
		p.ReceivedAmount = &v
		changed = true
	}
	if req.Confirmations != nil && *req.Confirmations > p.Confirmations {
		p.Confirmations = *req.Confirmations
		changed = true
	}
	return changed
}

// ============================================================================
// EXPIRY
// ============================================================================

// ExpireStalePayments moves every Pending payment past its expiry to
// Expired and returns how many it moved. Payments in any other state are
// left alone.
func (uc *PaymentUsecase) ExpireStalePayments(ctx context.Context) (int, error) {
	expired := 0
	skipped := make(map[string]struct{})

	for {
		batch, err := uc.payments.ListExpiredPending(ctx, uc.now(), expiryBatchSize+len(skipped))
		if err != nil {
			return expired, fmt.Errorf("list expired payments: %w", err)
		}

		progressed := false
		for _, p := range batch {
			if _, ok := skipped[p.ID]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return expired, err
			}

			ok, err := uc.expireOne(ctx, p.ID)
			if err != nil {
				uc.reporter.Report("lifecycle.expiry", fmt.Errorf("expire %s: %w", p.ID, err))
				skipped[p.ID] = struct{}{}
				continue
			}
			if ok {
				expired++
				progressed = true
			} else {
				skipped[p.ID] = struct{}{}
			}
		}

		if !progressed || len(batch) < expiryBatchSize+len(skipped) {
			break
		}
	}

	if expired > 0 {
		uc.logger.Info("stale payments expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (uc *PaymentUsecase) expireOne(ctx context.Context, id string) (bool, error) {
	unlock, err := uc.locker.Lock(ctx, paymentLockKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	p, err := uc.payments.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status != domain.PaymentStatusPending || !p.IsExpired(uc.now()) {
		return false, nil
	}

	if _, err := uc.applyLocked(ctx, p, UpdateStatusRequest{
		PaymentID: id,
		Status:    domain.PaymentStatusExpired,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Rewatch registers every non-terminal payment with the monitor. It runs
// once at startup.
func (uc *PaymentUsecase) Rewatch(ctx context.Context) (int, error) {
	active, err := uc.payments.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active payments: %w", err)
	}
	for _, p := range active {
		uc.watch(p)
	}
	uc.logger.Info("active payments re-watched", zap.Int("count", len(active)))
	return len(active), nil
}
