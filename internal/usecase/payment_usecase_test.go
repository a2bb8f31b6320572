package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto-payment-service/internal/allocator"
	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/chains"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"
	"crypto-payment-service/internal/lock"
	"crypto-payment-service/internal/metrics"
	"crypto-payment-service/internal/repository/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeKeys struct{ n int64 }

func (f *fakeKeys) Generate(network domain.Network) (*chains.KeyPair, error) {
	n := atomic.AddInt64(&f.n, 1)
	return &chains.KeyPair{Address: fmt.Sprintf("%s-%d", network, n), PublicKey: "pub", EncryptedPrivateKey: "sealed", EncryptionVersion: "v1"}, nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]domain.WatchRequest
}

func (w *fakeWatcher) Watch(req domain.WatchRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[req.Address] = req
	return nil
}

func (w *fakeWatcher) Unwatch(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, address)
}

func (w *fakeWatcher) has(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[address]
	return ok
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type harness struct {
	uc       *PaymentUsecase
	store    *memstore.Store
	keys     *fakeKeys
	watcher  *fakeWatcher
	reporter *fakeReporter
	events   *events.Subscription
	clock    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	for _, c := range domain.DefaultCurrencies() {
		require.NoError(t, store.Currencies().Upsert(ctx, c))
	}

	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("test", 256, nil)
	t.Cleanup(bus.Close)

	keys := &fakeKeys{}
	m := metrics.NewNop()
	h := &harness{
		store:    store,
		keys:     keys,
		watcher:  &fakeWatcher{watched: make(map[string]domain.WatchRequest)},
		reporter: &fakeReporter{},
		events:   sub,
	}
	alloc := allocator.New(store.Addresses(), keys, m, zap.NewNop())
	h.uc = NewPaymentUsecase(store.Payments(), store.Currencies(), alloc, h.watcher, bus,
		h.reporter, lock.NewKeyedMutex(), m, zap.NewNop())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.clock = &now
	h.uc.now = func() time.Time { return *h.clock }
	return h
}

func (h *harness) drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-h.events.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) create(t *testing.T, ext string, amount string) *domain.Payment {
	t.Helper()
	p, err := h.uc.CreatePayment(context.Background(), CreatePaymentRequest{
		ExternalPaymentID: ext,
		Currency:          "BTC",
		Amount:            decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return p
}

func TestCreatePayment(t *testing.T) {
	h := newHarness(t)

	p := h.create(t, "p1", "0.001")

	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.NotEmpty(t, p.Address)
	assert.Equal(t, 6, p.RequiredConfirmations)
	assert.Equal(t, h.clock.Add(30*time.Minute), p.ExpiresAt)
	assert.True(t, h.watcher.has(p.Address))

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventPaymentCreated, evs[0].Kind)
	assert.Equal(t, p.ID, evs[0].PaymentID)
}

func TestCreatePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "p1", "0.001")
	h.drain()

	again, err := h.uc.CreatePayment(context.Background(), CreatePaymentRequest{
		ExternalPaymentID: "p1",
		Currency:          "ETH",
		Amount:            decimal.RequireFromString("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.RequestedAmount.Equal(again.RequestedAmount))
	assert.Equal(t, first.AddressID, again.AddressID)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.keys.n), "no new address consumed")
	assert.Empty(t, h.drain())
}

func TestConcurrentCreateReturnsSinglePayment(t *testing.T) {
	h := newHarness(t)

	const callers = 25
	results := make([]*domain.Payment, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.uc.CreatePayment(context.Background(), CreatePaymentRequest{
				ExternalPaymentID: "same",
				Currency:          "BTC",
				Amount:            decimal.NewFromInt(int64(i + 1)),
			})
			if assert.NoError(t, err) {
				results[i] = p
			}
		}(i)
	}
	wg.Wait()

	for _, p := range results[1:] {
		require.NotNil(t, p)
		assert.Equal(t, results[0].ID, p.ID)
		assert.Equal(t, results[0].AddressID, p.AddressID)
		assert.True(t, results[0].RequestedAmount.Equal(p.RequestedAmount))
	}
	created := 0
	for _, ev := range h.drain() {
		if ev.Kind == domain.EventPaymentCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestCreatePaymentRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.uc.CreatePayment(ctx, CreatePaymentRequest{ExternalPaymentID: "x", Currency: "DOGE", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperr.ErrCurrencyNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = h.uc.CreatePayment(ctx, CreatePaymentRequest{ExternalPaymentID: "y", Currency: "BTC", Amount: decimal.Zero})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.uc.CreatePayment(ctx, CreatePaymentRequest{Currency: "BTC", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPaymentsNeverShareAddresses(t *testing.T) {
	h := newHarness(t)
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		p := h.create(t, fmt.Sprintf("ext-%d", i), "1")
		assert.False(t, seen[p.AddressID])
		seen[p.AddressID] = true
	}
}

func TestUpdateStatusSameStatusEmitsNothing(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "p1", "1")
	h.drain()

	hash := "abc"
	conf := 3
	got, err := h.uc.UpdateStatus(context.Background(), UpdateStatusRequest{
		PaymentID: p.ID, Status: domain.PaymentStatusPending,
		TransactionHash: &hash, Confirmations: &conf,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, got.Status)
	assert.Empty(t, h.drain())

	stored, err := h.uc.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.TransactionHash, "same-status updates write nothing")
	assert.Zero(t, stored.Confirmations)
	assert.Equal(t, p.UpdatedAt, stored.UpdatedAt)
}

func TestUpdateStatusTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "p1", "1")
	h.drain()

	hash := "abc"
	amount := decimal.NewFromInt(1)
	conf := 6
	got, err := h.uc.UpdateStatus(ctx, UpdateStatusRequest{
		PaymentID: p.ID, Status: domain.PaymentStatusConfirmed,
		TransactionHash: &hash, ReceivedAmount: &amount, Confirmations: &conf,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 6, got.Confirmations)
	assert.False(t, h.watcher.has(p.Address))

	evs := h.drain()
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(domain.PaymentStatusChangedPayload)
	assert.Equal(t, domain.PaymentStatusPending, payload.OldStatus)
	assert.Equal(t, domain.PaymentStatusConfirmed, payload.NewStatus)

	// terminal: no-op, no error
	again, err := h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: p.ID, Status: domain.PaymentStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusConfirmed, again.Status)
	assert.Empty(t, h.drain())
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "p1", "1")

	_, err := h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: p.ID, Status: domain.PaymentStatusPaid})
	require.NoError(t, err)

	_, err = h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: p.ID, Status: domain.PaymentStatusCancelled})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: p.ID, Status: domain.PaymentStatusPending})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: "missing", Status: domain.PaymentStatusPaid})
	assert.ErrorIs(t, err, apperr.ErrPaymentNotFound)
}

func TestConcurrentUpdatesEmitOneEventPerTransition(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "p1", "1")
	h.drain()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.uc.UpdateStatus(context.Background(), UpdateStatusRequest{PaymentID: p.ID, Status: domain.PaymentStatusPaid})
		}()
	}
	wg.Wait()

	assert.Len(t, h.drain(), 1)
}

func TestCancelPaymentOnlyFromPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "p1", "1")
	got, err := h.uc.CancelPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, got.Status)
	assert.Nil(t, got.CompletedAt)

	q := h.create(t, "p2", "1")
	_, err = h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: q.ID, Status: domain.PaymentStatusPartiallyPaid})
	require.NoError(t, err)
	_, err = h.uc.CancelPayment(ctx, q.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestExpireStalePaymentsOnlyTouchesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.create(t, "pending", "1")
	partial := h.create(t, "partial", "1")
	confirmed := h.create(t, "confirmed", "1")
	cancelled := h.create(t, "cancelled", "1")

	_, err := h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: partial.ID, Status: domain.PaymentStatusPartiallyPaid})
	require.NoError(t, err)
	_, err = h.uc.UpdateStatus(ctx, UpdateStatusRequest{PaymentID: confirmed.ID, Status: domain.PaymentStatusConfirmed})
	require.NoError(t, err)
	_, err = h.uc.CancelPayment(ctx, cancelled.ID)
	require.NoError(t, err)

	// not yet expired
	n, err := h.uc.ExpireStalePayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	later := h.clock.Add(31 * time.Minute)
	h.clock = &later
	fresh := h.create(t, "fresh", "1")
	h.drain()

	n, err = h.uc.ExpireStalePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states := map[string]domain.PaymentStatus{
		pending.ID:   domain.PaymentStatusExpired,
		partial.ID:   domain.PaymentStatusPartiallyPaid,
		confirmed.ID: domain.PaymentStatusConfirmed,
		cancelled.ID: domain.PaymentStatusCancelled,
		fresh.ID:     domain.PaymentStatusPending,
	}
	for id, want := range states {
		got, err := h.uc.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	evs := h.drain()
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(domain.PaymentStatusChangedPayload)
	assert.Equal(t, domain.PaymentStatusExpired, payload.NewStatus)
	assert.Equal(t, domain.PriorityNormal, domain.PriorityFor(evs[0]))
	assert.False(t, h.watcher.has(pending.Address))
}

func TestListByBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := "buyer-1"
	for i := 0; i < 3; i++ {
		_, err := h.uc.CreatePayment(ctx, CreatePaymentRequest{
			ExternalPaymentID: fmt.Sprintf("b-%d", i), Currency: "ETH",
			Amount: decimal.NewFromInt(1), BuyerID: &buyer,
		})
		require.NoError(t, err)
		later := h.clock.Add(time.Second)
		h.clock = &later
	}
	h.create(t, "someone-else", "1")

	page, err := h.uc.ListByBuyer(ctx, buyer, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b-2", page[0].ExternalPaymentID)

	rest, err := h.uc.ListByBuyer(ctx, buyer, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b-0", rest[0].ExternalPaymentID)

	_, err = h.uc.ListByBuyer(ctx, "", 10, 0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRewatchRegistersActivePayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "a", "1")
	b := h.create(t, "b", "1")
	_, err := h.uc.CancelPayment(ctx, b.ID)
	require.NoError(t, err)

	h.watcher.watched = make(map[string]domain.WatchRequest)
	n, err := h.uc.Rewatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.watcher.has(a.Address))
	assert.False(t, h.watcher.has(b.Address))
}
