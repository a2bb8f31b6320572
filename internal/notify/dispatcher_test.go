package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"
	"crypto-payment-service/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	group string
	event string
	id    string
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	attempts map[string]int
	// fail reports whether the n-th attempt (1-based) of item id fails.
	fail func(id string, n int) bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: make(map[string]int)}
}

func (f *fakeTransport) SendToGroup(_ context.Context, group, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := payload.(string)
	f.attempts[id]++
	if f.fail != nil && f.fail(id, f.attempts[id]) {
		return errors.New("socket closed")
	}
	f.sent = append(f.sent, sent{group: group, event: event, id: id})
	return nil
}

func (f *fakeTransport) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.id)
	}
	return out
}

type countingReporter struct {
	mu sync.Mutex
	n  int
}

func (r *countingReporter) Report(string, error) {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func newTestDispatcher(cfg Config, tr Transport) (*Dispatcher, *countingReporter) {
	rep := &countingReporter{}
	d := NewDispatcher(cfg, tr, rep, metrics.NewNop(), zap.NewNop())
	return d, rep
}

// item uses the id as payload so the fake transport can tell items apart.
func item(id, paymentID string, p domain.Priority) domain.NotificationItem {
	return domain.NotificationItem{
		ID:        id,
		PaymentID: paymentID,
		Kind:      domain.EventPaymentStatusChanged,
		Payload:   id,
		Priority:  p,
	}
}

func TestFlushTakesPriorityShares(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDispatcher(Config{DefaultBatch: 60}, tr)

	for i := 0; i < 40; i++ {
		require.NoError(t, d.Enqueue(item(fmt.Sprintf("h%d", i), fmt.Sprintf("ph%d", i), domain.PriorityHigh)))
		require.NoError(t, d.Enqueue(item(fmt.Sprintf("n%d", i), fmt.Sprintf("pn%d", i), domain.PriorityNormal)))
		require.NoError(t, d.Enqueue(item(fmt.Sprintf("l%d", i), fmt.Sprintf("pl%d", i), domain.PriorityLow)))
	}

	assert.Equal(t, 60, d.Flush(context.Background()))

	st := d.Stats()
	assert.Equal(t, 10, st.High)
	assert.Equal(t, 20, st.Normal)
	assert.Equal(t, 30, st.Low)
	assert.Equal(t, uint64(60), st.Delivered)
}

func TestGroupsDeliverHighestPriorityFirst(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDispatcher(Config{}, tr)

	require.NoError(t, d.Enqueue(item("b-normal", "b", domain.PriorityNormal)))
	require.NoError(t, d.Enqueue(item("a-low", "a", domain.PriorityLow)))
	require.NoError(t, d.Enqueue(item("a-high", "a", domain.PriorityHigh)))

	d.Flush(context.Background())
	assert.Equal(t, []string{"a-high", "a-low", "b-normal"}, tr.ids())
	assert.Equal(t, "payment_a", tr.sent[0].group)
	assert.Equal(t, string(domain.EventPaymentStatusChanged), tr.sent[0].event)
}

func TestPerPaymentOrderIsKept(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDispatcher(Config{}, tr)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, d.Enqueue(item(id, "p1", domain.PriorityHigh)))
	}
	d.Flush(context.Background())
	assert.Equal(t, []string{"s1", "s2", "s3"}, tr.ids())
}

func TestHighItemRetriedUntilDelivered(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = func(id string, n int) bool { return id == "s1" && n <= 2 }
	d, rep := newTestDispatcher(Config{}, tr)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(item("s1", "p1", domain.PriorityHigh)))
	require.NoError(t, d.Enqueue(item("s2", "p1", domain.PriorityHigh)))

	assert.Equal(t, 0, d.Flush(ctx))
	assert.Equal(t, 2, d.Stats().High, "failed item and its successor go back")
	assert.Equal(t, 0, d.Flush(ctx))
	assert.Equal(t, 2, d.Flush(ctx))

	assert.Equal(t, []string{"s1", "s2"}, tr.ids())
	assert.Equal(t, 3, tr.attempts["s1"])
	assert.Equal(t, 1, tr.attempts["s2"])
	st := d.Stats()
	assert.Equal(t, uint64(2), st.Retried)
	assert.Zero(t, st.Dropped)
	assert.Zero(t, rep.n)
}

func TestHighItemDroppedAfterRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = func(id string, _ int) bool { return id == "s1" }
	d, rep := newTestDispatcher(Config{}, tr)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(item("s1", "p1", domain.PriorityHigh)))
	for i := 0; i < 4; i++ {
		d.Flush(ctx)
	}

	assert.Equal(t, 4, tr.attempts["s1"])
	st := d.Stats()
	assert.Equal(t, uint64(3), st.Retried)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Zero(t, st.High)
	assert.Equal(t, 1, rep.n)
}

func TestNormalFailureIsDropped(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = func(id string, _ int) bool { return id == "n1" }
	d, rep := newTestDispatcher(Config{}, tr)

	require.NoError(t, d.Enqueue(item("n1", "p1", domain.PriorityNormal)))
	require.NoError(t, d.Enqueue(item("n2", "p1", domain.PriorityNormal)))
	d.Flush(context.Background())

	assert.Equal(t, []string{"n2"}, tr.ids())
	assert.Equal(t, 1, tr.attempts["n1"])
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Equal(t, 1, rep.n)
}

func TestBusyLoadConvergesToFloor(t *testing.T) {
	d, _ := newTestDispatcher(Config{}, newFakeTransport())
	ctx := context.Background()

	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 150; i++ {
			require.NoError(t, d.Enqueue(item(fmt.Sprintf("%d-%d", cycle, i), fmt.Sprintf("p%d", i), domain.PriorityLow)))
		}
		d.Cycle(ctx)
	}

	st := d.Stats()
	assert.Equal(t, 100*time.Millisecond, st.Interval)
	assert.Equal(t, 200, st.BatchSize)
	assert.InDelta(t, 150, st.WindowAverage, 0.001)
}

func TestIdleLoadConvergesToCeiling(t *testing.T) {
	d, _ := newTestDispatcher(Config{}, newFakeTransport())
	for i := 0; i < 10; i++ {
		d.Cycle(context.Background())
	}

	st := d.Stats()
	assert.Equal(t, 5*time.Second, st.Interval)
	assert.Equal(t, 10, st.BatchSize)
}

func TestModerateLoadResetsToDefaults(t *testing.T) {
	d, _ := newTestDispatcher(Config{}, newFakeTransport())
	ctx := context.Background()

	d.Cycle(ctx)
	require.NotEqual(t, time.Second, d.Stats().Interval)

	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 50; i++ {
			require.NoError(t, d.Enqueue(item(fmt.Sprintf("%d-%d", cycle, i), "p", domain.PriorityLow)))
		}
		d.Cycle(ctx)
	}

	st := d.Stats()
	assert.Equal(t, time.Second, st.Interval)
	assert.Equal(t, 50, st.BatchSize)
}

func TestHighBurstFlushesImmediately(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDispatcher(Config{DefaultInterval: time.Hour, MaxInterval: time.Hour}, tr)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(item(fmt.Sprintf("n%d", i), fmt.Sprintf("p%d", i), domain.PriorityNormal)))
	}
	require.NoError(t, d.Enqueue(item("urgent", "px", domain.PriorityHigh)))

	assert.Eventually(t, func() bool {
		for _, id := range tr.ids() {
			if id == "urgent" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStopRejectsEnqueue(t *testing.T) {
	d, _ := newTestDispatcher(Config{}, newFakeTransport())
	d.Start(context.Background())

	require.NoError(t, d.Stop(context.Background()))
	err := d.Enqueue(item("late", "p1", domain.PriorityHigh))
	assert.ErrorIs(t, err, apperr.ErrDispatcherStopped)
	assert.NoError(t, d.Stop(context.Background()))
}

func TestConsumeEnqueuesBusEvents(t *testing.T) {
	d, _ := newTestDispatcher(Config{}, newFakeTransport())
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe("dispatcher", 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, sub)

	require.NoError(t, bus.Publish(ctx, domain.Event{
		Kind:      domain.EventPaymentStatusChanged,
		PaymentID: "p1",
		Payload:   domain.PaymentStatusChangedPayload{PaymentID: "p1", NewStatus: domain.PaymentStatusPaid},
	}))
	require.NoError(t, bus.Publish(ctx, domain.Event{
		Kind:      domain.EventTransactionUpdated,
		PaymentID: "p1",
		Payload:   domain.ChainEvent{PaymentID: "p1"},
	}))

	assert.Eventually(t, func() bool {
		st := d.Stats()
		return st.High == 1 && st.Normal == 1
	}, time.Second, 5*time.Millisecond)
}
