package events

import (
	"context"
	"testing"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishFansOutInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	a := bus.Subscribe("a", 10, nil)
	b := bus.Subscribe("b", 10, nil)

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Publish(ctx, domain.Event{Kind: domain.EventPaymentCreated, PaymentID: id}))
	}

	for _, sub := range []*Subscription{a, b} {
		for _, want := range []string{"1", "2", "3"} {
			ev := <-sub.Events()
			assert.Equal(t, want, ev.PaymentID)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.OccurredAt.IsZero())
		}
	}
}

func TestFilterSelectsChainEvents(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe("chain", 10, ChainEvents)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.Event{Kind: domain.EventPaymentCreated}))
	require.NoError(t, bus.Publish(ctx, domain.Event{Kind: domain.EventTransactionDetected, PaymentID: "p"}))

	ev := <-sub.Events()
	assert.Equal(t, domain.EventTransactionDetected, ev.Kind)
	assert.Len(t, sub.Events(), 0)
}

func TestPublishBlocksOnFullBufferUntilContextDone(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe("slow", 1, nil)

	require.NoError(t, bus.Publish(context.Background(), domain.Event{Kind: domain.EventPaymentCreated}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, domain.Event{Kind: domain.EventPaymentCreated})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe("s", 1, nil)
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.ErrorIs(t, bus.Publish(context.Background(), domain.Event{}), ErrBusClosed)
}

func TestUnsubscribeUnblocksPublisher(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe("s", 0, nil)

	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), domain.Event{}) }()

	time.Sleep(10 * time.Millisecond)
	bus.Unsubscribe("s")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked")
	}
}
