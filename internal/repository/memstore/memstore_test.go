package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ repository.CurrencyRepository = (*CurrencyStore)(nil)
	_ repository.AddressRepository  = (*AddressStore)(nil)
	_ repository.PaymentRepository  = (*PaymentStore)(nil)
)

func TestMarkUsedIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	addr := &domain.PaymentAddress{Address: "a1", CurrencyID: 1}
	require.NoError(t, s.Addresses().Create(ctx, addr))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Addresses().MarkUsed(ctx, addr.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	unused, err := s.Addresses().FindUnused(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, unused)
}

func TestPaymentUpdateRejectsStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	pay := &domain.Payment{
		ID: "p1", ExternalPaymentID: "ext-1", AddressID: 1,
		RequestedAmount: decimal.NewFromInt(1), Status: domain.PaymentStatusPending,
	}
	require.NoError(t, s.Payments().Create(ctx, pay))

	a, _ := s.Payments().GetByID(ctx, "p1")
	b, _ := s.Payments().GetByID(ctx, "p1")

	a.Status = domain.PaymentStatusPaid
	require.NoError(t, s.Payments().Update(ctx, a))

	b.Status = domain.PaymentStatusCancelled
	err := s.Payments().Update(ctx, b)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got, _ := s.Payments().GetByID(ctx, "p1")
	assert.Equal(t, domain.PaymentStatusPaid, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestPaymentCreateRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Payments().Create(ctx, &domain.Payment{ID: "p1", ExternalPaymentID: "ext", AddressID: 1}))

	err := s.Payments().Create(ctx, &domain.Payment{ID: "p2", ExternalPaymentID: "ext", AddressID: 2})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	err = s.Payments().Create(ctx, &domain.Payment{ID: "p3", ExternalPaymentID: "other", AddressID: 1})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCurrencyLookupIgnoresInactive(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Currencies().Upsert(ctx, &domain.CryptoCurrency{Symbol: "btc", IsActive: false}))

	_, err := s.Currencies().GetBySymbol(ctx, "BTC")
	assert.ErrorIs(t, err, apperr.ErrCurrencyNotFound)
}
