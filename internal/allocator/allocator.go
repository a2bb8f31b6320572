// Package allocator issues one-time receiving addresses. An address moves
// from unused to used exactly once and is never handed to two payments.
package allocator

import (
	"context"
	"fmt"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/chains"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/metrics"
	"crypto-payment-service/internal/repository"

	"go.uber.org/zap"
)

// KeyGenerator produces encrypted key pairs. *chains.KeyManager satisfies it.
type KeyGenerator interface {
	Generate(network domain.Network) (*chains.KeyPair, error)
}

// Allocator hands out addresses from the pool, generating new ones when the
// pool for a currency is empty.
type Allocator struct {
	addresses   repository.AddressRepository
	keys        KeyGenerator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func New(addresses repository.AddressRepository, keys KeyGenerator, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	return &Allocator{
		addresses:   addresses,
		keys:        keys,
		metrics:     m,
		logger:      logger,
		maxAttempts: 10,
		now:         time.Now,
	}
}

// AcquireUnused returns the oldest unused address for the currency, or nil
// when the pool is empty. The address is not claimed until MarkUsed.
func (a *Allocator) AcquireUnused(ctx context.Context, currency *domain.CryptoCurrency) (*domain.PaymentAddress, error) {
	addr, err := a.addresses.FindUnused(ctx, currency.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire unused address: %w", err)
	}
	return addr, nil
}

// Generate creates and stores a fresh unused address through the key manager.
func (a *Allocator) Generate(ctx context.Context, currency *domain.CryptoCurrency) (*domain.PaymentAddress, error) {
	pair, err := a.keys.Generate(currency.Network)
	if err != nil {
		return nil, err
	}

	addr := &domain.PaymentAddress{
		Address:             pair.Address,
		CurrencyID:          currency.ID,
		Network:             currency.Network,
		PublicKey:           pair.PublicKey,
		EncryptedPrivateKey: pair.EncryptedPrivateKey,
		EncryptionVersion:   pair.EncryptionVersion,
	}
	if err := a.addresses.Create(ctx, addr); err != nil {
		return nil, fmt.Errorf("store generated address: %w", err)
	}

	a.logger.Info("address generated",
		zap.String("currency", currency.Symbol),
		zap.String("address", addr.Address),
		zap.Int64("address_id", addr.ID))
	return addr, nil
}

// MarkUsed claims an address. It reports false, without error, when the
// address had already been claimed.
func (a *Allocator) MarkUsed(ctx context.Context, addressID int64) (bool, error) {
	claimed, err := a.addresses.MarkUsed(ctx, addressID, a.now())
	if err != nil {
		return false, fmt.Errorf("mark address used: %w", err)
	}
	return claimed, nil
}

// Allocate returns an address claimed for the caller: pool first, then a
// freshly generated one. A lost claim race moves on to the next candidate.
func (a *Allocator) Allocate(ctx context.Context, currency *domain.CryptoCurrency) (*domain.PaymentAddress, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		source := "pool"
		addr, err := a.AcquireUnused(ctx, currency)
		if err != nil {
			return nil, err
		}
		if addr == nil {
			source = "generated"
			if addr, err = a.Generate(ctx, currency); err != nil {
				return nil, err
			}
		}

		claimed, err := a.MarkUsed(ctx, addr.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			a.logger.Debug("address claimed concurrently, retrying",
				zap.Int64("address_id", addr.ID),
				zap.Int("attempt", attempt+1))
			continue
		}

		used := a.now()
		addr.Used = true
		addr.UsedAt = &used
		a.metrics.AddressesIssued.WithLabelValues(string(currency.Network), source).Inc()
		return addr, nil
	}

	return nil, apperr.Transient("Allocator.Allocate", nil,
		"could not claim an address for %s after %d attempts", currency.Symbol, a.maxAttempts)
}

// Replenish tops the pool for a currency up to target unused addresses.
func (a *Allocator) Replenish(ctx context.Context, currency *domain.CryptoCurrency, target int) (int, error) {
	have, err := a.addresses.CountUnused(ctx, currency.ID)
	if err != nil {
		return 0, fmt.Errorf("count unused addresses: %w", err)
	}
	created := 0
	for i := have; i < target; i++ {
		if _, err := a.Generate(ctx, currency); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
