// internal/repository/interface_repo.go
package repository

import (
	"context"
	"time"

	"crypto-payment-service/internal/domain"
)

// CurrencyRepository serves immutable currency reference data.
type CurrencyRepository interface {
	// GetBySymbol returns only active currencies.
	GetBySymbol(ctx context.Context, symbol string) (*domain.CryptoCurrency, error)
	GetByID(ctx context.Context, id int64) (*domain.CryptoCurrency, error)
	List(ctx context.Context) ([]*domain.CryptoCurrency, error)
	// Upsert provisions a currency keyed by symbol.
	Upsert(ctx context.Context, c *domain.CryptoCurrency) error
}

// AddressRepository stores the receiving address pool.
type AddressRepository interface {
	Create(ctx context.Context, addr *domain.PaymentAddress) error
	GetByID(ctx context.Context, id int64) (*domain.PaymentAddress, error)
	// FindUnused returns the oldest unused address for a currency, nil if none.
	FindUnused(ctx context.Context, currencyID int64) (*domain.PaymentAddress, error)
	// MarkUsed flips unused -> used atomically. It reports false when the
	// address was already used.
	MarkUsed(ctx context.Context, id int64, at time.Time) (bool, error)
	CountUnused(ctx context.Context, currencyID int64) (int, error)
}

// PaymentRepository stores payments. Update is guarded by Payment.Version.
type PaymentRepository interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id string) (*domain.Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*domain.Payment, error)
	// Update persists p when its version matches the stored one and bumps it.
	Update(ctx context.Context, p *domain.Payment) error
	// ListExpiredPending returns pending payments with expires_at before now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error)
	// ListActive returns every non-terminal payment.
	ListActive(ctx context.Context) ([]*domain.Payment, error)
}
