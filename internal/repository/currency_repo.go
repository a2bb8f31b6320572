// internal/repository/currency_repo.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CurrencyRepo struct {
	pool *pgxpool.Pool
}

func NewCurrencyRepo(pool *pgxpool.Pool) *CurrencyRepo {
	return &CurrencyRepo{pool: pool}
}

const currencyColumns = `id, symbol, name, decimals, network, required_confirmations, is_active`

func scanCurrency(row pgx.Row) (*domain.CryptoCurrency, error) {
	var c domain.CryptoCurrency
	var network string
	if err := row.Scan(&c.ID, &c.Symbol, &c.Name, &c.Decimals, &network,
		&c.RequiredConfirmations, &c.IsActive); err != nil {
		return nil, err
	}
	c.Network = domain.Network(network)
	return &c, nil
}

func (r *CurrencyRepo) GetBySymbol(ctx context.Context, symbol string) (*domain.CryptoCurrency, error) {
	query := `SELECT ` + currencyColumns + ` FROM crypto_currencies
		WHERE symbol = $1 AND is_active = TRUE`

	c, err := scanCurrency(r.pool.QueryRow(ctx, query, strings.ToUpper(symbol)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("CurrencyRepo.GetBySymbol", apperr.ErrCurrencyNotFound,
			"currency %s not found", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return c, nil
}

func (r *CurrencyRepo) GetByID(ctx context.Context, id int64) (*domain.CryptoCurrency, error) {
	query := `SELECT ` + currencyColumns + ` FROM crypto_currencies WHERE id = $1`

	c, err := scanCurrency(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("CurrencyRepo.GetByID", apperr.ErrCurrencyNotFound,
			"currency %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return c, nil
}

func (r *CurrencyRepo) List(ctx context.Context) ([]*domain.CryptoCurrency, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+currencyColumns+` FROM crypto_currencies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list currencies: %w", err)
	}
	defer rows.Close()

	var out []*domain.CryptoCurrency
	for rows.Next() {
		c, err := scanCurrency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CurrencyRepo) Upsert(ctx context.Context, c *domain.CryptoCurrency) error {
	query := `
		INSERT INTO crypto_currencies (symbol, name, decimals, network, required_confirmations, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		strings.ToUpper(c.Symbol), c.Name, c.Decimals, string(c.Network),
		c.RequiredConfirmations, c.IsActive,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert currency: %w", err)
	}
	return nil
}
