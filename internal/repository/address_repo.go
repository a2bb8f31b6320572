// internal/repository/address_repo.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AddressRepo struct {
	pool *pgxpool.Pool
}

func NewAddressRepo(pool *pgxpool.Pool) *AddressRepo {
	return &AddressRepo{pool: pool}
}

const addressColumns = `id, address, currency_id, network, public_key,
	encrypted_private_key, encryption_version, is_used, created_at, used_at`

func scanAddress(row pgx.Row) (*domain.PaymentAddress, error) {
	var a domain.PaymentAddress
	var network string
	if err := row.Scan(&a.ID, &a.Address, &a.CurrencyID, &network, &a.PublicKey,
		&a.EncryptedPrivateKey, &a.EncryptionVersion, &a.Used, &a.CreatedAt, &a.UsedAt); err != nil {
		return nil, err
	}
	a.Network = domain.Network(network)
	return &a, nil
}

// ============================================================================
// CORE OPERATIONS
// ============================================================================

func (r *AddressRepo) Create(ctx context.Context, addr *domain.PaymentAddress) error {
	query := `
		INSERT INTO payment_addresses (
			address, currency_id, network, public_key,
			encrypted_private_key, encryption_version, is_used
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query,
		addr.Address, addr.CurrencyID, string(addr.Network), addr.PublicKey,
		addr.EncryptedPrivateKey, addr.EncryptionVersion,
	).Scan(&addr.ID, &addr.CreatedAt)
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return apperr.Conflict("AddressRepo.Create", err, "address %s already exists", addr.Address)
		}
		return fmt.Errorf("failed to create address: %w", err)
	}
	addr.Used = false
	return nil
}

func (r *AddressRepo) GetByID(ctx context.Context, id int64) (*domain.PaymentAddress, error) {
	a, err := scanAddress(r.pool.QueryRow(ctx,
		`SELECT `+addressColumns+` FROM payment_addresses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("AddressRepo.GetByID", apperr.ErrAddressNotFound, "address %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return a, nil
}

// ============================================================================
// POOL OPERATIONS
// ============================================================================

func (r *AddressRepo) FindUnused(ctx context.Context, currencyID int64) (*domain.PaymentAddress, error) {
	query := `SELECT ` + addressColumns + ` FROM payment_addresses
		WHERE currency_id = $1 AND is_used = FALSE
		ORDER BY created_at, id
		LIMIT 1`

	a, err := scanAddress(r.pool.QueryRow(ctx, query, currencyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unused address: %w", err)
	}
	return a, nil
}

func (r *AddressRepo) MarkUsed(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_addresses SET is_used = TRUE, used_at = $2
		 WHERE id = $1 AND is_used = FALSE`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark address used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AddressRepo) CountUnused(ctx context.Context, currencyID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_addresses WHERE currency_id = $1 AND is_used = FALSE`,
		currencyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unused addresses: %w", err)
	}
	return n, nil
}
