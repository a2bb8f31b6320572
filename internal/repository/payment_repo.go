// internal/repository/payment_repo.go
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
	"github.com/shopspring/decimal"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentSelect = `
	SELECT p.id, p.external_payment_id, p.currency_id, c.symbol, c.network,
		p.address_id, a.address, p.requested_amount::text, p.received_amount::text,
		p.status, p.transaction_hash, p.confirmations, p.required_confirmations,
		p.buyer_id, p.metadata, p.created_at, p.updated_at, p.expires_at,
		p.completed_at, p.version
	FROM payments p
	JOIN crypto_currencies c ON c.id = p.currency_id
	JOIN payment_addresses a ON a.id = p.address_id`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p         domain.Payment
		network   string
		status    string
		requested string
		received  *string
	)
	err := row.Scan(&p.ID, &p.ExternalPaymentID, &p.CurrencyID, &p.CurrencySymbol, &network,
		&p.AddressID, &p.Address, &requested, &received,
		&status, &p.TransactionHash, &p.Confirmations, &p.RequiredConfirmations,
		&p.BuyerID, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt,
		&p.CompletedAt, &p.Version)
	if err != nil {
		return nil, err
	}

	p.Network = domain.Network(network)
	p.Status = domain.PaymentStatus(status)
	if p.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("invalid requested_amount %q: %w", requested, err)
	}
	if received != nil {
		v, err := decimal.NewFromString(*received)
		if err != nil {
			return nil, fmt.Errorf("invalid received_amount %q: %w", *received, err)
		}
		p.ReceivedAmount = &v
	}
	return &p, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// ============================================================================
// CORE CRUD OPERATIONS
// ============================================================================

func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, external_payment_id, currency_id, address_id, requested_amount,
			received_amount, status, transaction_hash, confirmations,
			required_confirmations, buyer_id, metadata, created_at, updated_at,
			expires_at, completed_at, version
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
	`
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.ExternalPaymentID, p.CurrencyID, p.AddressID, p.RequestedAmount.String(),
		decimalPtrString(p.ReceivedAmount), string(p.Status), p.TransactionHash, p.Confirmations,
		p.RequiredConfirmations, p.BuyerID, metadata, p.CreatedAt, p.UpdatedAt,
		p.ExpiresAt, p.CompletedAt,
	)
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return apperr.Conflict("PaymentRepo.Create", err,
				"payment %s already exists", p.ExternalPaymentID)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.Version = 1
	return nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, paymentSelect+` WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("PaymentRepo.GetByID", apperr.ErrPaymentNotFound, "payment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, paymentSelect+` WHERE p.external_payment_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("PaymentRepo.GetByExternalID", apperr.ErrPaymentNotFound,
			"payment %s not found", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepo) Update(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments SET
			received_amount = $3::numeric,
			status = $4,
			transaction_hash = $5,
			confirmations = $6,
			updated_at = $7,
			completed_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		p.ID, p.Version, decimalPtrString(p.ReceivedAmount), string(p.Status),
		p.TransactionHash, p.Confirmations, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("PaymentRepo.Update", nil,
			"payment %s was modified concurrently (version %d)", p.ID, p.Version)
	}
	p.Version++
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

func (r *PaymentRepo) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*domain.Payment, error) {
	return r.list(ctx, paymentSelect+` WHERE p.buyer_id = $1
		ORDER BY p.created_at DESC, p.id LIMIT $2 OFFSET $3`, buyerID, limit, offset)
}

func (r *PaymentRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	return r.list(ctx, paymentSelect+` WHERE p.status = 'pending' AND p.expires_at < $1
		ORDER BY p.expires_at LIMIT $2`, now, limit)
}

func (r *PaymentRepo) ListActive(ctx context.Context) ([]*domain.Payment, error) {
	return r.list(ctx, paymentSelect+` WHERE p.status IN ('pending', 'partially_paid', 'paid')
		ORDER BY p.created_at`)
}

func (r *PaymentRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}
