package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService is the slice of the payment usecase exposed over HTTP.
type PaymentService interface {
	CreatePayment(ctx context.Context, req usecase.CreatePaymentRequest) (*domain.Payment, error)
	GetByID(ctx context.Context, id string) (*domain.Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*domain.Payment, error)
	CancelPayment(ctx context.Context, id string) (*domain.Payment, error)
}

type PaymentHandler struct {
	payments   PaymentService
	defaultTTL int
	logger     *zap.Logger
}

func NewPaymentHandler(payments PaymentService, defaultTTLMinutes int, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, defaultTTL: defaultTTLMinutes, logger: logger}
}

type createPaymentRequest struct {
	ExternalPaymentID string            `json:"external_payment_id"`
	Currency          string            `json:"currency"`
	Amount            decimal.Decimal   `json:"amount"`
	BuyerID           *string           `json:"buyer_id,omitempty"`
	TTLMinutes        int               `json:"ttl_minutes,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// PaymentView is the wire form of a payment.
type PaymentView struct {
	ID                    string            `json:"id"`
	ExternalPaymentID     string            `json:"external_payment_id"`
	Currency              string            `json:"currency"`
	Network               string            `json:"network"`
	Address               string            `json:"address"`
	RequestedAmount       string            `json:"requested_amount"`
	ReceivedAmount        *string           `json:"received_amount,omitempty"`
	Status                string            `json:"status"`
	TransactionHash       *string           `json:"transaction_hash,omitempty"`
	Confirmations         int               `json:"confirmations"`
	RequiredConfirmations int               `json:"required_confirmations"`
	BuyerID               *string           `json:"buyer_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	ExpiresAt             time.Time         `json:"expires_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

func toView(p *domain.Payment) PaymentView {
	v := PaymentView{
		ID:                    p.ID,
		ExternalPaymentID:     p.ExternalPaymentID,
		Currency:              p.CurrencySymbol,
		Network:               string(p.Network),
		Address:               p.Address,
		RequestedAmount:       p.RequestedAmount.String(),
		Status:                string(p.Status),
		TransactionHash:       p.TransactionHash,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		BuyerID:               p.BuyerID,
		Metadata:              p.Metadata,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
		ExpiresAt:             p.ExpiresAt,
		CompletedAt:           p.CompletedAt,
	}
	if p.ReceivedAmount != nil {
		s := p.ReceivedAmount.String()
		v.ReceivedAmount = &s
	}
	return v
}

// Create handles POST /payments. Repeating an external id returns the
// original payment with 200 instead of 201.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := req.TTLMinutes
	if ttl == 0 {
		ttl = h.defaultTTL
	}

	p, err := h.payments.CreatePayment(r.Context(), usecase.CreatePaymentRequest{
		ExternalPaymentID: req.ExternalPaymentID,
		Currency:          req.Currency,
		Amount:            req.Amount,
		BuyerID:           req.BuyerID,
		TTLMinutes:        ttl,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if p.CreatedAt.Before(started) {
		status = http.StatusOK
	}
	JSON(w, status, toView(p))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, toView(p))
}

func (h *PaymentHandler) GetByExternal(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, toView(p))
}

// ListByBuyer handles GET /buyers/{buyerID}/payments?limit=&offset=.
func (h *PaymentHandler) ListByBuyer(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.payments.ListByBuyer(r.Context(), chi.URLParam(r, "buyerID"), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]PaymentView, 0, len(list))
	for _, p := range list {
		views = append(views, toView(p))
	}
	JSON(w, http.StatusOK, views)
}

func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.CancelPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, toView(p))
}

func (h *PaymentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, err)
}
