// Package memstore is an in-process implementation of the repository
// interfaces, used by tests and STORAGE_DRIVER=memory.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
)

// Store holds currencies, addresses and payments behind one lock.
type Store struct {
	mu sync.RWMutex

	currencies   map[int64]*domain.CryptoCurrency
	currencySeq  int64
	addresses    map[int64]*domain.PaymentAddress
	addressByStr map[string]int64
	addressSeq   int64
	payments     map[string]*domain.Payment
	byExternal   map[string]string
	byAddressID  map[int64]string
}

func New() *Store {
	return &Store{
		currencies:   make(map[int64]*domain.CryptoCurrency),
		addresses:    make(map[int64]*domain.PaymentAddress),
		addressByStr: make(map[string]int64),
		payments:     make(map[string]*domain.Payment),
		byExternal:   make(map[string]string),
		byAddressID:  make(map[int64]string),
	}
}

// Currencies, Addresses and Payments expose the store through the
// repository interfaces.
func (s *Store) Currencies() *CurrencyStore { return &CurrencyStore{s} }
func (s *Store) Addresses() *AddressStore   { return &AddressStore{s} }
func (s *Store) Payments() *PaymentStore    { return &PaymentStore{s} }

// ============================================================================
// CURRENCIES
// ============================================================================

type CurrencyStore struct{ s *Store }

func (c *CurrencyStore) GetBySymbol(_ context.Context, symbol string) (*domain.CryptoCurrency, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	for _, cur := range c.s.currencies {
		if strings.EqualFold(cur.Symbol, symbol) && cur.IsActive {
			v := *cur
			return &v, nil
		}
	}
	return nil, apperr.NotFound("CurrencyStore.GetBySymbol", apperr.ErrCurrencyNotFound, "currency %s not found", symbol)
}

func (c *CurrencyStore) GetByID(_ context.Context, id int64) (*domain.CryptoCurrency, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	cur, ok := c.s.currencies[id]
	if !ok {
		return nil, apperr.NotFound("CurrencyStore.GetByID", apperr.ErrCurrencyNotFound, "currency %d not found", id)
	}
	v := *cur
	return &v, nil
}

func (c *CurrencyStore) List(_ context.Context) ([]*domain.CryptoCurrency, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]*domain.CryptoCurrency, 0, len(c.s.currencies))
	for _, cur := range c.s.currencies {
		v := *cur
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *CurrencyStore) Upsert(_ context.Context, cur *domain.CryptoCurrency) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for id, existing := range c.s.currencies {
		if strings.EqualFold(existing.Symbol, cur.Symbol) {
			existing.Name = cur.Name
			existing.IsActive = cur.IsActive
			cur.ID = id
			return nil
		}
	}
	c.s.currencySeq++
	cur.ID = c.s.currencySeq
	v := *cur
	v.Symbol = strings.ToUpper(v.Symbol)
	c.s.currencies[cur.ID] = &v
	return nil
}

// ============================================================================
// ADDRESSES
// ============================================================================

type AddressStore struct{ s *Store }

func (a *AddressStore) Create(_ context.Context, addr *domain.PaymentAddress) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, dup := a.s.addressByStr[addr.Address]; dup {
		return apperr.Conflict("AddressStore.Create", nil, "address %s already exists", addr.Address)
	}
	a.s.addressSeq++
	addr.ID = a.s.addressSeq
	addr.CreatedAt = time.Now()
	addr.Used = false
	addr.UsedAt = nil
	v := *addr
	a.s.addresses[addr.ID] = &v
	a.s.addressByStr[addr.Address] = addr.ID
	return nil
}

func (a *AddressStore) GetByID(_ context.Context, id int64) (*domain.PaymentAddress, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	addr, ok := a.s.addresses[id]
	if !ok {
		return nil, apperr.NotFound("AddressStore.GetByID", apperr.ErrAddressNotFound, "address %d not found", id)
	}
	v := *addr
	return &v, nil
}

func (a *AddressStore) FindUnused(_ context.Context, currencyID int64) (*domain.PaymentAddress, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var oldest *domain.PaymentAddress
	for _, addr := range a.s.addresses {
		if addr.CurrencyID != currencyID || addr.Used {
			continue
		}
		if oldest == nil || addr.CreatedAt.Before(oldest.CreatedAt) ||
			(addr.CreatedAt.Equal(oldest.CreatedAt) && addr.ID < oldest.ID) {
			oldest = addr
		}
	}
	if oldest == nil {
		return nil, nil
	}
	v := *oldest
	return &v, nil
}

func (a *AddressStore) MarkUsed(_ context.Context, id int64, at time.Time) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	addr, ok := a.s.addresses[id]
	if !ok {
		return false, apperr.NotFound("AddressStore.MarkUsed", apperr.ErrAddressNotFound, "address %d not found", id)
	}
	if addr.Used {
		return false, nil
	}
	addr.Used = true
	addr.UsedAt = &at
	return true, nil
}

func (a *AddressStore) CountUnused(_ context.Context, currencyID int64) (int, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	n := 0
	for _, addr := range a.s.addresses {
		if addr.CurrencyID == currencyID && !addr.Used {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// PAYMENTS
// ============================================================================

type PaymentStore struct{ s *Store }

func (p *PaymentStore) Create(_ context.Context, pay *domain.Payment) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, dup := p.s.byExternal[pay.ExternalPaymentID]; dup {
		return apperr.Conflict("PaymentStore.Create", nil, "payment %s already exists", pay.ExternalPaymentID)
	}
	if _, dup := p.s.byAddressID[pay.AddressID]; dup {
		return apperr.Conflict("PaymentStore.Create", nil, "address %d already assigned", pay.AddressID)
	}
	if _, dup := p.s.payments[pay.ID]; dup {
		return apperr.Conflict("PaymentStore.Create", nil, "payment id %s already exists", pay.ID)
	}
	pay.Version = 1
	p.s.payments[pay.ID] = pay.Clone()
	p.s.byExternal[pay.ExternalPaymentID] = pay.ID
	p.s.byAddressID[pay.AddressID] = pay.ID
	return nil
}

func (p *PaymentStore) GetByID(_ context.Context, id string) (*domain.Payment, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	pay, ok := p.s.payments[id]
	if !ok {
		return nil, apperr.NotFound("PaymentStore.GetByID", apperr.ErrPaymentNotFound, "payment %s not found", id)
	}
	return pay.Clone(), nil
}

func (p *PaymentStore) GetByExternalID(_ context.Context, externalID string) (*domain.Payment, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	id, ok := p.s.byExternal[externalID]
	if !ok {
		return nil, apperr.NotFound("PaymentStore.GetByExternalID", apperr.ErrPaymentNotFound, "payment %s not found", externalID)
	}
	return p.s.payments[id].Clone(), nil
}

func (p *PaymentStore) Update(_ context.Context, pay *domain.Payment) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	stored, ok := p.s.payments[pay.ID]
	if !ok {
		return apperr.NotFound("PaymentStore.Update", apperr.ErrPaymentNotFound, "payment %s not found", pay.ID)
	}
	if stored.Version != pay.Version {
		return apperr.Conflict("PaymentStore.Update", nil,
			"payment %s was modified concurrently (version %d)", pay.ID, pay.Version)
	}
	pay.Version++
	p.s.payments[pay.ID] = pay.Clone()
	return nil
}

func (p *PaymentStore) ListByBuyer(_ context.Context, buyerID string, limit, offset int) ([]*domain.Payment, error) {
	out := p.filter(func(pay *domain.Payment) bool {
		return pay.BuyerID != nil && *pay.BuyerID == buyerID
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*domain.Payment{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (p *PaymentStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	out := p.filter(func(pay *domain.Payment) bool {
		return pay.Status == domain.PaymentStatusPending && pay.IsExpired(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (p *PaymentStore) ListActive(_ context.Context) ([]*domain.Payment, error) {
	out := p.filter(func(pay *domain.Payment) bool { return !pay.Status.IsTerminal() })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaymentStore) filter(keep func(*domain.Payment) bool) []*domain.Payment {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	var out []*domain.Payment
	for _, pay := range p.s.payments {
		if keep(pay) {
			out = append(out, pay.Clone())
		}
	}
	return out
}
