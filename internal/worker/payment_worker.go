// internal/worker/payment_worker.go
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-payment-service/internal/domain"

	"go.uber.org/zap"
)

type Expirer interface {
	ExpireStalePayments(ctx context.Context) (int, error)
}

type PoolFiller interface {
	Replenish(ctx context.Context, currency *domain.CryptoCurrency, target int) (int, error)
}

type CurrencyLister interface {
	List(ctx context.Context) ([]*domain.CryptoCurrency, error)
}

type Reporter interface {
	Report(component string, err error)
}

type Config struct {
	ExpiryInterval time.Duration
	PoolInterval   time.Duration
	// PoolTarget is the number of unused addresses kept per currency. Zero
	// disables replenishment.
	PoolTarget int
}

// PaymentWorker runs the periodic payment jobs: expiring stale payments and
// topping up the address pool.
type PaymentWorker struct {
	cfg        Config
	expirer    Expirer
	pool       PoolFiller
	currencies CurrencyLister
	reporter   Reporter
	logger     *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewPaymentWorker(
	cfg Config,
	expirer Expirer,
	pool PoolFiller,
	currencies CurrencyLister,
	reporter Reporter,
	logger *zap.Logger,
) *PaymentWorker {
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Minute
	}
	if cfg.PoolInterval <= 0 {
		cfg.PoolInterval = 5 * time.Minute
	}
	return &PaymentWorker{
		cfg:        cfg,
		expirer:    expirer,
		pool:       pool,
		currencies: currencies,
		reporter:   reporter,
		logger:     logger,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is done.
func (w *PaymentWorker) Start(ctx context.Context) {
	w.started.Store(true)
	defer close(w.done)
	w.logger.Info("starting payment worker",
		zap.Duration("expiry_interval", w.cfg.ExpiryInterval),
		zap.Duration("pool_interval", w.cfg.PoolInterval),
		zap.Int("pool_target", w.cfg.PoolTarget))

	expiryTicker := time.NewTicker(w.cfg.ExpiryInterval)
	defer expiryTicker.Stop()

	poolTicker := time.NewTicker(w.cfg.PoolInterval)
	defer poolTicker.Stop()

	w.FillPools(ctx)

	for {
		select {
		case <-expiryTicker.C:
			w.ExpireOnce(ctx)

		case <-poolTicker.C:
			w.FillPools(ctx)

		case <-w.stopChan:
			w.logger.Info("stopping payment worker")
			return

		case <-ctx.Done():
			w.logger.Info("context cancelled, stopping payment worker")
			return
		}
	}
}

// Stop signals Start to return and waits for it when it is running.
func (w *PaymentWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *PaymentWorker) ExpireOnce(ctx context.Context) int {
	n, err := w.expirer.ExpireStalePayments(ctx)
	if err != nil {
		w.reporter.Report("worker.expiry", fmt.Errorf("expire stale payments: %w", err))
	}
	if n > 0 {
		w.logger.Info("expired stale payments", zap.Int("count", n))
	}
	return n
}

func (w *PaymentWorker) FillPools(ctx context.Context) int {
	if w.cfg.PoolTarget <= 0 || w.pool == nil {
		return 0
	}
	currencies, err := w.currencies.List(ctx)
	if err != nil {
		w.reporter.Report("worker.pool", fmt.Errorf("list currencies: %w", err))
		return 0
	}

	total := 0
	for _, cur := range currencies {
		if !cur.IsActive {
			continue
		}
		n, err := w.pool.Replenish(ctx, cur, w.cfg.PoolTarget)
		total += n
		if err != nil {
			w.reporter.Report("worker.pool", fmt.Errorf("replenish %s: %w", cur.Symbol, err))
			continue
		}
		if n > 0 {
			w.logger.Info("address pool replenished",
				zap.String("currency", cur.Symbol),
				zap.Int("generated", n))
		}
	}
	return total
}
