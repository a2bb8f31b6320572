// Package monitor watches payment addresses on chain and raises
// detect/update/confirm/fail events. It never writes payment state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMonitorStopped     = errors.New("transaction monitor stopped")
	ErrUnsupportedNetwork = errors.New("no provider for network")
)

type Strategy string

const (
	// StrategySubscribe checks on every pushed block and polls only while a
	// network's subscription is down.
	StrategySubscribe Strategy = "subscribe"
	StrategyPoll      Strategy = "poll"
)

type Config struct {
	Strategy            Strategy
	PollInterval        time.Duration
	Concurrency         int
	ResubscribeInterval time.Duration
	CheckTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Strategy:            StrategySubscribe,
		PollInterval:        15 * time.Second,
		Concurrency:         8,
		ResubscribeInterval: time.Minute,
		CheckTimeout:        20 * time.Second,
	}
}

// Providers resolves the chain provider of a network. *chains.Registry
// satisfies it.
type Providers interface {
	Get(network domain.Network) (domain.ChainProvider, error)
	List() []domain.Network
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Guard wraps provider calls with retry and circuit breaking.
type Guard interface {
	Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error
}

type Reporter interface {
	Report(component string, err error)
}

type watch struct {
	req domain.WatchRequest

	// mu serialises checks of this address and guards txs and expired.
	mu      sync.Mutex
	txs     map[string]*MonitoredTransaction
	expired bool
}

type Monitor struct {
	cfg       Config
	providers Providers
	publisher Publisher
	guard     Guard
	reporter  Reporter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	watches map[string]*watch

	subscribed sync.Map // domain.Network -> *atomic.Bool
	stopped    atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(
	cfg Config,
	providers Providers,
	publisher Publisher,
	guard Guard,
	reporter Reporter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Monitor {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = def.ResubscribeInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	return &Monitor{
		cfg:       cfg,
		providers: providers,
		publisher: publisher,
		guard:     guard,
		reporter:  reporter,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		watches:   make(map[string]*watch),
	}
}

// ============================================================================
// WATCH SET
// ============================================================================

// Watch adds an address to the watch set, or refreshes its request when it
// is already watched.
func (m *Monitor) Watch(req domain.WatchRequest) error {
	if m.stopped.Load() {
		return ErrMonitorStopped
	}
	provider, err := m.providers.Get(req.Network)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, req.Network)
	}

	m.mu.Lock()
	if w, ok := m.watches[req.Address]; ok {
		w.mu.Lock()
		w.req = req
		w.mu.Unlock()
	} else {
		m.watches[req.Address] = &watch{req: req, txs: make(map[string]*MonitoredTransaction)}
	}
	n := len(m.watches)
	m.mu.Unlock()

	if tracker, ok := provider.(domain.AddressTracker); ok {
		tracker.TrackAddress(req.Address, req.CreatedAt)
	}
	m.metrics.WatchedAddress.Set(float64(n))

	m.logger.Debug("address watched",
		zap.String("payment_id", req.PaymentID),
		zap.String("address", req.Address),
		zap.String("network", string(req.Network)))
	return nil
}

// Unwatch drops an address and every transaction recorded for it.
func (m *Monitor) Unwatch(address string) {
	m.mu.Lock()
	w, ok := m.watches[address]
	delete(m.watches, address)
	n := len(m.watches)
	m.mu.Unlock()
	if !ok {
		return
	}

	if provider, err := m.providers.Get(w.req.Network); err == nil {
		if tracker, ok := provider.(domain.AddressTracker); ok {
			tracker.UntrackAddress(address)
		}
	}
	m.metrics.WatchedAddress.Set(float64(n))
}

func (m *Monitor) Watching(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.watches[address]
	return ok
}

func (m *Monitor) snapshot(network domain.Network) []*watch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		if network == "" || w.req.Network == network {
			out = append(out, w)
		}
	}
	return out
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.Strategy == StrategySubscribe {
		for _, network := range m.providers.List() {
			provider, err := m.providers.Get(network)
			if err != nil {
				continue
			}
			sub, ok := provider.(domain.BlockSubscriber)
			if !ok {
				continue
			}
			m.wg.Add(1)
			go func(network domain.Network, sub domain.BlockSubscriber) {
				defer m.wg.Done()
				m.subscribeLoop(ctx, network, sub)
			}(network, sub)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx)
	}()

	m.logger.Info("transaction monitor started",
		zap.String("strategy", string(m.cfg.Strategy)),
		zap.Duration("poll_interval", m.cfg.PollInterval))
}

// Stop cancels the loops and waits for in-flight checks. Watch is rejected
// afterwards.
func (m *Monitor) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("transaction monitor stopped")
}

func (m *Monitor) isSubscribed(network domain.Network) bool {
	v, ok := m.subscribed.Load(network)
	return ok && v.(*atomic.Bool).Load()
}

func (m *Monitor) setSubscribed(network domain.Network, up bool) {
	v, _ := m.subscribed.LoadOrStore(network, &atomic.Bool{})
	v.(*atomic.Bool).Store(up)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.pollDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollDue(ctx)
		}
	}
}

// pollDue checks every network that has no live subscription.
func (m *Monitor) pollDue(ctx context.Context) {
	for _, network := range m.providers.List() {
		if m.cfg.Strategy == StrategySubscribe && m.isSubscribed(network) {
			continue
		}
		m.CheckNetwork(ctx, network)
	}
}

// Poll checks every watched address once, regardless of strategy.
func (m *Monitor) Poll(ctx context.Context) {
	for _, network := range m.providers.List() {
		m.CheckNetwork(ctx, network)
	}
}

// CheckNetwork checks the watched addresses of one network with bounded
// concurrency.
func (m *Monitor) CheckNetwork(ctx context.Context, network domain.Network) {
	watches := m.snapshot(network)
	if len(watches) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, w := range watches {
		w := w
		g.Go(func() error {
			m.checkAddress(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) subscribeLoop(ctx context.Context, network domain.Network, subscriber domain.BlockSubscriber) {
	log := m.logger.With(zap.String("network", string(network)))

	for {
		sub, err := subscriber.SubscribeBlocks(ctx)
		if err != nil {
			m.setSubscribed(network, false)
			m.reporter.Report("monitor.subscribe", fmt.Errorf("subscribe %s: %w", network, err))
			log.Warn("block subscription unavailable, polling instead",
				zap.Duration("retry_in", m.cfg.ResubscribeInterval))
		} else {
			m.setSubscribed(network, true)
			log.Info("block subscription established")
			m.consume(ctx, network, sub)
			sub.Unsubscribe()
			m.setSubscribed(network, false)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ResubscribeInterval):
		}
	}
}

// consume returns when the subscription fails, closes or ctx is done.
func (m *Monitor) consume(ctx context.Context, network domain.Network, sub domain.BlockSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if ok && err != nil {
				m.reporter.Report("monitor.subscribe", fmt.Errorf("subscription %s dropped: %w", network, err))
			}
			return
		case head, ok := <-sub.Heads():
			if !ok {
				return
			}
			m.logger.Debug("new block", zap.String("network", string(network)), zap.Int64("height", head))
			m.CheckNetwork(ctx, network)
		}
	}
}

// ============================================================================
// ADDRESS CHECKS
// ============================================================================

func (m *Monitor) checkAddress(ctx context.Context, w *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !m.Watching(w.req.Address) {
		return
	}

	network := w.req.Network
	provider, err := m.providers.Get(network)
	if err != nil {
		m.reporter.Report("monitor", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network))
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	var txs []domain.ChainTransaction
	err = m.guard.Execute(cctx, "chain:"+string(network), func(ctx context.Context) error {
		var err error
		txs, err = provider.IncomingTransactions(ctx, w.req.Address)
		return err
	})
	m.metrics.MonitorPolls.WithLabelValues(string(network)).Inc()
	if err != nil {
		m.metrics.MonitorErrors.WithLabelValues(string(network)).Inc()
		m.reporter.Report("monitor", fmt.Errorf("check %s: %w", w.req.Address, err))
		return
	}

	for _, ev := range m.reconcile(w, txs) {
		m.metrics.MonitorEvents.WithLabelValues(string(ev.Kind)).Inc()
		if err := m.publisher.Publish(ctx, ev); err != nil {
			m.reporter.Report("monitor.publish", fmt.Errorf("publish %s for %s: %w", ev.Kind, ev.PaymentID, err))
			return
		}
	}
}
