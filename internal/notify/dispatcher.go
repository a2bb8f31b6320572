package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/metrics"

	"go.uber.org/zap"
)

// ===============================
// NOTIFICATION DISPATCHER
// ===============================

// Transport delivers one notification to every client of a group.
type Transport interface {
	SendToGroup(ctx context.Context, groupKey, eventName string, payload any) error
}

type Reporter interface {
	Report(component string, err error)
}

type Config struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	DefaultBatch    int
	MinBatch        int
	MaxBatch        int
	InterItemDelay  time.Duration
	MaxRetries      int
	DeliveryTimeout time.Duration
	// Window is the number of timer cycles averaged by the adaptive control.
	Window int
	// HighBurst is the queue length at which a High item flushes at once.
	HighBurst int
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval: time.Second,
		MinInterval:     100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		DefaultBatch:    50,
		MinBatch:        10,
		MaxBatch:        200,
		InterItemDelay:  25 * time.Millisecond,
		MaxRetries:      3,
		DeliveryTimeout: 5 * time.Second,
		Window:          10,
		HighBurst:       5,
	}
}

const (
	busyThreshold = 100
	idleThreshold = 10
)

type Stats struct {
	High, Normal, Low int
	Interval          time.Duration
	BatchSize         int
	WindowAverage     float64
	Delivered         uint64
	Retried           uint64
	Dropped           uint64
}

type Dispatcher struct {
	cfg       Config
	transport Transport
	reporter  Reporter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	// mu guards the queues and the adaptive counters only; delivery runs
	// outside it.
	mu       sync.Mutex
	queues   [3][]domain.NotificationItem
	interval time.Duration
	batch    int
	window   []int
	enqueued int
	stopped  bool

	flushing  atomic.Bool
	kick      chan struct{}
	delivered atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(cfg Config, transport Transport, reporter Reporter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.DefaultBatch <= 0 {
		cfg.DefaultBatch = def.DefaultBatch
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = def.MinBatch
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.InterItemDelay < 0 {
		cfg.InterItemDelay = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HighBurst <= 0 {
		cfg.HighBurst = def.HighBurst
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		reporter:  reporter,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
		interval:  cfg.DefaultInterval,
		batch:     cfg.DefaultBatch,
		kick:      make(chan struct{}, 1),
	}
	d.publishGauges()
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue queues item by its priority. It may trigger an immediate flush:
// when the queued total reaches the batch size, or when a High item arrives
// while HighBurst items are already waiting.
func (d *Dispatcher) Enqueue(item domain.NotificationItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = d.now()
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return apperr.ErrDispatcherStopped
	}
	waiting := d.queuedLocked()
	d.queues[item.Priority] = append(d.queues[item.Priority], item)
	d.enqueued++
	trigger := waiting+1 >= d.batch ||
		(item.Priority == domain.PriorityHigh && waiting >= d.cfg.HighBurst)
	d.metrics.QueueDepth.WithLabelValues(item.Priority.String()).Set(float64(len(d.queues[item.Priority])))
	d.mu.Unlock()

	if trigger {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (d *Dispatcher) queuedLocked() int {
	return len(d.queues[domain.PriorityHigh]) + len(d.queues[domain.PriorityNormal]) + len(d.queues[domain.PriorityLow])
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		High:          len(d.queues[domain.PriorityHigh]),
		Normal:        len(d.queues[domain.PriorityNormal]),
		Low:           len(d.queues[domain.PriorityLow]),
		Interval:      d.interval,
		BatchSize:     d.batch,
		WindowAverage: d.windowAverageLocked(),
		Delivered:     d.delivered.Load(),
		Retried:       d.retried.Load(),
		Dropped:       d.dropped.Load(),
	}
}

// ===============================
// WORKER
// ===============================

func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.worker(ctx)
	d.logger.Info("notification dispatcher started",
		zap.Duration("interval", d.cfg.DefaultInterval),
		zap.Int("batch_size", d.cfg.DefaultBatch))
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.Cycle(ctx)
			timer.Reset(d.currentInterval())
		case <-d.kick:
			d.Flush(ctx)
		}
	}
}

// Stop rejects further Enqueue calls, cancels the timer and waits for the
// in-flight flush until ctx expires. Queued items are discarded.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	left := d.queuedLocked()
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
			return fmt.Errorf("dispatcher stop: %w", ctx.Err())
		}
	}
	d.logger.Info("notification dispatcher stopped", zap.Int("discarded", left))
	return nil
}

func (d *Dispatcher) currentInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Cycle is one timer-driven pass: it records the enqueue count of the cycle,
// adapts interval and batch size, then flushes.
func (d *Dispatcher) Cycle(ctx context.Context) int {
	d.adapt()
	return d.Flush(ctx)
}

func (d *Dispatcher) adapt() {
	d.mu.Lock()
	d.window = append(d.window, d.enqueued)
	if len(d.window) > d.cfg.Window {
		d.window = d.window[len(d.window)-d.cfg.Window:]
	}
	d.enqueued = 0
	avg := d.windowAverageLocked()

	switch {
	case avg > busyThreshold:
		d.interval = max(d.cfg.MinInterval, d.interval/2)
		d.batch = min(d.cfg.MaxBatch, d.batch*2)
	case avg < idleThreshold:
		d.interval = min(d.cfg.MaxInterval, d.interval*2)
		d.batch = max(d.cfg.MinBatch, d.batch/2)
	default:
		d.interval = d.cfg.DefaultInterval
		d.batch = d.cfg.DefaultBatch
	}
	d.mu.Unlock()

	d.publishGauges()
}

func (d *Dispatcher) windowAverageLocked() float64 {
	if len(d.window) == 0 {
		return 0
	}
	sum := 0
	for _, n := range d.window {
		sum += n
	}
	return float64(sum) / float64(len(d.window))
}

func (d *Dispatcher) publishGauges() {
	d.mu.Lock()
	interval, batch := d.interval, d.batch
	d.mu.Unlock()
	d.metrics.FlushInterval.Set(interval.Seconds())
	d.metrics.BatchSize.Set(float64(batch))
}

// ===============================
// FLUSH
// ===============================

// Flush delivers one batch and returns the number of items sent. Only one
// flush runs at a time; a concurrent call returns 0 at once.
func (d *Dispatcher) Flush(ctx context.Context) int {
	if !d.flushing.CompareAndSwap(false, true) {
		return 0
	}
	defer d.flushing.Store(false)

	items := d.dequeue()
	if len(items) == 0 {
		return 0
	}

	var (
		sent    int
		requeue []domain.NotificationItem
	)
	for _, group := range groupByPayment(items) {
		n, back := d.deliverGroup(ctx, group)
		sent += n
		requeue = append(requeue, back...)
	}
	if len(requeue) > 0 {
		d.pushFront(requeue)
	}
	return sent
}

// dequeue takes up to half the batch from High, a third from Normal and a
// sixth from Low.
func (d *Dispatcher) dequeue() []domain.NotificationItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	shares := [3]int{
		domain.PriorityHigh:   d.batch / 2,
		domain.PriorityNormal: d.batch / 3,
		domain.PriorityLow:    d.batch / 6,
	}
	var out []domain.NotificationItem
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		n := min(shares[p], len(d.queues[p]))
		out = append(out, d.queues[p][:n]...)
		d.queues[p] = append([]domain.NotificationItem(nil), d.queues[p][n:]...)
		d.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(d.queues[p])))
	}
	return out
}

// pushFront returns items to the head of their queues, keeping their order.
func (d *Dispatcher) pushFront(items []domain.NotificationItem) {
	var byPriority [3][]domain.NotificationItem
	for _, it := range items {
		byPriority[it.Priority] = append(byPriority[it.Priority], it)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range byPriority {
		if len(byPriority[p]) == 0 {
			continue
		}
		d.queues[p] = append(byPriority[p], d.queues[p]...)
		d.metrics.QueueDepth.WithLabelValues(domain.Priority(p).String()).Set(float64(len(d.queues[p])))
	}
}

// groupByPayment keeps first-seen group order, then sorts groups and the
// items inside them by descending priority. Sorting is stable so items of
// equal priority keep their enqueue order.
func groupByPayment(items []domain.NotificationItem) [][]domain.NotificationItem {
	index := make(map[string]int)
	var groups [][]domain.NotificationItem
	for _, it := range items {
		i, ok := index[it.PaymentID]
		if !ok {
			i = len(groups)
			index[it.PaymentID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool { return g[a].Priority > g[b].Priority })
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a][0].Priority > groups[b][0].Priority })
	return groups
}

// deliverGroup sends one payment's items in order. A failed High item that
// still has retries left is returned for requeueing together with the rest
// of the group, so later items never overtake it.
func (d *Dispatcher) deliverGroup(ctx context.Context, group []domain.NotificationItem) (int, []domain.NotificationItem) {
	sent := 0
	for i, it := range group {
		if i > 0 {
			if err := d.sleep(ctx, d.cfg.InterItemDelay); err != nil {
				return sent, group[i:]
			}
		}

		err := d.deliver(ctx, it)
		if err == nil {
			sent++
			continue
		}

		if it.Priority == domain.PriorityHigh && it.RetryCount < d.cfg.MaxRetries {
			at := d.now()
			it.RetryCount++
			it.LastRetryAt = &at
			d.retried.Add(1)
			d.metrics.Deliveries.WithLabelValues(it.Priority.String(), "retry").Inc()
			d.logger.Warn("notification delivery failed, retrying",
				zap.String("payment_id", it.PaymentID),
				zap.String("kind", string(it.Kind)),
				zap.Int("retry", it.RetryCount),
				zap.Error(err))
			back := append([]domain.NotificationItem{it}, group[i+1:]...)
			return sent, back
		}

		d.dropped.Add(1)
		d.metrics.Deliveries.WithLabelValues(it.Priority.String(), "dropped").Inc()
		d.reporter.Report("dispatcher", fmt.Errorf("drop %s for payment %s after %d retries: %w",
			it.Kind, it.PaymentID, it.RetryCount, err))
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, it domain.NotificationItem) error {
	// an in-flight send outlives Stop and is bounded by DeliveryTimeout
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.transport.SendToGroup(dctx, domain.GroupKey(it.PaymentID), string(it.Kind), it.Payload)
	d.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	d.delivered.Add(1)
	d.metrics.Deliveries.WithLabelValues(it.Priority.String(), "delivered").Inc()
	return nil
}
