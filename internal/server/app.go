package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crypto-payment-service/internal/allocator"
	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/chains"
	"crypto-payment-service/internal/chains/bitcoin"
	"crypto-payment-service/internal/chains/ethereum"
	"crypto-payment-service/internal/chains/tron"
	"crypto-payment-service/internal/config"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/events"
	"crypto-payment-service/internal/handler"
	"crypto-payment-service/internal/lock"
	"crypto-payment-service/internal/metrics"
	"crypto-payment-service/internal/monitor"
	"crypto-payment-service/internal/notify"
	"crypto-payment-service/internal/publisher"
	"crypto-payment-service/internal/realtime"
	"crypto-payment-service/internal/recovery"
	"crypto-payment-service/internal/repository"
	"crypto-payment-service/internal/repository/memstore"
	"crypto-payment-service/internal/router"
	"crypto-payment-service/internal/security"
	"crypto-payment-service/internal/usecase"
	"crypto-payment-service/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// Storage groups the three repositories the core needs.
type Storage struct {
	Currencies repository.CurrencyRepository
	Addresses  repository.AddressRepository
	Payments   repository.PaymentRepository
}

// App owns every long-running component and their start/stop order.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	storage    Storage
	bus        *events.Bus
	recovery   *recovery.Coordinator
	monitor    *monitor.Monitor
	payments   *usecase.PaymentUsecase
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub
	publisher  *publisher.KafkaPublisher
	worker     *worker.PaymentWorker
	http       *http.Server
	grpc       *GRPCServer

	closers []func()
}

// NewApp connects to the configured backends and builds the component graph.
// Nothing runs until Run.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	storage, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.storage = storage

	var rdb *redis.Client
	if cfg.Redis.LockDriver == "redis" {
		rdb, err = config.ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	var locker lock.Locker = lock.NewKeyedMutex()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, 30*time.Second, logger)
	}

	keys, err := newKeyManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.recovery = recovery.NewCoordinator(recovery.Config{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Backoff:     recovery.Backoff{Base: cfg.Recovery.BaseBackoff, Max: cfg.Recovery.MaxBackoff},
		Breaker: recovery.BreakerConfig{
			FailureThreshold: cfg.Recovery.BreakerThreshold,
			SuccessThreshold: recovery.DefaultBreakerConfig().SuccessThreshold,
			Cooldown:         cfg.Recovery.BreakerCooldown,
		},
	}, m, logger)

	providers, err := a.openChains(ctx)
	if err != nil {
		return nil, err
	}

	a.bus = events.NewBus(logger)
	a.monitor = monitor.New(monitor.Config{
		Strategy:            monitor.Strategy(cfg.Monitor.Strategy),
		PollInterval:        cfg.Monitor.PollInterval,
		Concurrency:         cfg.Monitor.Concurrency,
		ResubscribeInterval: cfg.Monitor.ResubscribeInterval,
	}, providers, a.bus, a.recovery, a.recovery, m, logger)

	alloc := allocator.New(storage.Addresses, keys, m, logger)
	a.payments = usecase.NewPaymentUsecase(
		storage.Payments, storage.Currencies, alloc, a.monitor, a.bus, a.recovery, locker, m, logger)

	verifier := realtime.NewVerifier(cfg.Realtime.JWTSecret, cfg.Realtime.JWTIssuer)
	a.hub = realtime.NewHub(realtime.Config{
		MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
		Heartbeat:             cfg.Realtime.Heartbeat,
		AllowedOrigins:        cfg.Realtime.AllowedOrigins,
	}, verifier, BuyerAuthorizer(a.payments), m, logger)

	dcfg := notify.DefaultConfig()
	dcfg.DefaultInterval = cfg.Dispatcher.DefaultInterval
	dcfg.DefaultBatch = cfg.Dispatcher.DefaultBatch
	dcfg.InterItemDelay = cfg.Dispatcher.InterItemDelay
	dcfg.MaxRetries = cfg.Dispatcher.MaxRetries
	dcfg.DeliveryTimeout = cfg.Dispatcher.DeliveryTimeout
	a.dispatcher = notify.NewDispatcher(dcfg, a.hub, a.recovery, m, logger)

	if cfg.Kafka.Enabled {
		writer := publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		a.publisher = publisher.NewKafkaPublisher(writer, a.recovery, a.recovery, m, logger)
	}

	a.worker = worker.NewPaymentWorker(worker.Config{
		ExpiryInterval: cfg.Payments.ExpiryInterval,
		PoolInterval:   cfg.Payments.PoolInterval,
		PoolTarget:     cfg.Payments.PoolTarget,
	}, a.payments, alloc, storage.Currencies, a.recovery, logger)

	opts := router.Options{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		Gatherer:       a.registry,
	}
	if rdb != nil {
		opts.Limiter = router.NewRateLimiter(router.NewRedisCounter(rdb), 100, time.Minute, logger)
	}
	h := handler.NewPaymentHandler(a.payments, cfg.Payments.DefaultTTLMinutes, logger)
	a.http = &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           router.SetupRoutes(chi.NewRouter(), h, a.hub, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.grpc = NewGRPCServer(cfg.App.GRPCAddr, logger)

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (Storage, error) {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("using in-memory storage; data is lost on restart")
		st := memstore.New()
		return Storage{Currencies: st.Currencies(), Addresses: st.Addresses(), Payments: st.Payments()}, nil
	}

	pool, err := config.ConnectDB(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return Storage{}, err
	}
	a.closers = append(a.closers, pool.Close)
	return Storage{
		Currencies: repository.NewCurrencyRepo(pool),
		Addresses:  repository.NewAddressRepo(pool),
		Payments:   repository.NewPaymentRepo(pool),
	}, nil
}

func newKeyManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*chains.KeyManager, error) {
	vault, err := security.NewVaultFromConfig(cfg.Security.VaultProvider, cfg.Security.FileVaultDir, cfg.Security.FileVaultKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	masterKey, err := vault.GetMasterKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	enc, err := security.NewEncryption(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise encryption: %w", err)
	}
	return chains.NewKeyManager(enc, cfg.Bitcoin.Network, logger), nil
}

func (a *App) openChains(ctx context.Context) (*chains.Registry, error) {
	reg := chains.NewRegistry()

	if a.cfg.Bitcoin.Enabled {
		client := bitcoin.NewEsploraClient(a.cfg.Bitcoin.ExplorerURL, 15*time.Second, a.logger)
		reg.Register(bitcoin.NewProvider(client, a.logger))
	}

	if a.cfg.Ethereum.Enabled {
		// a websocket endpoint enables new-head subscriptions
		url := a.cfg.Ethereum.WSURL
		if url == "" {
			url = a.cfg.Ethereum.RPCURL
		}
		provider, client, err := ethereum.Dial(ctx, url, ethereum.DefaultConfig(), a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		reg.Register(provider)
	}

	if a.cfg.Tron.Enabled {
		client := tron.NewTronHTTPClient(a.cfg.Tron.HTTPUrl, a.cfg.Tron.APIKey, a.logger)
		reg.Register(tron.NewProvider(client, a.logger))
	}

	if len(reg.List()) == 0 {
		return nil, errors.New("no chain enabled")
	}
	return reg, nil
}

// SeedCurrencies provisions the native currency of every supported network.
func (a *App) SeedCurrencies(ctx context.Context) error {
	for _, cur := range domain.DefaultCurrencies() {
		if err := a.storage.Currencies.Upsert(ctx, cur); err != nil {
			return fmt.Errorf("seed %s: %w", cur.Symbol, err)
		}
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// the servers fails, then shuts down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.SeedCurrencies(ctx); err != nil {
		return err
	}

	lifecycle := a.bus.Subscribe("lifecycle", 256, events.ChainEvents)
	notifications := a.bus.Subscribe("notifications", 1024, nil)
	var integration *events.Subscription
	if a.publisher != nil {
		integration = a.bus.Subscribe("publisher", 1024, publisher.IntegrationEvents)
	}

	a.monitor.Start(ctx)
	n, err := a.payments.Rewatch(ctx)
	if err != nil {
		a.monitor.Stop()
		a.close()
		return fmt.Errorf("rewatch payments: %w", err)
	}
	a.logger.Info("open payments re-watched", zap.Int("count", n))
	a.dispatcher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.payments.ConsumeChainEvents(gctx, lifecycle)
		return nil
	})
	g.Go(func() error {
		a.dispatcher.Consume(gctx, notifications)
		return nil
	})
	if integration != nil {
		g.Go(func() error {
			a.publisher.Relay(gctx, integration)
			return nil
		})
	}
	g.Go(func() error {
		a.worker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(a.grpc.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	a.grpc.SetServing(true)
	a.logger.Info("crypto payment service started",
		zap.Strings("networks", networkNames(a.cfg)),
		zap.Bool("kafka", a.publisher != nil))

	return g.Wait()
}

func (a *App) shutdown() {
	a.logger.Info("shutting down")
	a.grpc.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.worker.Stop()
	a.monitor.Stop()
	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Warn("dispatcher shutdown", zap.Error(err))
	}
	a.hub.Stop()
	a.bus.Close()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("kafka writer close", zap.Error(err))
		}
	}
	a.grpc.Stop()
	a.close()
	a.logger.Info("shutdown complete")
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func networkNames(cfg *config.Config) []string {
	var out []string
	if cfg.Bitcoin.Enabled {
		out = append(out, cfg.Bitcoin.Network+"/"+string(domain.NetworkBitcoin))
	}
	if cfg.Ethereum.Enabled {
		out = append(out, cfg.Ethereum.Network+"/"+string(domain.NetworkEthereum))
	}
	if cfg.Tron.Enabled {
		out = append(out, cfg.Tron.Network+"/"+string(domain.NetworkTron))
	}
	return out
}

// BuyerAuthorizer lets a user follow a payment that is theirs or that has
// no buyer attached.
func BuyerAuthorizer(payments interface {
	GetByID(ctx context.Context, id string) (*domain.Payment, error)
}) realtime.Authorizer {
	return func(ctx context.Context, userID, paymentID string) error {
		p, err := payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.BuyerID != nil && *p.BuyerID != userID {
			return apperr.Security("BuyerAuthorizer", nil, "payment %s belongs to another buyer", paymentID)
		}
		return nil
	}
}
