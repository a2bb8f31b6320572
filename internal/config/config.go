// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Security   SecurityConfig
	Bitcoin    BitcoinConfig
	Ethereum   EthereumConfig
	Tron       TronConfig
	Monitor    MonitorConfig
	Dispatcher DispatcherConfig
	Recovery   RecoveryConfig
	Realtime   RealtimeConfig
	Payments   PaymentsConfig
}

type AppConfig struct {
	Env      string // development, production
	HTTPAddr string
	GRPCAddr string
}

type DatabaseConfig struct {
	Driver          string // postgres, memory
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	LockDriver string // redis, local
	Addr       string
	Password   string
	DB         int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type SecurityConfig struct {
	MasterKey     string
	VaultProvider string // "env", "file"
	FileVaultDir  string
	FileVaultKey  string
}

type BitcoinConfig struct {
	Enabled     bool
	Network     string // mainnet, testnet, regtest
	ExplorerURL string
}

type EthereumConfig struct {
	Enabled bool
	Network string // mainnet, sepolia
	RPCURL  string
	WSURL   string
	ChainID int64
}

type TronConfig struct {
	Enabled bool
	Network string // mainnet, shasta, nile
	HTTPUrl string
	APIKey  string
}

type MonitorConfig struct {
	Strategy            string // subscribe, poll
	PollInterval        time.Duration
	Concurrency         int
	ResubscribeInterval time.Duration
}

type DispatcherConfig struct {
	DefaultInterval time.Duration
	DefaultBatch    int
	InterItemDelay  time.Duration
	MaxRetries      int
	DeliveryTimeout time.Duration
}

type RecoveryConfig struct {
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type RealtimeConfig struct {
	JWTSecret             string
	JWTIssuer             string
	MaxConnectionsPerUser int
	Heartbeat             time.Duration
	AllowedOrigins        []string
}

type PaymentsConfig struct {
	DefaultTTLMinutes int
	ExpiryInterval    time.Duration
	PoolInterval      time.Duration
	PoolTarget        int
}

func Load(logger *zap.Logger) (*Config, error) {
	// ============================================================================
	// Bitcoin Configuration
	// ============================================================================
	btcNetwork := getEnv("BTC_NETWORK", "testnet")
	btcExplorerURL := getEnv("BTC_EXPLORER_URL", "")

	if btcExplorerURL == "" {
		switch btcNetwork {
		case "mainnet":
			btcExplorerURL = "https://blockstream.info/api"
		case "testnet":
			btcExplorerURL = "https://blockstream.info/testnet/api"
		case "regtest":
			btcExplorerURL = "http://localhost:3002"
		}
	}

	// ============================================================================
	// Ethereum Configuration
	// ============================================================================
	ethNetwork := getEnv("ETHEREUM_NETWORK", "sepolia")
	ethRPCURL := getEnv("ETHEREUM_RPC_URL", "")

	if ethRPCURL == "" {
		switch ethNetwork {
		case "mainnet":
			ethRPCURL = "https://ethereum-rpc.publicnode.com"
		default:
			ethRPCURL = "https://ethereum-sepolia-rpc.publicnode.com"
		}
	}

	var ethChainID int64
	switch ethNetwork {
	case "mainnet":
		ethChainID = 1
	case "sepolia":
		ethChainID = 11155111
	default:
		ethChainID = getEnvAsInt64("ETHEREUM_CHAIN_ID", 11155111)
	}

	// ============================================================================
	// TRON Configuration
	// ============================================================================
	tronNetwork := getEnv("TRON_NETWORK", "shasta")
	tronHTTPUrl := getEnv("TRON_HTTP_URL", "")

	if tronHTTPUrl == "" {
		switch tronNetwork {
		case "mainnet":
			tronHTTPUrl = "https://api.trongrid.io"
		case "shasta":
			tronHTTPUrl = "https://api.shasta.trongrid.io"
		case "nile":
			tronHTTPUrl = "https://nile.trongrid.io"
		}
	}

	cfg := &Config{
		App: AppConfig{
			Env:      getEnv("APP_ENV", "production"),
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("STORAGE_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Name:            getEnv("DB_NAME", "crypto_payments"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			LockDriver: getEnv("LOCK_DRIVER", "local"),
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   os.Getenv("REDIS_PASS"),
			DB:         getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: parseCSVEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "crypto-payments.events"),
		},
		Security: SecurityConfig{
			MasterKey:     os.Getenv("CRYPTO_MASTER_KEY"),
			VaultProvider: getEnv("VAULT_PROVIDER", "env"),
			FileVaultDir:  getEnv("FILE_VAULT_DIR", "./vault"),
			FileVaultKey:  os.Getenv("FILE_VAULT_KEY"),
		},
		Bitcoin: BitcoinConfig{
			Enabled:     getEnvAsBool("BITCOIN_ENABLED", true),
			Network:     btcNetwork,
			ExplorerURL: btcExplorerURL,
		},
		Ethereum: EthereumConfig{
			Enabled: getEnvAsBool("ETHEREUM_ENABLED", true),
			Network: ethNetwork,
			RPCURL:  ethRPCURL,
			WSURL:   os.Getenv("ETHEREUM_WS_URL"),
			ChainID: ethChainID,
		},
		Tron: TronConfig{
			Enabled: getEnvAsBool("TRON_ENABLED", true),
			Network: tronNetwork,
			HTTPUrl: tronHTTPUrl,
			APIKey:  os.Getenv("TRON_API_KEY"),
		},
		Monitor: MonitorConfig{
			Strategy:            getEnv("MONITOR_STRATEGY", "subscribe"),
			PollInterval:        getEnvAsDuration("MONITOR_POLL_INTERVAL", 15*time.Second),
			Concurrency:         getEnvAsInt("MONITOR_CONCURRENCY", 8),
			ResubscribeInterval: getEnvAsDuration("MONITOR_RESUBSCRIBE_INTERVAL", time.Minute),
		},
		Dispatcher: DispatcherConfig{
			DefaultInterval: getEnvAsDuration("DISPATCH_INTERVAL", time.Second),
			DefaultBatch:    getEnvAsInt("DISPATCH_BATCH_SIZE", 50),
			InterItemDelay:  getEnvAsDuration("DISPATCH_ITEM_DELAY", 25*time.Millisecond),
			MaxRetries:      getEnvAsInt("DISPATCH_MAX_RETRIES", 3),
			DeliveryTimeout: getEnvAsDuration("DISPATCH_DELIVERY_TIMEOUT", 5*time.Second),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:      getEnvAsInt("RECOVERY_MAX_ATTEMPTS", 3),
			BaseBackoff:      getEnvAsDuration("RECOVERY_BASE_BACKOFF", 200*time.Millisecond),
			MaxBackoff:       getEnvAsDuration("RECOVERY_MAX_BACKOFF", 5*time.Second),
			BreakerThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Realtime: RealtimeConfig{
			JWTSecret:             os.Getenv("JWT_SECRET"),
			JWTIssuer:             getEnv("JWT_ISSUER", "crypto-payment-service"),
			MaxConnectionsPerUser: getEnvAsInt("WS_MAX_CONNECTIONS_PER_USER", 5),
			Heartbeat:             getEnvAsDuration("WS_HEARTBEAT", 30*time.Second),
			AllowedOrigins:        parseCSVEnv("WS_ALLOWED_ORIGINS", nil),
		},
		Payments: PaymentsConfig{
			DefaultTTLMinutes: getEnvAsInt("PAYMENT_DEFAULT_TTL_MINUTES", 30),
			ExpiryInterval:    getEnvAsDuration("PAYMENT_EXPIRY_INTERVAL", time.Minute),
			PoolInterval:      getEnvAsDuration("ADDRESS_POOL_INTERVAL", 5*time.Minute),
			PoolTarget:        getEnvAsInt("ADDRESS_POOL_TARGET", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		zap.String("env", cfg.App.Env),
		zap.String("storage", cfg.Database.Driver),
		zap.String("lock", cfg.Redis.LockDriver),
		zap.String("btc_network", cfg.Bitcoin.Network),
		zap.String("eth_network", cfg.Ethereum.Network),
		zap.String("tron_network", cfg.Tron.Network),
		zap.String("monitor_strategy", cfg.Monitor.Strategy),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return cfg, nil
}

// Validate rejects combinations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Database.Driver))
	}
	switch c.Redis.LockDriver {
	case "redis", "local":
	default:
		errs = append(errs, fmt.Errorf("LOCK_DRIVER must be redis or local, got %q", c.Redis.LockDriver))
	}
	switch c.Security.VaultProvider {
	case "env", "file":
	default:
		errs = append(errs, fmt.Errorf("VAULT_PROVIDER must be env or file, got %q", c.Security.VaultProvider))
	}
	switch c.Bitcoin.Network {
	case "mainnet", "testnet", "regtest":
	default:
		errs = append(errs, fmt.Errorf("BTC_NETWORK %q is not supported", c.Bitcoin.Network))
	}
	switch c.Monitor.Strategy {
	case "subscribe", "poll":
	default:
		errs = append(errs, fmt.Errorf("MONITOR_STRATEGY must be subscribe or poll, got %q", c.Monitor.Strategy))
	}

	if c.Tron.Enabled && c.Tron.HTTPUrl == "" {
		errs = append(errs, fmt.Errorf("TRON_NETWORK %q has no default endpoint, set TRON_HTTP_URL", c.Tron.Network))
	}
	if c.Bitcoin.Enabled && c.Bitcoin.ExplorerURL == "" {
		errs = append(errs, fmt.Errorf("BTC_NETWORK %q has no default explorer, set BTC_EXPLORER_URL", c.Bitcoin.Network))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED"))
	}
	if c.Realtime.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	if c.Monitor.PollInterval <= 0 || c.Monitor.Concurrency <= 0 {
		errs = append(errs, errors.New("monitor poll interval and concurrency must be positive"))
	}
	if c.Dispatcher.DefaultInterval < 100*time.Millisecond || c.Dispatcher.DefaultInterval > 5*time.Second {
		errs = append(errs, errors.New("DISPATCH_INTERVAL must be within [100ms, 5s]"))
	}
	if c.Dispatcher.DefaultBatch < 10 || c.Dispatcher.DefaultBatch > 200 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be within [10, 200]"))
	}
	if c.Recovery.MaxAttempts < 1 || c.Recovery.BreakerThreshold < 1 {
		errs = append(errs, errors.New("recovery attempts and breaker threshold must be at least 1"))
	}
	if c.Payments.DefaultTTLMinutes <= 0 {
		errs = append(errs, errors.New("PAYMENT_DEFAULT_TTL_MINUTES must be positive"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS exceeds DB_MAX_CONNS"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// ============================================================================
// Helper Functions
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseCSVEnv(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
