package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "https://blockstream.info/testnet/api", cfg.Bitcoin.ExplorerURL)
	assert.Equal(t, "https://api.shasta.trongrid.io", cfg.Tron.HTTPUrl)
	assert.Equal(t, int64(11155111), cfg.Ethereum.ChainID)
	assert.Equal(t, time.Second, cfg.Dispatcher.DefaultInterval)
	assert.Equal(t, 50, cfg.Dispatcher.DefaultBatch)
	assert.Equal(t, 30, cfg.Payments.DefaultTTLMinutes)
	assert.Equal(t, "subscribe", cfg.Monitor.Strategy)
}

func TestLoadNetworkDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("BTC_NETWORK", "mainnet")
	t.Setenv("ETHEREUM_NETWORK", "mainnet")
	t.Setenv("TRON_NETWORK", "mainnet")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://blockstream.info/api", cfg.Bitcoin.ExplorerURL)
	assert.Equal(t, int64(1), cfg.Ethereum.ChainID)
	assert.Equal(t, "https://api.trongrid.io", cfg.Tron.HTTPUrl)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MONITOR_POLL_INTERVAL", "5s")
	t.Setenv("DISPATCH_BATCH_SIZE", "not-a-number")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 50, cfg.Dispatcher.DefaultBatch, "unparsable values fall back to defaults")
}

func TestValidateRejectsImpossibleValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_DRIVER", "mongo")
	t.Setenv("DISPATCH_INTERVAL", "10s")
	t.Setenv("MONITOR_STRATEGY", "psychic")

	_, err := Load(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")
	assert.Contains(t, err.Error(), "DISPATCH_INTERVAL")
	assert.Contains(t, err.Error(), "MONITOR_STRATEGY")
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestDatabaseURL(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", Name: "db", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/db?sslmode=disable", d.URL())
}
