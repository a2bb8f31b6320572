// internal/domain/currency.go
package domain

import (
	"fmt"
	"strings"
)

// Network is the closed set of chains a currency can live on.
type Network string

const (
	NetworkBitcoin  Network = "BITCOIN"
	NetworkEthereum Network = "ETHEREUM"
	NetworkTron     Network = "TRON"
)

// NetworkProfile holds the per-network constants.
type NetworkProfile struct {
	Network               Network
	NativeSymbol          string
	Decimals              int
	RequiredConfirmations int
	BlockTime             string // informational, e.g. "10m"
}

var networkProfiles = map[Network]NetworkProfile{
	NetworkBitcoin: {
		Network:               NetworkBitcoin,
		NativeSymbol:          "BTC",
		Decimals:              8,
		RequiredConfirmations: 6,
		BlockTime:             "10m",
	},
	NetworkEthereum: {
		Network:               NetworkEthereum,
		NativeSymbol:          "ETH",
		Decimals:              18,
		RequiredConfirmations: 12,
		BlockTime:             "12s",
	},
	NetworkTron: {
		Network:               NetworkTron,
		NativeSymbol:          "TRX",
		Decimals:              6,
		RequiredConfirmations: 19,
		BlockTime:             "3s",
	},
}

// Profile returns the constants for a network.
func (n Network) Profile() (NetworkProfile, bool) {
	p, ok := networkProfiles[n]
	return p, ok
}

// Valid reports whether n is one of the supported networks.
func (n Network) Valid() bool {
	_, ok := networkProfiles[n]
	return ok
}

// ParseNetwork parses a network name case-insensitively.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToUpper(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("unsupported network: %s", s)
	}
	return n, nil
}

// Networks lists the supported networks in a stable order.
func Networks() []Network {
	return []Network{NetworkBitcoin, NetworkEthereum, NetworkTron}
}

// CryptoCurrency is immutable reference data created at provisioning time.
type CryptoCurrency struct {
	ID                    int64
	Symbol                string
	Name                  string
	Decimals              int
	Network               Network
	RequiredConfirmations int
	IsActive              bool
}

// DefaultCurrencies returns the native currency of every supported network.
func DefaultCurrencies() []*CryptoCurrency {
	names := map[Network]string{
		NetworkBitcoin:  "Bitcoin",
		NetworkEthereum: "Ethereum",
		NetworkTron:     "Tron",
	}

	out := make([]*CryptoCurrency, 0, len(networkProfiles))
	for _, n := range Networks() {
		p := networkProfiles[n]
		out = append(out, &CryptoCurrency{
			Symbol:                p.NativeSymbol,
			Name:                  names[n],
			Decimals:              p.Decimals,
			Network:               n,
			RequiredConfirmations: p.RequiredConfirmations,
			IsActive:              true,
		})
	}
	return out
}
