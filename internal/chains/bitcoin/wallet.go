// internal/chains/bitcoin/wallet.go
package bitcoin

import (
	"encoding/hex"
	"fmt"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// GenerateWallet creates a P2PKH key pair; the private key is WIF encoded.
func GenerateWallet(network string) (*domain.Wallet, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	publicKey := privateKey.PubKey()

	pubKeyHash := btcutil.Hash160(publicKey.SerializeCompressed())
	address, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create address: %w", err)
	}

	wif, err := btcutil.NewWIF(privateKey, params, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create WIF: %w", err)
	}

	return &domain.Wallet{
		Address:    address.EncodeAddress(),
		PrivateKey: wif.String(),
		PublicKey:  hex.EncodeToString(publicKey.SerializeCompressed()),
		Network:    domain.NetworkBitcoin,
		CreatedAt:  time.Now(),
	}, nil
}

// NetworkParams returns chaincfg params for a network name.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}

// ValidateAddress checks that address decodes for the given network.
func ValidateAddress(address, network string) error {
	params, err := NetworkParams(network)
	if err != nil {
		return err
	}
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid Bitcoin address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %s is not for %s", address, network)
	}
	return nil
}
