// internal/chains/tron/wallet.go
package tron

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

// GenerateWallet creates a secp256k1 key pair with a base58check TRON address.
func GenerateWallet() (*domain.Wallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key")
	}

	return &domain.Wallet{
		Address:    address.PubkeyToAddress(*publicKey).String(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(privateKey)),
		PublicKey:  hex.EncodeToString(crypto.FromECDSAPub(publicKey)),
		Network:    domain.NetworkTron,
		CreatedAt:  time.Now(),
	}, nil
}

// ValidateAddress checks the base58check encoding of a TRON address.
func ValidateAddress(addr string) error {
	if _, err := address.Base58ToAddress(addr); err != nil {
		return fmt.Errorf("invalid TRON address %s: %w", addr, err)
	}
	return nil
}

// hexToBase58 converts a 41-prefixed hex address as returned by TronGrid.
func hexToBase58(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("invalid hex address %s: %w", h, err)
	}
	if len(raw) != address.AddressLength {
		return "", fmt.Errorf("invalid address length %d", len(raw))
	}
	return address.Address(raw).String(), nil
}
