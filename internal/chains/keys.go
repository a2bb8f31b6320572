// internal/chains/keys.go
package chains

import (
	"fmt"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/chains/bitcoin"
	"crypto-payment-service/internal/chains/ethereum"
	"crypto-payment-service/internal/chains/tron"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/security"

	"go.uber.org/zap"
)

// KeyPair is a freshly generated address with its encrypted private key.
// The plaintext key never leaves KeyManager.
type KeyPair struct {
	Address             string
	PublicKey           string
	EncryptedPrivateKey string
	EncryptionVersion   string
}

// KeyManager generates per-network key pairs.
type KeyManager struct {
	encryption     *security.Encryption
	bitcoinNetwork string
	logger         *zap.Logger
}

func NewKeyManager(encryption *security.Encryption, bitcoinNetwork string, logger *zap.Logger) *KeyManager {
	return &KeyManager{
		encryption:     encryption,
		bitcoinNetwork: bitcoinNetwork,
		logger:         logger,
	}
}

func (k *KeyManager) Generate(network domain.Network) (*KeyPair, error) {
	const op = "KeyManager.Generate"

	var (
		wallet *domain.Wallet
		err    error
	)
	switch network {
	case domain.NetworkBitcoin:
		wallet, err = bitcoin.GenerateWallet(k.bitcoinNetwork)
	case domain.NetworkEthereum:
		wallet, err = ethereum.GenerateWallet()
	case domain.NetworkTron:
		wallet, err = tron.GenerateWallet()
	default:
		return nil, apperr.Validation(op, "unsupported network %q", network)
	}
	if err != nil {
		return nil, apperr.Security(op, fmt.Errorf("%w: %v", apperr.ErrKeyManagement, err),
			"key generation failed for %s", network)
	}

	encrypted, err := k.encryption.Encrypt(wallet.PrivateKey)
	if err != nil {
		return nil, apperr.Security(op, fmt.Errorf("%w: %v", apperr.ErrKeyManagement, err),
			"private key encryption failed for %s", network)
	}

	k.logger.Debug("key pair generated",
		zap.String("network", string(network)),
		zap.String("address", wallet.Address))

	return &KeyPair{
		Address:             wallet.Address,
		PublicKey:           wallet.PublicKey,
		EncryptedPrivateKey: encrypted,
		EncryptionVersion:   k.encryption.Version(),
	}, nil
}

// ValidateAddress checks an address against the network's encoding.
func (k *KeyManager) ValidateAddress(network domain.Network, address string) error {
	switch network {
	case domain.NetworkBitcoin:
		return bitcoin.ValidateAddress(address, k.bitcoinNetwork)
	case domain.NetworkEthereum:
		return ethereum.ValidateAddress(address)
	case domain.NetworkTron:
		return tron.ValidateAddress(address)
	default:
		return fmt.Errorf("unsupported network %q", network)
	}
}
