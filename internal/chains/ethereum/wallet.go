// internal/chains/ethereum/wallet.go
package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateWallet creates a secp256k1 key pair with a checksummed address.
func GenerateWallet() (*domain.Wallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key")
	}

	return &domain.Wallet{
		Address:    crypto.PubkeyToAddress(*publicKeyECDSA).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey))[2:],
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(publicKeyECDSA))[2:],
		Network:    domain.NetworkEthereum,
		CreatedAt:  time.Now(),
	}, nil
}

// ValidateAddress accepts lowercase or correctly checksummed hex addresses.
func ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address format")
	}
	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	mixed := body != strings.ToLower(body) && body != strings.ToUpper(body)
	if mixed && common.HexToAddress(address).Hex() != "0x"+body {
		return fmt.Errorf("invalid address checksum")
	}
	return nil
}
