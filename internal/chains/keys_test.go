package chains

import (
	"testing"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/security"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newKeyManager(t *testing.T) (*KeyManager, *security.Encryption) {
	t.Helper()
	key, err := security.GenerateMasterKey()
	require.NoError(t, err)
	enc, err := security.NewEncryption(key)
	require.NoError(t, err)
	return NewKeyManager(enc, "testnet", zap.NewNop()), enc
}

func TestKeyManagerGeneratesValidAddresses(t *testing.T) {
	km, _ := newKeyManager(t)

	for _, network := range domain.Networks() {
		t.Run(string(network), func(t *testing.T) {
			pair, err := km.Generate(network)
			require.NoError(t, err)
			assert.NotEmpty(t, pair.PublicKey)
			assert.Equal(t, security.EncryptionVersion, pair.EncryptionVersion)
			assert.NoError(t, km.ValidateAddress(network, pair.Address))

			again, err := km.Generate(network)
			require.NoError(t, err)
			assert.NotEqual(t, pair.Address, again.Address)
		})
	}
}

func TestKeyManagerEncryptsPrivateKey(t *testing.T) {
	km, enc := newKeyManager(t)

	pair, err := km.Generate(domain.NetworkEthereum)
	require.NoError(t, err)

	plain, err := enc.Decrypt(pair.EncryptedPrivateKey)
	require.NoError(t, err)

	priv, err := crypto.HexToECDSA(plain)
	require.NoError(t, err)
	assert.Equal(t, pair.Address, crypto.PubkeyToAddress(priv.PublicKey).Hex())
}

func TestKeyManagerRejectsUnknownNetwork(t *testing.T) {
	km, _ := newKeyManager(t)

	_, err := km.Generate(domain.Network("DOGE"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestValidateAddressRejectsForeignFormats(t *testing.T) {
	km, _ := newKeyManager(t)

	eth, err := km.Generate(domain.NetworkEthereum)
	require.NoError(t, err)

	assert.Error(t, km.ValidateAddress(domain.NetworkBitcoin, eth.Address))
	assert.Error(t, km.ValidateAddress(domain.NetworkTron, eth.Address))
	assert.Error(t, km.ValidateAddress(domain.NetworkEthereum, "0xnothex"))
}
