// internal/chains/bitcoin/provider.go
package bitcoin

import (
	"context"
	"fmt"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider reports incoming BTC transfers using an esplora indexer.
type Provider struct {
	client *EsploraClient
	logger *zap.Logger
}

func NewProvider(client *EsploraClient, logger *zap.Logger) *Provider {
	return &Provider{client: client, logger: logger}
}

func (p *Provider) Network() domain.Network {
	return domain.NetworkBitcoin
}

// IncomingTransactions sums the outputs paying address in every recent
// transaction. Transactions that only spend from address are skipped.
func (p *Provider) IncomingTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	txs, err := p.client.AddressTransactions(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	var tip int64
	for _, tx := range txs {
		if tx.Status.Confirmed {
			if tip, err = p.client.TipHeight(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	now := time.Now()
	out := make([]domain.ChainTransaction, 0, len(txs))
	for _, tx := range txs {
		if _, err := chainhash.NewHashFromStr(tx.TxID); err != nil {
			p.logger.Warn("skipping malformed txid", zap.String("txid", tx.TxID), zap.Error(err))
			continue
		}

		var sats int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				sats += out.Value
			}
		}
		if sats == 0 {
			continue
		}

		ct := domain.ChainTransaction{
			Hash:    tx.TxID,
			Address: address,
			Amount:  SatoshiToBTC(sats),
			SeenAt:  now,
		}
		if tx.Status.Confirmed {
			height := tx.Status.BlockHeight
			ct.BlockNumber = &height
			ct.Confirmations = confirmations(tip, height)
		}
		out = append(out, ct)
	}
	return out, nil
}

func confirmations(tip, height int64) int {
	if tip < height {
		return 1
	}
	return int(tip-height) + 1
}

// SatoshiToBTC converts satoshis to a BTC amount.
func SatoshiToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// String is used in logs.
func (p *Provider) String() string {
	return fmt.Sprintf("esplora(%s)", p.client.baseURL)
}
