// internal/chains/tron/provider.go
package tron

import (
	"context"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const transferContract = "TransferContract"

// Provider reports native TRX transfers using TronGrid.
type Provider struct {
	client *TronHTTPClient
	limit  int
	logger *zap.Logger
}

func NewProvider(client *TronHTTPClient, logger *zap.Logger) *Provider {
	return &Provider{client: client, limit: 50, logger: logger}
}

func (p *Provider) Network() domain.Network {
	return domain.NetworkTron
}

func (p *Provider) IncomingTransactions(ctx context.Context, addr string) ([]domain.ChainTransaction, error) {
	records, err := p.client.GetIncomingTransactions(ctx, addr, p.limit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	head, err := p.client.GetNowBlock(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]domain.ChainTransaction, 0, len(records))
	for _, rec := range records {
		var sun int64
		for _, c := range rec.RawData.Contract {
			if c.Type != transferContract {
				continue
			}
			to, err := hexToBase58(c.Parameter.Value.ToAddress)
			if err != nil {
				p.logger.Warn("skipping transfer with bad recipient",
					zap.String("tx_id", rec.TxID), zap.Error(err))
				continue
			}
			if to == addr {
				sun += c.Parameter.Value.Amount
			}
		}
		if sun == 0 {
			continue
		}

		ct := domain.ChainTransaction{
			Hash:    rec.TxID,
			Address: addr,
			Amount:  SunToTRX(sun),
			SeenAt:  now,
		}
		if result := rec.ContractResult(); result != "SUCCESS" {
			ct.Failed = true
			ct.FailReason = result
		}
		if rec.BlockNumber > 0 {
			n := rec.BlockNumber
			ct.BlockNumber = &n
			if head >= n {
				ct.Confirmations = int(head-n) + 1
			}
		}
		out = append(out, ct)
	}
	return out, nil
}

// SunToTRX converts sun to TRX.
func SunToTRX(sun int64) decimal.Decimal {
	return decimal.New(sun, -6)
}
