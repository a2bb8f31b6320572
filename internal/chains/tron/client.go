// internal/chains/tron/client.go
package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypto-payment-service/internal/apperr"

	"go.uber.org/zap"
)

// TronHTTPClient handles HTTP API calls to TronGrid
type TronHTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTronHTTPClient(baseURL, apiKey string, logger *zap.Logger) *TronHTTPClient {
	return &TronHTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// DefaultGridURL returns the public TronGrid endpoint for a network.
func DefaultGridURL(network string) string {
	switch network {
	case "mainnet":
		return "https://api.trongrid.io"
	case "nile":
		return "https://nile.trongrid.io"
	default:
		return "https://api.shasta.trongrid.io"
	}
}

type AccountTransactionsResponse struct {
	Success bool                `json:"success"`
	Data    []TransactionRecord `json:"data"`
}

type TransactionRecord struct {
	TxID           string `json:"txID"`
	BlockNumber    int64  `json:"blockNumber"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Ret            []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []struct {
			Type      string `json:"type"`
			Parameter struct {
				Value struct {
					Amount       int64  `json:"amount"`
					OwnerAddress string `json:"owner_address"`
					ToAddress    string `json:"to_address"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

// ContractResult returns the execution result, SUCCESS when absent.
func (r TransactionRecord) ContractResult() string {
	if len(r.Ret) == 0 || r.Ret[0].ContractRet == "" {
		return "SUCCESS"
	}
	return r.Ret[0].ContractRet
}

// GetIncomingTransactions lists transactions sent to address, newest first.
func (c *TronHTTPClient) GetIncomingTransactions(ctx context.Context, address string, limit int) ([]TransactionRecord, error) {
	path := fmt.Sprintf("/v1/accounts/%s/transactions?only_to=true&limit=%d", address, limit)

	var result AccountTransactionsResponse
	if err := c.do(ctx, http.MethodGet, path, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, apperr.External("trongrid", nil, "unsuccessful response for %s", address)
	}

	c.logger.Debug("account transactions retrieved",
		zap.String("address", address),
		zap.Int("count", len(result.Data)))

	return result.Data, nil
}

// GetNowBlock returns the latest block number.
func (c *TronHTTPClient) GetNowBlock(ctx context.Context) (int64, error) {
	var result struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.do(ctx, http.MethodPost, "/wallet/getnowblock", &result); err != nil {
		return 0, err
	}
	return result.BlockHeader.RawData.Number, nil
}

const (
	maxResponseBytes  = 4 << 20
	maxErrorBodyBytes = 4 << 10
)

func (c *TronHTTPClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("trongrid", err, "failed to execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var wait time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			wait = time.Duration(secs) * time.Second
		}
		return apperr.RateLimited("trongrid", wait, "rate limited on %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return apperr.External("trongrid", nil, "API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return apperr.External("trongrid", err, "failed to decode response")
	}
	return nil
}
