// internal/chains/bitcoin/client.go
package bitcoin

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

// EsploraClient talks to a Blockstream-compatible REST indexer.
type EsploraClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

func NewEsploraClient(baseURL string, timeout time.Duration, logger *zap.Logger) *EsploraClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EsploraClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// DefaultExplorerURL returns the public Blockstream endpoint for a network.
func DefaultExplorerURL(network string) string {
	switch network {
	case "mainnet":
		return "https://blockstream.info/api"
	default:
		return "https://blockstream.info/testnet/api"
	}
}

// TxStatus is the confirmation block of an esplora transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type TxOutput struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type TransactionInfo struct {
	TxID   string     `json:"txid"`
	Fee    int64      `json:"fee"`
	Status TxStatus   `json:"status"`
	Vout   []TxOutput `json:"vout"`
}

// AddressTransactions returns the most recent transactions touching address
// (mempool first, then up to 25 confirmed).
func (c *EsploraClient) AddressTransactions(ctx context.Context, address string) ([]TransactionInfo, error) {
	var txs []TransactionInfo
	if err := c.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// TipHeight returns the current best block height.
func (c *EsploraClient) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, apperr.External("esplora.TipHeight", err, "malformed tip height")
	}
	return height, nil
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.External("esplora", err, "failed to decode %s", path)
	}
	return nil
}

// maxResponseBytes caps what is read from one explorer response.
const maxResponseBytes = 4 << 20

func (c *EsploraClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient("esplora", err, "request %s failed", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, apperr.Transient("esplora", err, "failed to read response")
	}
	if len(body) > maxResponseBytes {
		return nil, apperr.External("esplora", nil, "response for %s exceeds %d bytes", path, maxResponseBytes)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.RateLimited("esplora", retryAfter(resp.Header.Get("Retry-After")),
			"rate limited on %s", path)
	case resp.StatusCode >= 500:
		return nil, apperr.External("esplora", nil, "status %d on %s", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.External("esplora", nil, "status %d on %s: %s", resp.StatusCode, path, string(body))
	}
	return body, nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
