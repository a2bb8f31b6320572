// internal/chains/ethereum/provider.go
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"crypto-payment-service/internal/apperr"
	"crypto-payment-service/internal/domain"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Backend is the subset of ethclient.Client the provider needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (geth.Subscription, error)
}

type Config struct {
	// MaxBlocksPerSync bounds how far a single sync walks forward.
	MaxBlocksPerSync uint64
	// ReorgDepth is how many recent blocks are re-checked for hash changes.
	ReorgDepth uint64
}

func DefaultConfig() Config {
	return Config{MaxBlocksPerSync: 50, ReorgDepth: 64}
}

type transfer struct {
	hash      common.Hash
	to        string
	value     *big.Int
	block     *uint64
	blockHash common.Hash
	failed    bool
	seenAt    time.Time
}

// Provider scans blocks for native ETH transfers into tracked addresses.
// Transfers are indexed per address so IncomingTransactions is a lookup
// after the scan cursor has caught up with the head.
type Provider struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger

	mu          sync.Mutex
	tracked     map[string]struct{}
	transfers   map[string]map[common.Hash]*transfer
	cursor      uint64
	cursorHash  common.Hash
	cursorTime  uint64
	hasCursor   bool
	rescanSince time.Time
	checkedHead common.Hash
}

// Dial connects to an RPC (http or ws) endpoint.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *zap.Logger) (*Provider, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Ethereum: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	logger.Info("Ethereum provider initialized",
		zap.String("rpc", rpcURL),
		zap.String("chain_id", chainID.String()))

	return NewProvider(client, cfg, logger), client, nil
}

func NewProvider(backend Backend, cfg Config, logger *zap.Logger) *Provider {
	if cfg.MaxBlocksPerSync == 0 {
		cfg.MaxBlocksPerSync = DefaultConfig().MaxBlocksPerSync
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = DefaultConfig().ReorgDepth
	}
	return &Provider{
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		tracked:   make(map[string]struct{}),
		transfers: make(map[string]map[common.Hash]*transfer),
	}
}

func (p *Provider) Network() domain.Network {
	return domain.NetworkEthereum
}

func key(address string) string {
	return strings.ToLower(address)
}

// TrackAddress adds address to the scan. Blocks mined since the given time
// that lie behind the cursor are rescanned on the next sync, so payments
// re-watched after downtime still see transfers made while the service was
// away.
func (p *Provider) TrackAddress(address string, since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracked) == 0 {
		p.hasCursor = false
		p.rescanSince = time.Time{}
	}
	p.tracked[key(address)] = struct{}{}

	if since.IsZero() || (p.hasCursor && since.Unix() >= int64(p.cursorTime)) {
		return
	}
	if p.rescanSince.IsZero() || since.Before(p.rescanSince) {
		p.rescanSince = since
	}
}

func (p *Provider) UntrackAddress(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, key(address))
	delete(p.transfers, key(address))
}

// IncomingTransactions syncs the block cursor and returns the transfers
// recorded for address.
func (p *Provider) IncomingTransactions(ctx context.Context, address string) ([]domain.ChainTransaction, error) {
	head, err := p.sync(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	recorded := p.transfers[key(address)]
	out := make([]domain.ChainTransaction, 0, len(recorded))
	for _, t := range recorded {
		ct := domain.ChainTransaction{
			Hash:    t.hash.Hex(),
			Address: address,
			Amount:  WeiToEther(t.value),
			Failed:  t.failed,
			SeenAt:  t.seenAt,
		}
		if t.failed {
			ct.FailReason = "execution reverted"
		}
		if t.block != nil {
			n := int64(*t.block)
			ct.BlockNumber = &n
			if head >= *t.block {
				ct.Confirmations = int(head-*t.block) + 1
			}
		}
		out = append(out, ct)
	}
	return out, nil
}

// sync walks forward from the cursor to the head, first rolling back any
// recorded transfers whose block hash no longer matches the canonical chain.
func (p *Provider) sync(ctx context.Context) (uint64, error) {
	head, err := p.backend.BlockNumber(ctx)
	if err != nil {
		return 0, apperr.Transient("ethereum.BlockNumber", err, "failed to get head")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tracked) == 0 {
		return head, nil
	}
	if !p.hasCursor {
		start := uint64(0)
		if head > p.cfg.ReorgDepth {
			start = head - p.cfg.ReorgDepth
		}
		header, err := p.header(ctx, start)
		if err != nil {
			return 0, err
		}
		p.cursor, p.cursorHash, p.cursorTime = start, common.Hash{}, header.Time
		p.checkedHead, p.hasCursor = common.Hash{}, true
	}
	if !p.rescanSince.IsZero() {
		if err := p.rewindTo(ctx, p.rescanSince); err != nil {
			return 0, err
		}
		p.rescanSince = time.Time{}
	}

	// recorded transfers only need re-checking when the head moved
	headHeader, err := p.header(ctx, head)
	if err != nil {
		return 0, err
	}
	if headHeader.Hash() != p.checkedHead {
		if err := p.checkReorgs(ctx, head); err != nil {
			return 0, err
		}
		p.checkedHead = headHeader.Hash()
	}

	end := head
	if end > p.cursor+p.cfg.MaxBlocksPerSync {
		end = p.cursor + p.cfg.MaxBlocksPerSync
	}
	for n := p.cursor + 1; n <= end; n++ {
		block, err := p.scanBlock(ctx, n)
		if err != nil {
			return 0, err
		}
		p.cursor, p.cursorHash, p.cursorTime = n, block.Hash(), block.Time()
	}
	return head, nil
}

func (p *Provider) header(ctx context.Context, number uint64) (*types.Header, error) {
	header, err := p.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, apperr.Transient("ethereum.HeaderByNumber", err, "failed to get header %d", number)
	}
	return header, nil
}

// rewindTo moves the cursor back to just before the first block mined at or
// after since. Must hold p.mu.
func (p *Provider) rewindTo(ctx context.Context, since time.Time) error {
	target := uint64(max(since.Unix(), 0))
	if target >= p.cursorTime {
		return nil
	}

	lo, hi := uint64(0), p.cursor
	for lo < hi {
		mid := lo + (hi-lo)/2
		header, err := p.header(ctx, mid)
		if err != nil {
			return err
		}
		if header.Time < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	from := lo
	if from > 0 {
		from--
	}
	if from >= p.cursor {
		return nil
	}

	p.logger.Info("rescanning blocks behind the cursor",
		zap.Uint64("from", from),
		zap.Uint64("cursor", p.cursor),
		zap.Time("since", since))
	p.cursor, p.cursorHash, p.cursorTime = from, common.Hash{}, target
	return nil
}

func (p *Provider) checkReorgs(ctx context.Context, head uint64) error {
	floor := uint64(0)
	if head > p.cfg.ReorgDepth {
		floor = head - p.cfg.ReorgDepth
	}

	rewind := p.cursor
	if p.cursorHash != (common.Hash{}) {
		header, err := p.header(ctx, p.cursor)
		if err != nil {
			return err
		}
		if header.Hash() != p.cursorHash {
			p.logger.Warn("scan cursor reorganised, rescanning",
				zap.Uint64("cursor", p.cursor),
				zap.Uint64("from", floor))
			if floor < rewind {
				rewind = floor
			}
		}
	}
	for addr, byHash := range p.transfers {
		for _, t := range byHash {
			if t.block == nil || *t.block < floor {
				continue
			}
			header, err := p.header(ctx, *t.block)
			if err != nil {
				return err
			}
			if header.Hash() == t.blockHash {
				continue
			}
			p.logger.Warn("transfer block reorganised",
				zap.String("address", addr),
				zap.String("tx_hash", t.hash.Hex()),
				zap.Uint64("block", *t.block))
			if *t.block > 0 && *t.block-1 < rewind {
				rewind = *t.block - 1
			}
			t.block = nil
			t.blockHash = common.Hash{}
		}
	}
	if rewind != p.cursor {
		p.cursor, p.cursorHash = rewind, common.Hash{}
	}
	return nil
}

func (p *Provider) scanBlock(ctx context.Context, number uint64) (*types.Block, error) {
	block, err := p.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, apperr.Transient("ethereum.BlockByNumber", err, "failed to get block %d", number)
	}

	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		to := key(tx.To().Hex())
		if _, ok := p.tracked[to]; !ok {
			continue
		}

		receipt, err := p.backend.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, apperr.Transient("ethereum.TransactionReceipt", err, "failed to get receipt %s", tx.Hash().Hex())
		}

		byHash := p.transfers[to]
		if byHash == nil {
			byHash = make(map[common.Hash]*transfer)
			p.transfers[to] = byHash
		}
		t, ok := byHash[tx.Hash()]
		if !ok {
			t = &transfer{hash: tx.Hash(), to: to, value: tx.Value(), seenAt: time.Now()}
			byHash[tx.Hash()] = t
		}
		n := number
		t.block = &n
		t.blockHash = block.Hash()
		t.failed = receipt.Status == types.ReceiptStatusFailed
	}
	return block, nil
}

// SubscribeBlocks forwards new head numbers from the node.
func (p *Provider) SubscribeBlocks(ctx context.Context) (domain.BlockSubscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := p.backend.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, apperr.External("ethereum.SubscribeNewHead", err, "subscription rejected")
	}

	s := &headSubscription{
		sub:   sub,
		heads: make(chan int64, 16),
		done:  make(chan struct{}),
	}
	go s.forward(headers)
	return s, nil
}

type headSubscription struct {
	sub   geth.Subscription
	heads chan int64
	done  chan struct{}
	once  sync.Once
}

func (s *headSubscription) forward(headers <-chan *types.Header) {
	defer close(s.heads)
	for {
		select {
		case <-s.done:
			return
		case h, ok := <-headers:
			if !ok {
				return
			}
			select {
			case s.heads <- h.Number.Int64():
			case <-s.done:
				return
			}
		}
	}
}

func (s *headSubscription) Heads() <-chan int64 { return s.heads }
func (s *headSubscription) Err() <-chan error   { return s.sub.Err() }

func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.done)
	})
}

// WeiToEther converts a wei amount to ETH.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
