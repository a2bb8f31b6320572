package ethereum

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const genesisTime = 1_700_000_000

func blockTime(n uint64) time.Time {
	return time.Unix(int64(genesisTime+n*12), 0)
}

type fakeBackend struct {
	mu          sync.Mutex
	head        uint64
	blocks      map[uint64]*types.Block
	receipts    map[common.Hash]*types.Receipt
	headCh      chan<- *types.Header
	headerCalls int
}

func newFakeBackend(head uint64) *fakeBackend {
	return &fakeBackend{
		head:     head,
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) setBlock(n uint64, fork string, txs ...*types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(n), Time: genesisTime + n*12, Extra: []byte(fork)}
	f.blocks[n] = types.NewBlockWithHeader(h).WithBody(types.Body{Transactions: txs})
}

func (f *fakeBackend) block(n uint64) *types.Block {
	if b, ok := f.blocks[n]; ok {
		return b
	}
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(n), Time: genesisTime + n*12})
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) BlockByNumber(_ context.Context, n *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block(n.Uint64()), nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls++
	return f.block(n.Uint64()).Header(), nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeBackend) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (geth.Subscription, error) {
	f.mu.Lock()
	f.headCh = ch
	f.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func transferTo(to common.Address, nonce uint64, wei int64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(wei),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

var (
	watchedAddr = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	otherAddr   = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func TestProviderDetectsTransfersAndConfirmations(t *testing.T) {
	backend := newFakeBackend(10)
	tx := transferTo(watchedAddr, 0, 1_500_000_000_000_000_000)
	backend.setBlock(8, "", tx, transferTo(otherAddr, 1, 42))

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), time.Time{})

	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, tx.Hash().Hex(), txs[0].Hash)
	assert.Equal(t, "1.5", txs[0].Amount.String())
	assert.Equal(t, 3, txs[0].Confirmations)
	assert.False(t, txs[0].Failed)

	backend.mu.Lock()
	backend.head = 20
	backend.mu.Unlock()

	txs, err = p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 13, txs[0].Confirmations)
}

func TestProviderHandlesReorg(t *testing.T) {
	backend := newFakeBackend(10)
	tx := transferTo(watchedAddr, 0, 1000)
	backend.setBlock(8, "", tx)

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), time.Time{})

	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 3, txs[0].Confirmations)

	// blocks 8..10 replaced by a fork without the transfer
	backend.setBlock(8, "fork")
	backend.setBlock(9, "fork")
	backend.setBlock(10, "fork")

	txs, err = p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 0, txs[0].Confirmations)
	assert.Nil(t, txs[0].BlockNumber)

	// re-mined in block 11
	backend.mu.Lock()
	backend.head = 11
	backend.mu.Unlock()
	backend.setBlock(11, "fork", tx)

	txs, err = p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 1, txs[0].Confirmations)
}

func TestProviderChecksReorgsOncePerHead(t *testing.T) {
	backend := newFakeBackend(10)
	backend.setBlock(8, "", transferTo(watchedAddr, 0, 1000))

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), time.Time{})
	_, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)

	backend.mu.Lock()
	backend.headerCalls = 0
	backend.mu.Unlock()

	for i := 0; i < 5; i++ {
		txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
		require.NoError(t, err)
		require.Len(t, txs, 1)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 5, backend.headerCalls, "only the head header is fetched while the head is unchanged")
}

func TestProviderRescansFromTrackedTime(t *testing.T) {
	backend := newFakeBackend(300)
	tx := transferTo(watchedAddr, 0, 1000)
	backend.setBlock(100, "", tx)

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), blockTime(95))

	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, tx.Hash().Hex(), txs[0].Hash)
	assert.Equal(t, 201, txs[0].Confirmations)
}

func TestProviderRewindsForOlderAddress(t *testing.T) {
	backend := newFakeBackend(100)
	tx := transferTo(watchedAddr, 0, 1000)
	backend.setBlock(50, "", tx)

	p := NewProvider(backend, Config{ReorgDepth: 10}, zap.NewNop())
	p.TrackAddress(otherAddr.Hex(), time.Time{})
	p.TrackAddress(watchedAddr.Hex(), time.Time{})

	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	assert.Empty(t, txs, "blocks behind the seeded cursor are not scanned")

	p.TrackAddress(watchedAddr.Hex(), blockTime(40))
	txs, err = p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 51, txs[0].Confirmations)
}

func TestProviderReportsRevertedTransfer(t *testing.T) {
	backend := newFakeBackend(5)
	tx := transferTo(watchedAddr, 0, 1000)
	backend.setBlock(5, "", tx)
	backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), time.Time{})

	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Failed)
}

func TestProviderForgetsUntrackedAddress(t *testing.T) {
	backend := newFakeBackend(5)
	backend.setBlock(4, "", transferTo(watchedAddr, 0, 1000))

	p := NewProvider(backend, DefaultConfig(), zap.NewNop())
	p.TrackAddress(watchedAddr.Hex(), time.Time{})
	_, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)

	p.UntrackAddress(watchedAddr.Hex())
	txs, err := p.IncomingTransactions(context.Background(), watchedAddr.Hex())
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSubscribeBlocksForwardsHeads(t *testing.T) {
	backend := newFakeBackend(1)
	p := NewProvider(backend, DefaultConfig(), zap.NewNop())

	sub, err := p.SubscribeBlocks(context.Background())
	require.NoError(t, err)

	backend.mu.Lock()
	ch := backend.headCh
	backend.mu.Unlock()
	ch <- &types.Header{Number: big.NewInt(77)}

	assert.Equal(t, int64(77), <-sub.Heads())
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	assert.NoError(t, ValidateAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.Error(t, ValidateAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	assert.Error(t, ValidateAddress("5aAeb6"))
}
