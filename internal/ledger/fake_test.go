package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain is an in-memory ChainClient. Receipts are served from a queue
// per hash so tests can script pending polls.
type fakeChain struct {
	mu sync.Mutex

	nonce       uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction
	receipts    map[common.Hash][]receiptResult
	callOutput  []byte
	lastCall    ethereum.CallMsg
}

type receiptResult struct {
	receipt *types.Receipt
	err     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[common.Hash][]receiptResult)}
}

func (f *fakeChain) script(hash common.Hash, results ...receiptResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = append(f.receipts[hash], results...)
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 210_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.receipts[hash]
	if len(queue) == 0 {
		return nil, ethereum.NotFound
	}
	next := queue[0]
	if len(queue) > 1 {
		f.receipts[hash] = queue[1:]
	}
	return next.receipt, next.err
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = msg
	return f.callOutput, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}

func minedReceipt(status uint64) receiptResult {
	return receiptResult{receipt: &types.Receipt{Status: status, BlockNumber: big.NewInt(101)}}
}

func pending() receiptResult {
	return receiptResult{err: ethereum.NotFound}
}
