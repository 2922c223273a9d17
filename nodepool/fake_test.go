package nodepool

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

var errNodeDown = errors.New("node down")

type fakeNode struct {
	chainID uint64
	block   atomic.Uint64
	delay   time.Duration
	down    atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	batches [][]rpc.BatchElem
}

func newFakeNode(chainID uint64) *fakeNode {
	n := &fakeNode{chainID: chainID}
	n.block.Store(100)
	return n
}

func (n *fakeNode) wait(ctx context.Context) error {
	if n.down.Load() {
		return errNodeDown
	}
	if n.delay == 0 {
		return nil
	}
	select {
	case <-time.After(n.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n.chainID), nil
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	return n.block.Load(), nil
}

func (n *fakeNode) HeaderByNumber(ctx context.Context, _ *big.Int) (*types.Header, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	return &types.Header{Number: new(big.Int).SetUint64(n.block.Load()), BaseFee: big.NewInt(20e9)}, nil
}

func (n *fakeNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(22e9), n.wait(ctx)
}

func (n *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2e9), n.wait(ctx)
}

func (n *fakeNode) PendingTransactionCount(ctx context.Context) (uint, error) {
	return 150, n.wait(ctx)
}

func (n *fakeNode) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 100000, n.wait(ctx)
}

func (n *fakeNode) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, n.wait(ctx)
}

func (n *fakeNode) SendTransaction(ctx context.Context, _ *types.Transaction) error {
	return n.wait(ctx)
}

func (n *fakeNode) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	if err := n.wait(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	n.batches = append(n.batches, b)
	n.mu.Unlock()
	for i := range b {
		raw, _ := json.Marshal(map[string]any{"method": b[i].Method, "index": i})
		*(b[i].Result.(*json.RawMessage)) = raw
	}
	return nil
}

func (n *fakeNode) Close() {
	n.closed.Store(true)
}

// fakeNetwork dials fake nodes by endpoint url
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	dials atomic.Int32
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*fakeNode)}
}

func (f *fakeNetwork) add(url string, node *fakeNode) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[url] = node
	return node
}

func (f *fakeNetwork) dial(_ context.Context, cfg EndpointConfig) (NodeClient, error) {
	f.dials.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[cfg.URL]
	if !ok || node.down.Load() {
		return nil, errNodeDown
	}
	return node, nil
}
