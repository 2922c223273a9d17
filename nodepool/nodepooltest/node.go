// Package nodepooltest provides an in-memory node and a ready pool for tests of packages built on nodepool
package nodepooltest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/dexsniper/execution-node/nodepool"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

var ErrDown = errors.New("node down")

// RPCError is an error response returned by a live node, like a revert.
type RPCError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e RPCError) Error() string          { return e.Message }
func (e RPCError) ErrorCode() int         { return e.Code }
func (e RPCError) ErrorData() interface{} { return e.Data }

// Reverted returns the error a node reports for a reverted call.
func Reverted(reason string) RPCError {
	return RPCError{Code: 3, Message: "execution reverted: " + reason}
}

// Node is a scriptable NodeClient. Zero values are replaced by mainnet-like defaults in NewNode.
type Node struct {
	mu sync.Mutex

	ChainID     uint64
	Block       uint64
	BaseFee     *big.Int
	TipCap      *big.Int
	GasPrice    *big.Int
	Pending     uint
	GasEstimate uint64
	EstimateErr error
	CallResult  []byte
	CallErr     error
	SendErr     error
	Down        bool

	Sent  []*types.Transaction
	Calls int
}

func NewNode(chainID uint64) *Node {
	return &Node{
		ChainID:     chainID,
		Block:       19_000_000,
		BaseFee:     big.NewInt(20_000_000_000),
		TipCap:      big.NewInt(2_000_000_000),
		GasPrice:    big.NewInt(22_000_000_000),
		Pending:     150,
		GasEstimate: 100_000,
	}
}

// Set mutates the node under its lock.
func (n *Node) Set(fn func(n *Node)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

func (n *Node) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls++
	if n.Down {
		return ErrDown
	}
	return nil
}

func copyBig(b *big.Int) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).Set(b)
}

func (n *Node) ChainIDValue(_ context.Context) (*big.Int, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).SetUint64(n.ChainID), nil
}

func (n *Node) BlockNumber(_ context.Context) (uint64, error) {
	if err := n.begin(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Block, nil
}

func (n *Node) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(n.Block),
		BaseFee: copyBig(n.BaseFee),
		Time:    uint64(time.Now().Unix()),
	}, nil
}

func (n *Node) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyBig(n.GasPrice), nil
}

func (n *Node) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyBig(n.TipCap), nil
}

func (n *Node) PendingTransactionCount(_ context.Context) (uint, error) {
	if err := n.begin(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Pending, nil
}

func (n *Node) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	if err := n.begin(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.GasEstimate, n.EstimateErr
}

func (n *Node) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.CallResult, n.CallErr
}

func (n *Node) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := n.begin(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SendErr != nil {
		return n.SendErr
	}
	n.Sent = append(n.Sent, tx)
	return nil
}

func (n *Node) BatchCallContext(_ context.Context, _ []rpc.BatchElem) error {
	return n.begin()
}

func (n *Node) Close() {}

// client adapts Node to nodepool.NodeClient, whose ChainID method name collides with the Node field.
type client struct {
	*Node
}

func (c client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.Node.ChainIDValue(ctx)
}

// NewPool returns an initialized pool serving the given nodes for one chain, highest priority first.
func NewPool(t testing.TB, chain string, nodes ...*Node) *nodepool.Manager {
	t.Helper()
	byURL := make(map[string]*Node, len(nodes))
	endpoints := make([]nodepool.EndpointConfig, 0, len(nodes))
	for i, node := range nodes {
		url := "http://node-" + string(rune('a'+i))
		byURL[url] = node
		endpoints = append(endpoints, nodepool.EndpointConfig{
			Name:      chain + "-" + string(rune('a'+i)),
			URL:       url,
			Transport: nodepool.TransportHTTP,
			Chain:     chain,
			Priority:  len(nodes) - i,
			Enabled:   true,
		})
	}
	dial := func(_ context.Context, cfg nodepool.EndpointConfig) (nodepool.NodeClient, error) {
		node := byURL[cfg.URL]
		node.mu.Lock()
		down := node.Down
		node.mu.Unlock()
		if down {
			return nil, ErrDown
		}
		return client{node}, nil
	}

	config := nodepool.DefaultConfig()
	config.HealthInterval = time.Hour
	config.DialAttempts = 1
	pool := nodepool.NewManager(zap.NewNop(), config, endpoints, dial)
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	t.Cleanup(pool.Shutdown)
	return pool
}
