package nodepool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// NodeClient is the subset of node RPC used by the execution components.
type NodeClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingTransactionCount(ctx context.Context) (uint, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	Close()
}

// Dialer opens a client for one endpoint.
type Dialer func(ctx context.Context, cfg EndpointConfig) (NodeClient, error)

type ethNodeClient struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (c *ethNodeClient) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.rpc.BatchCallContext(ctx, b)
}

// DialEndpoint is the default Dialer, backed by go-ethereum's rpc client for both http and websocket urls.
func DialEndpoint(ctx context.Context, cfg EndpointConfig) (NodeClient, error) {
	var opts []rpc.ClientOption
	if cfg.AuthHeader != "" {
		opts = append(opts, rpc.WithHeader("Authorization", cfg.AuthHeader))
	}
	client, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &ethNodeClient{Client: ethclient.NewClient(client), rpc: client}, nil
}
